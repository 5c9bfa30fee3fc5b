package processor

import (
	"context"
	"encoding/json"
	"fmt"

	cdpa "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	cdpnetwork "github.com/chromedp/cdproto/network"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	"github.com/chromedevtools/bidi-server/internal/network"
)

// TargetRegistry is the seam NetworkProcessor uses to reach every live
// CdpTarget's session and network storage, implemented by
// internal/session.Session.
type TargetRegistry interface {
	// AllStorages returns every tracked session id and its Network Storage.
	AllStorages() map[string]*network.Storage
	// FindRequest looks up a tracked request by its BiDi-visible id across
	// every known target, returning the owning session id alongside it.
	FindRequest(requestID string) (sessionID string, req *network.Request, ok bool)
	// Session resolves a session id to its live CDP session.
	Session(sessionID string) (*cdp.Session, bool)
}

// NetworkProcessor implements the network.* domain (spec.md §4.12):
// intercept registration and the five-call interception API that resolves
// a paused request's current InterceptPhase. Grounded on the teacher's
// onRequestPaused/onAuthRequired/ContinueRequest/FulfillRequest handlers
// (common/network_manager.go, internal/js/modules/k6/browser/common/network_manager.go),
// which likewise gate every Fetch.* command behind the fetchId captured
// off Fetch.requestPaused.
type NetworkProcessor struct {
	Targets TargetRegistry
}

// Register wires every network.* method into p.
func (np *NetworkProcessor) Register(p *Processor) {
	p.Register("network.addIntercept", np.addIntercept)
	p.Register("network.removeIntercept", np.removeIntercept)
	p.Register("network.continueRequest", np.continueRequest)
	p.Register("network.continueResponse", np.continueResponse)
	p.Register("network.provideResponse", np.provideResponse)
	p.Register("network.failRequest", np.failRequest)
	p.Register("network.continueWithAuth", np.continueWithAuth)
}

type addInterceptParams struct {
	URLPatterns []string `json:"urlPatterns,omitempty"`
	Phases      []string `json:"phases"`
}

// addIntercept registers the same rule against every live target's
// Storage, so a request paused on any target observes a consistent
// interception set (spec.md §3 "Intercept" has no target scoping of its
// own — addIntercept is connection-wide).
func (np *NetworkProcessor) addIntercept(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params addInterceptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.addIntercept params: %s", err)
	}
	if len(params.Phases) == 0 {
		return nil, bidierror.InvalidArgumentf("phases must not be empty")
	}

	phases := make([]network.InterceptPhase, 0, len(params.Phases))
	for _, p := range params.Phases {
		phases = append(phases, network.InterceptPhase(p))
	}

	var lastID string
	for sessionID, storage := range np.Targets.AllStorages() {
		ic := storage.AddIntercept(params.URLPatterns, phases)
		lastID = ic.ID
		np.syncFetchDomain(ctx, sessionID, storage)
	}
	if lastID == "" {
		return nil, bidierror.UnsupportedOperationf("no attached target to register an intercept against")
	}
	return map[string]string{"intercept": lastID}, nil
}

// syncFetchDomain re-enables (or disables) the CDP Fetch domain on
// sessionID to match storage's current intercepts, so Fetch.requestPaused
// only pauses traffic this translator's own gating predicates expect to
// see (spec.md §4.7's "only enable the Fetch domain if necessary", mirrored
// from the teacher's NetworkManager.initDomains). Fetch.enable can be
// called repeatedly to update its pattern list; it is not an error to call
// it again with the same or a narrower set.
func (np *NetworkProcessor) syncFetchDomain(ctx context.Context, sessionID string, storage *network.Storage) {
	session, ok := np.Targets.Session(sessionID)
	if !ok {
		return
	}

	var patterns []*fetch.RequestPattern
	var needsAuth bool
	for _, ic := range storage.Intercepts() {
		urlPatterns := ic.URLPatterns
		if len(urlPatterns) == 0 {
			urlPatterns = []string{"*"}
		}
		for phase := range ic.Phases {
			switch phase {
			case network.PhaseBeforeRequestSent:
				for _, u := range urlPatterns {
					patterns = append(patterns, &fetch.RequestPattern{URLPattern: u, RequestStage: fetch.RequestStageRequest})
				}
			case network.PhaseResponseStarted:
				for _, u := range urlPatterns {
					patterns = append(patterns, &fetch.RequestPattern{URLPattern: u, RequestStage: fetch.RequestStageResponse})
				}
			case network.PhaseAuthRequired:
				needsAuth = true
			}
		}
	}

	if len(patterns) == 0 && !needsAuth {
		_ = fetch.Disable().Do(cdpa.WithExecutor(ctx, session))
		return
	}

	action := fetch.Enable()
	if len(patterns) > 0 {
		action = action.WithPatterns(patterns)
	}
	if needsAuth {
		action = action.WithHandleAuthRequests(true)
	}
	_ = action.Do(cdpa.WithExecutor(ctx, session))
}

type removeInterceptParams struct {
	Intercept string `json:"intercept"`
}

// removeIntercept fails with invalid argument when id names no registered
// intercept on any target, rather than silently no-oping (SPEC_FULL.md §3).
func (np *NetworkProcessor) removeIntercept(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params removeInterceptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.removeIntercept params: %s", err)
	}
	var removed bool
	for sessionID, storage := range np.Targets.AllStorages() {
		if storage.RemoveIntercept(params.Intercept) {
			removed = true
			np.syncFetchDomain(ctx, sessionID, storage)
		}
	}
	if !removed {
		return nil, bidierror.InvalidArgumentf("no such intercept %q", params.Intercept)
	}
	return struct{}{}, nil
}

type continueRequestParams struct {
	Request string            `json:"request"`
	URL     *string           `json:"url,omitempty"`
	Method  *string           `json:"method,omitempty"`
	Headers []network.Header  `json:"headers,omitempty"`
	Cookies []network.Header  `json:"cookies,omitempty"`
	Body    *network.BytesValue `json:"body,omitempty"`
}

func (np *NetworkProcessor) continueRequest(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params continueRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.continueRequest params: %s", err)
	}

	sessionID, req, session, err := np.resolvePaused(params.Request)
	if err != nil {
		return nil, err
	}

	overrides := &network.Overrides{}
	action := fetch.ContinueRequest(fetch.RequestID(req.FetchID))
	if params.URL != nil {
		action = action.WithURL(*params.URL)
		overrides.URL = *params.URL
	}
	if params.Method != nil {
		action = action.WithMethod(*params.Method)
		overrides.Method = *params.Method
	}
	headers, changed, err := np.mergeHeaderOverrides(req.BaseRequestHeaders(), params.Headers, params.Cookies)
	if err != nil {
		return nil, bidierror.InvalidArgumentf("decoding network.continueRequest headers/cookies: %s", err)
	}
	if changed {
		action = action.WithHeaders(headersToFetchEntries(headers))
		overrides.Headers = headers
	}
	if params.Body != nil {
		b64, bodySize, err := network.EncodeBodyForCDP(*params.Body)
		if err != nil {
			return nil, bidierror.InvalidArgumentf("decoding network.continueRequest body: %s", err)
		}
		action = action.WithPostData(b64)
		overrides.BodySize = bodySize
	}

	if err := action.Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("continuing request %s on session %s: %w", params.Request, sessionID, err)
	}
	req.FetchID = ""
	req.InterceptPhase = ""
	req.RequestOverrides = overrides
	return struct{}{}, nil
}

type continueResponseParams struct {
	StatusCode   *int64           `json:"statusCode,omitempty"`
	ReasonPhrase *string          `json:"reasonPhrase,omitempty"`
	Headers      []network.Header `json:"headers,omitempty"`
	Cookies      []network.Header `json:"cookies,omitempty"`
	Request      string           `json:"request"`
}

// continueResponse implements spec.md §4.8's continueResponse dispatch: a
// request paused in authRequired resolves through continueWithAuth instead,
// since Fetch.continueResponse has no meaning there.
func (np *NetworkProcessor) continueResponse(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params continueResponseParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.continueResponse params: %s", err)
	}

	sessionID, req, session, err := np.resolvePaused(params.Request)
	if err != nil {
		return nil, err
	}

	if req.InterceptPhase == network.PhaseAuthRequired {
		return np.doContinueWithAuth(ctx, session, sessionID, params.Request, req, fetch.AuthChallengeResponseResponseDefault, "", "")
	}

	action := fetch.ContinueResponse(fetch.RequestID(req.FetchID))
	overrides := &network.Overrides{}
	if params.StatusCode != nil {
		action = action.WithResponseCode(*params.StatusCode)
	}
	if params.ReasonPhrase != nil {
		action = action.WithResponsePhrase(*params.ReasonPhrase)
	}
	headers, changed, err := np.mergeHeaderOverrides(req.BaseResponseHeaders(), params.Headers, params.Cookies)
	if err != nil {
		return nil, bidierror.InvalidArgumentf("decoding network.continueResponse headers/cookies: %s", err)
	}
	if changed {
		action = action.WithResponseHeaders(headersToFetchEntries(headers))
		overrides.Headers = headers
	}

	if err := action.Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("continuing response for request %s on session %s: %w", params.Request, sessionID, err)
	}
	req.FetchID = ""
	req.InterceptPhase = ""
	req.RequestOverrides = overrides
	return struct{}{}, nil
}

type provideResponseParams struct {
	StatusCode   *int64              `json:"statusCode,omitempty"`
	ReasonPhrase *string             `json:"reasonPhrase,omitempty"`
	Headers      []network.Header    `json:"headers,omitempty"`
	Cookies      []network.Header    `json:"cookies,omitempty"`
	Body         *network.BytesValue `json:"body,omitempty"`
	Request      string              `json:"request"`
}

// provideResponse implements spec.md §4.8's provideResponse dispatch: an
// authRequired pause delegates to continueWithAuth; a call with no body and
// no header overrides has nothing to fulfill and delegates to
// continueRequest; everything else fulfills the response directly.
func (np *NetworkProcessor) provideResponse(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params provideResponseParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.provideResponse params: %s", err)
	}

	sessionID, req, session, err := np.resolvePaused(params.Request)
	if err != nil {
		return nil, err
	}

	if req.InterceptPhase == network.PhaseAuthRequired {
		return np.doContinueWithAuth(ctx, session, sessionID, params.Request, req, fetch.AuthChallengeResponseResponseProvideCredentials, "", "")
	}

	if params.Body == nil && len(params.Headers) == 0 && len(params.Cookies) == 0 {
		action := fetch.ContinueRequest(fetch.RequestID(req.FetchID))
		if err := action.Do(cdpa.WithExecutor(ctx, session)); err != nil {
			return nil, fmt.Errorf("continuing request %s on session %s: %w", params.Request, sessionID, err)
		}
		req.FetchID = ""
		req.InterceptPhase = ""
		return struct{}{}, nil
	}

	statusCode := int64(200)
	if params.StatusCode != nil {
		statusCode = *params.StatusCode
	} else if status, _ := req.ResponseStatus(); status != 0 {
		statusCode = status
	}

	action := fetch.FulfillRequest(fetch.RequestID(req.FetchID), statusCode)
	overrides := &network.Overrides{}
	if params.ReasonPhrase != nil {
		action = action.WithResponsePhrase(*params.ReasonPhrase)
	}
	headers, changed, err := np.mergeHeaderOverrides(req.BaseResponseHeaders(), params.Headers, params.Cookies)
	if err != nil {
		return nil, bidierror.InvalidArgumentf("decoding network.provideResponse headers/cookies: %s", err)
	}
	if changed {
		action = action.WithResponseHeaders(headersToFetchEntries(headers))
		overrides.Headers = headers
	}
	if params.Body != nil {
		b64, bodySize, err := network.EncodeBodyForCDP(*params.Body)
		if err != nil {
			return nil, bidierror.InvalidArgumentf("decoding network.provideResponse body: %s", err)
		}
		action = action.WithBody(b64)
		overrides.BodySize = bodySize
	}

	if err := action.Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("fulfilling request %s on session %s: %w", params.Request, sessionID, err)
	}
	req.FetchID = ""
	req.InterceptPhase = ""
	req.RequestOverrides = overrides
	return struct{}{}, nil
}

type failRequestParams struct {
	Request string `json:"request"`
}

func (np *NetworkProcessor) failRequest(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params failRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.failRequest params: %s", err)
	}

	sessionID, req, session, err := np.resolvePaused(params.Request)
	if err != nil {
		return nil, err
	}

	if err := fetch.FailRequest(fetch.RequestID(req.FetchID), cdpnetwork.ErrorReasonFailed).Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("failing request %s on session %s: %w", params.Request, sessionID, err)
	}
	req.FetchID = ""
	req.InterceptPhase = ""
	return struct{}{}, nil
}

type continueWithAuthParams struct {
	Request  string `json:"request"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Action   string `json:"action"` // "provideCredentials" | "cancel" | "default"
}

// continueWithAuth resolves a request paused in the authRequired phase.
// Per original_source/tests/network/test_continue_with_auth.py, a
// Fetch.requestPaused delivered while the request is mid-auth does not
// re-enter response-phase interception: continueWithAuth always targets
// the pending Fetch.authRequired, never a second requestPaused.
func (np *NetworkProcessor) continueWithAuth(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params continueWithAuthParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing network.continueWithAuth params: %s", err)
	}

	sessionID, req, session, err := np.resolvePaused(params.Request)
	if err != nil {
		return nil, err
	}

	resp := fetch.AuthChallengeResponseResponseDefault
	switch params.Action {
	case "provideCredentials":
		resp = fetch.AuthChallengeResponseResponseProvideCredentials
	case "cancel":
		resp = fetch.AuthChallengeResponseResponseCancelAuth
	}
	return np.doContinueWithAuth(ctx, session, sessionID, params.Request, req, resp, params.Username, params.Password)
}

func (np *NetworkProcessor) doContinueWithAuth(
	ctx context.Context, session *cdp.Session, sessionID, requestID string, req *network.Request,
	resp fetch.AuthChallengeResponseResponse, username, password string,
) (interface{}, error) {
	challenge := &fetch.AuthChallengeResponse{Response: resp, Username: username, Password: password}
	if err := fetch.ContinueWithAuth(fetch.RequestID(req.FetchID), challenge).Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("continuing with auth for request %s on session %s: %w", requestID, sessionID, err)
	}
	req.FetchID = ""
	req.InterceptPhase = ""
	return struct{}{}, nil
}

// mergeHeaderOverrides implements spec.md §4.8's cookie-merging rule on
// top of whatever header override was supplied: if headers were supplied
// they replace base wholesale, otherwise base is cloned; cookies (if any)
// then replace the cookie header. It reports changed=false when neither
// headers nor cookies were supplied, so callers can skip the CDP override
// entirely and keep whatever the browser would send by default.
func (np *NetworkProcessor) mergeHeaderOverrides(
	base map[string]string, headerParams, cookieParams []network.Header,
) (headers map[string]string, changed bool, err error) {
	if len(headerParams) == 0 && len(cookieParams) == 0 {
		return nil, false, nil
	}

	if len(headerParams) > 0 {
		headers = make(map[string]string, len(headerParams))
		for _, h := range headerParams {
			v, err := network.DecodeValue(h.Value)
			if err != nil {
				return nil, false, err
			}
			headers[h.Name] = v
		}
	} else {
		headers = network.CloneHeaders(base)
	}

	if len(cookieParams) > 0 {
		cookies := make([]string, 0, len(cookieParams))
		for _, c := range cookieParams {
			v, err := network.DecodeValue(c.Value)
			if err != nil {
				return nil, false, err
			}
			cookies = append(cookies, c.Name+"="+v)
		}
		headers = network.MergeCookiesIntoHeaders(headers, cookies)
	}

	return headers, true, nil
}

func headersToFetchEntries(headers map[string]string) []*fetch.HeaderEntry {
	if len(headers) == 0 {
		return nil
	}
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for name, value := range headers {
		out = append(out, &fetch.HeaderEntry{Name: name, Value: value})
	}
	return out
}

func (np *NetworkProcessor) resolvePaused(requestID string) (sessionID string, req *network.Request, session *cdp.Session, err error) {
	sessionID, req, ok := np.Targets.FindRequest(requestID)
	if !ok {
		return "", nil, nil, bidierror.NoSuchFramef("request %q not found", requestID)
	}
	if req.FetchID == "" {
		return "", nil, nil, bidierror.Unknownf("Network Interception not set-up for request %q", requestID)
	}
	session, ok = np.Targets.Session(sessionID)
	if !ok {
		return "", nil, nil, bidierror.NoSuchFramef("no CDP session %q for request %q", sessionID, requestID)
	}
	return sessionID, req, session, nil
}
