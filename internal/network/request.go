// Package network implements the NetworkRequest state machine (spec.md
// §4.8, component C8) and the Network Storage registry (§4.9, component
// C9). It is grounded on the teacher's NetworkManager event handlers
// (common/network_manager.go: onRequest, onRequestPaused, onAuthRequired,
// onResponseReceived, handleRequestRedirect) and its Request type
// (common/request.go), but the semantics are materially different: the
// teacher correlates CDP network events to build one synchronous
// request/response view for JS-visible network logs, while this package
// correlates the same event stream into the BiDi four-event lifecycle
// (beforeRequestSent, responseStarted, responseCompleted, fetchError) plus
// the three-phase Fetch-domain interception protocol, gated by explicit
// completion predicates rather than the teacher's best-effort merge.
package network

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	cdpnetwork "github.com/chromedp/cdproto/network"
)

// InterceptPhase is one of the three BiDi network-interception phases.
type InterceptPhase string

const (
	PhaseBeforeRequestSent InterceptPhase = "beforeRequestSent"
	PhaseResponseStarted   InterceptPhase = "responseStarted"
	PhaseAuthRequired      InterceptPhase = "authRequired"
)

// emittedEvent names the four lifecycle events a Request tracks
// once-fired state for (spec.md §3 "emittedEvents"); authRequired can
// recur across HTTP auth retries and is intentionally excluded.
type emittedEvent string

const (
	eventBeforeRequestSent emittedEvent = "beforeRequestSent"
	eventResponseStarted   emittedEvent = "responseStarted"
	eventResponseCompleted emittedEvent = "responseCompleted"
	eventFetchError        emittedEvent = "fetchError"
)

// Request is one tracked CDP network request, identified by its CDP
// request id, which CDP preserves across redirects (spec.md §3).
type Request struct {
	mu sync.Mutex

	ID              string
	SessionID       string
	URL             string
	RedirectCount   int
	ServedFromCache bool

	RequestInfo      interface{} // *network.EventRequestWillBeSent
	RequestExtraInfo interface{} // *network.EventRequestWillBeSentExtraInfo
	RequestPaused    interface{} // *fetch.EventRequestPaused (no response fields)
	RequestAuth      interface{} // *fetch.EventAuthRequired

	ResponseInfo      interface{} // *network.EventResponseReceived
	ResponseExtraInfo interface{} // *network.EventResponseReceivedExtraInfo
	ResponsePaused    interface{} // *fetch.EventRequestPaused (with response fields)
	ResponseHasExtraInfo bool

	// RedirectResponse holds the *network.Response carried by the
	// requestWillBeSent that redirected this request away, used to build
	// the synthetic responseCompleted payload on flush.
	RedirectResponse interface{}

	// Flushed marks that this request has already been forced through a
	// synthetic responseCompleted (redirect or loadingFailed), after which
	// extraInfo is no longer awaited.
	Flushed bool

	// FetchID is set once a Fetch.requestPaused arrives; every
	// Fetch.continue*/failRequest/fulfillRequest call requires it
	// (spec.md §3).
	FetchID string

	InterceptPhase InterceptPhase

	RequestOverrides *Overrides

	emitted map[emittedEvent]struct{}

	waiters []chan struct{}
}

// Overrides captures client-requested modifications to a paused request
// (spec.md §3 "requestOverrides").
type Overrides struct {
	URL      string
	Method   string
	Headers  map[string]string
	Cookies  []string
	BodySize int
}

// NewRequest creates a fresh, empty request for id.
func NewRequest(id, sessionID string) *Request {
	return &Request{ID: id, SessionID: sessionID, emitted: make(map[emittedEvent]struct{})}
}

// markEmitted records that name has fired; it reports false if name is an
// at-most-once event that already fired (all but authRequired, per
// spec.md §3).
func (r *Request) markEmitted(name emittedEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != emittedEvent(PhaseAuthRequired) {
		if _, ok := r.emitted[name]; ok {
			return false
		}
	}
	r.emitted[name] = struct{}{}
	return true
}

// hasEmitted reports whether name has already fired.
func (r *Request) hasEmitted(name emittedEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.emitted[name]
	return ok
}

func isDataURL(url string) bool {
	return strings.HasPrefix(url, "data:")
}

// requestExtraInfoCompleted reports whether enough pre-request state has
// arrived to emit beforeRequestSent: flushed/failed requests and data:
// URLs never get an ExtraInfo sibling, served-from-cache requests are
// exempt, and a response that arrived with hasExtraInfo=false means none
// is coming.
func (r *Request) requestExtraInfoCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.Flushed:
		return true
	case isDataURL(r.URL):
		return true
	case r.RequestExtraInfo != nil:
		return true
	case r.ServedFromCache:
		return true
	case r.ResponseInfo != nil:
		return true
	default:
		return false
	}
}

// requestInterceptionExpected reports whether this request must wait for
// Fetch.requestPaused in the beforeRequestSent phase before it can emit:
// true only when it isn't a data: URL, wasn't served from cache, and the
// caller found at least one active beforeRequestSent-phase intercept.
func (r *Request) requestInterceptionExpected(intercepted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isDataURL(r.URL) || r.ServedFromCache {
		return false
	}
	return intercepted
}

// requestInterceptionCompleted reports whether the beforeRequestSent-phase
// interception, if any, has resolved: either none was expected, or
// Fetch.requestPaused has already set request.paused.
func (r *Request) requestInterceptionCompleted(intercepted bool) bool {
	if !r.requestInterceptionExpected(intercepted) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.RequestPaused != nil
}

// responseExtraInfoCompleted mirrors requestExtraInfoCompleted for the
// response side: completed once flushed, a data: URL, served from cache,
// ResponseHasExtraInfo is false, or the extraInfo itself has arrived. The
// target sets ResponseHasExtraInfo only when a responseReceivedExtraInfo
// is attached; the hasExtraInfo flag of Network.responseReceived is not
// read, so this never waits for an extraInfo that has not yet arrived.
func (r *Request) responseExtraInfoCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.Flushed:
		return true
	case isDataURL(r.URL):
		return true
	case r.ServedFromCache:
		return true
	case !r.ResponseHasExtraInfo:
		return true
	case r.ResponseExtraInfo != nil:
		return true
	default:
		return false
	}
}

// responseInterceptionExpected is requestInterceptionExpected's
// counterpart for the responseStarted phase.
func (r *Request) responseInterceptionExpected(intercepted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isDataURL(r.URL) || r.ServedFromCache {
		return false
	}
	return intercepted
}

// responseInterceptionCompleted is requestInterceptionCompleted's
// counterpart for the responseStarted phase.
func (r *Request) responseInterceptionCompleted(intercepted bool) bool {
	if !r.responseInterceptionExpected(intercepted) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponsePaused != nil
}

// BeginRedirect produces the successor Request for a CDP redirect: per
// spec.md §3, the old request synthetically completes (its
// ResponseHasExtraInfo forced false) and a new Request under the same id
// begins with RedirectCount+1.
func (r *Request) BeginRedirect() *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResponseHasExtraInfo = false
	r.Flushed = true
	next := NewRequest(r.ID, r.SessionID)
	next.RedirectCount = r.RedirectCount + 1
	return next
}

// SetRedirectResponse stashes the CDP response carried by the
// requestWillBeSent that redirected this request away, so the synthetic
// responseCompleted flush has response detail to report.
func (r *Request) SetRedirectResponse(resp interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RedirectResponse = resp
}

// FlushResponseCompleted forces this request through a synthetic
// responseCompleted, used on redirect and on loadingFailed. It marks
// responseStarted first (idempotently) so the ordering invariant holds
// even for requests that never received a CDP response.
func (r *Request) FlushResponseCompleted() bool {
	r.mu.Lock()
	r.Flushed = true
	r.mu.Unlock()
	r.markEmitted(eventResponseStarted)
	return r.markEmitted(eventResponseCompleted)
}

// IsFavicon reports whether this is a browser-internal favicon fetch,
// whose events are suppressed from clients while the request is still
// tracked internally (spec.md §3).
func (r *Request) IsFavicon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return hasFaviconSuffix(r.URL)
}

func hasFaviconSuffix(url string) bool {
	const suffix = "/favicon.ico"
	return len(url) >= len(suffix) && url[len(url)-len(suffix):] == suffix
}

// ShouldEmitBeforeRequestSent reports whether enough state has arrived to
// fire beforeRequestSent, and marks it fired if so. The ordering invariant
// (spec.md §3: never responseStarted before beforeRequestSent) falls out
// of this being the only path that marks eventBeforeRequestSent.
func (r *Request) ShouldEmitBeforeRequestSent(intercepted bool) bool {
	r.mu.Lock()
	hasInfo := r.RequestInfo != nil
	r.mu.Unlock()
	if !hasInfo {
		return false
	}
	if r.requestInterceptionExpected(intercepted) {
		if !r.requestInterceptionCompleted(intercepted) {
			return false
		}
	} else if !r.requestExtraInfoCompleted() {
		return false
	}
	return r.markEmitted(eventBeforeRequestSent)
}

// ShouldEmitResponseStarted reports whether responseStarted may fire: once
// response.info has arrived, or response-phase interception is expected
// and response.paused has arrived.
func (r *Request) ShouldEmitResponseStarted(intercepted bool) bool {
	if !r.hasEmitted(eventBeforeRequestSent) {
		return false
	}
	r.mu.Lock()
	hasResponse := r.ResponseInfo != nil
	r.mu.Unlock()
	if !hasResponse && !(r.responseInterceptionExpected(intercepted) && r.hasResponsePaused()) {
		return false
	}
	return r.markEmitted(eventResponseStarted)
}

func (r *Request) hasResponsePaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponsePaused != nil
}

// ShouldEmitResponseCompleted reports whether responseCompleted may fire:
// response.info must be present, responseExtraInfoCompleted must hold, and
// response-phase interception, if any, must be complete.
func (r *Request) ShouldEmitResponseCompleted(intercepted bool) bool {
	if !r.hasEmitted(eventResponseStarted) {
		return false
	}
	r.mu.Lock()
	hasResponse := r.ResponseInfo != nil
	r.mu.Unlock()
	if !hasResponse {
		return false
	}
	if !r.responseExtraInfoCompleted() {
		return false
	}
	if !r.responseInterceptionCompleted(intercepted) {
		return false
	}
	return r.markEmitted(eventResponseCompleted)
}

// ShouldEmitFetchError reports whether fetchError may fire for a request
// that failed before a response ever arrived.
func (r *Request) ShouldEmitFetchError() bool {
	return r.markEmitted(eventFetchError)
}

func cdpHeadersToMap(h cdpnetwork.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Method reports the request's HTTP method, as captured off
// Network.requestWillBeSent.
func (r *Request) Method() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, _ := r.RequestInfo.(*cdpnetwork.EventRequestWillBeSent)
	if info == nil || info.Request == nil {
		return ""
	}
	return info.Request.Method
}

// BaseRequestHeaders returns the request headers CDP reported on
// Network.requestWillBeSent, before any client override.
func (r *Request) BaseRequestHeaders() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, _ := r.RequestInfo.(*cdpnetwork.EventRequestWillBeSent)
	if info == nil || info.Request == nil {
		return nil
	}
	return cdpHeadersToMap(info.Request.Headers)
}

// BaseResponseHeaders returns the response headers observed for this
// request, preferring the paused Fetch.requestPaused view (it is what an
// intercepting client is editing) and falling back to the plain
// Network.responseReceived view.
func (r *Request) BaseResponseHeaders() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if paused, ok := r.ResponsePaused.(*fetch.EventRequestPaused); ok && paused != nil && len(paused.ResponseHeaders) > 0 {
		out := make(map[string]string, len(paused.ResponseHeaders))
		for _, h := range paused.ResponseHeaders {
			if h != nil {
				out[h.Name] = h.Value
			}
		}
		return out
	}
	if info, ok := r.ResponseInfo.(*cdpnetwork.EventResponseReceived); ok && info != nil && info.Response != nil {
		return cdpHeadersToMap(info.Response.Headers)
	}
	if resp, ok := r.RedirectResponse.(*cdpnetwork.Response); ok && resp != nil {
		return cdpHeadersToMap(resp.Headers)
	}
	return nil
}

// RequestCookies returns the cookies CDP reports as associated with this
// request on Network.requestWillBeSentExtraInfo, in BiDi wire shape.
// Cookies the browser blocked from being sent are included (CDP still
// reports them in AssociatedCookies); this translator does not yet surface
// the block reason.
func (r *Request) RequestCookies() []Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, _ := r.RequestExtraInfo.(*cdpnetwork.EventRequestWillBeSentExtraInfo)
	if info == nil {
		return nil
	}
	out := make([]Cookie, 0, len(info.AssociatedCookies))
	for _, ac := range info.AssociatedCookies {
		if ac == nil || ac.Cookie == nil {
			continue
		}
		out = append(out, cookieFromCDP(ac.Cookie))
	}
	return out
}

// ResponseCookies returns the cookies CDP reports as blocked from being set
// by this response's Set-Cookie headers, on
// Network.responseReceivedExtraInfo, in BiDi wire shape. CDP does not
// otherwise expose every Set-Cookie a response carried once it has been
// applied to the cookie jar, so an unblocked response reports no cookies
// here.
func (r *Request) ResponseCookies() []Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, _ := r.ResponseExtraInfo.(*cdpnetwork.EventResponseReceivedExtraInfo)
	if info == nil {
		return nil
	}
	out := make([]Cookie, 0, len(info.BlockedCookies))
	for _, bc := range info.BlockedCookies {
		if bc == nil || bc.Cookie == nil {
			continue
		}
		out = append(out, cookieFromCDP(bc.Cookie))
	}
	return out
}

// ResponseStatus returns the status code and text observed for this
// request's response, preferring whichever of responseReceived or the
// response-phase pause arrived.
func (r *Request) ResponseStatus() (code int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.ResponseInfo.(*cdpnetwork.EventResponseReceived); ok && info != nil && info.Response != nil {
		return info.Response.Status, info.Response.StatusText
	}
	if paused, ok := r.ResponsePaused.(*fetch.EventRequestPaused); ok && paused != nil {
		return paused.ResponseStatusCode, paused.ResponseStatusText
	}
	if resp, ok := r.RedirectResponse.(*cdpnetwork.Response); ok && resp != nil {
		return resp.Status, resp.StatusText
	}
	return 0, ""
}

// ResponseDetails returns the remaining BiDi-visible response fields this
// translator can observe from Network.responseReceived, or from the
// response a redirect was synthetically flushed against.
func (r *Request) ResponseDetails() (url, protocol, mimeType string, fromCache bool, encodedDataLength int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.ResponseInfo.(*cdpnetwork.EventResponseReceived); ok && info != nil && info.Response != nil {
		resp := info.Response
		return resp.URL, resp.Protocol, resp.MimeType, resp.FromDiskCache, int64(resp.EncodedDataLength)
	}
	if resp, ok := r.RedirectResponse.(*cdpnetwork.Response); ok && resp != nil {
		return resp.URL, resp.Protocol, resp.MimeType, resp.FromDiskCache, int64(resp.EncodedDataLength)
	}
	return "", "", "", false, 0
}

// PostData returns the request body CDP captured on requestWillBeSent, if
// any.
func (r *Request) PostData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, _ := r.RequestInfo.(*cdpnetwork.EventRequestWillBeSent)
	if info == nil || info.Request == nil {
		return ""
	}
	return info.Request.PostData
}

// IsBlocked reports whether the request is currently sitting at a
// Fetch-domain pause point awaiting a client decision.
func (r *Request) IsBlocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.FetchID != ""
}
