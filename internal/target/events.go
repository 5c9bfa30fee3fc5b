package target

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/chromedevtools/bidi-server/internal/browsingcontext"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	"github.com/chromedevtools/bidi-server/internal/network"
	"github.com/chromedevtools/bidi-server/internal/realm"
)

// Emit pushes a translated BiDi event out to subscribed clients, scoped to
// contextID (or subscription.Global for session-wide events). It is the
// seam between this package's CDP event handling and the Event Manager
// (C4), set by whoever constructs the owning Session so that this package
// never has to know about eventmanager or the transport itself.
type Emit func(method, contextID string, params interface{})

// registerEvents subscribes to every CDP event this target's domain-enable
// sequence will turn on. It must run before that sequence issues its first
// command: Runtime.enable and Network.enable themselves cause CDP to fire
// events synchronously (existing execution contexts, in-flight traffic),
// and BaseEventEmitter (internal/cdp) has no replay buffer, so a listener
// registered afterward drops them on the floor. Grounded on the teacher's
// NewNetworkManager, which calls initEvents before initDomains for the same
// reason (common/network_manager.go).
func (t *Target) registerEvents(ctx context.Context) chan cdp.Event {
	ch := make(chan cdp.Event, 64)
	t.Session.On(ctx, []string{
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageLifecycleEvent,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkRequestWillBeSentExtraInfo,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventNetworkResponseReceivedExtraInfo,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
		cdproto.EventNetworkRequestServedFromCache,
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}, ch)
	return ch
}

// consumeEvents drains ch, translating each CDP event into BiDi
// Network/Script/BrowsingContext state transitions and outgoing events.
// Started only once initialization has unblocked, but the listener that
// feeds ch was registered by registerEvents before initialization began, so
// nothing it produced in the meantime is lost; it queues in ch's buffer
// instead.
func (t *Target) consumeEvents(ctx context.Context, ch chan cdp.Event, contexts *browsingcontext.Store, realms *realm.Store, emit Emit) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			t.handleEvent(ev, contexts, realms, emit)
		}
	}
}

func (t *Target) handleEvent(ev cdp.Event, contexts *browsingcontext.Store, realms *realm.Store, emit Emit) {
	switch data := ev.Data.(type) {
	case *runtime.EventExecutionContextCreated:
		t.onExecutionContextCreated(data, realms, emit)
	case *runtime.EventExecutionContextDestroyed:
		t.onExecutionContextDestroyed(data, realms, emit)
	case *page.EventFrameNavigated:
		t.onFrameNavigated(data, contexts)
	case *page.EventLifecycleEvent:
		t.onLifecycleEvent(data, contexts, emit)
	case *cdpnetwork.EventRequestWillBeSent:
		t.onRequestWillBeSent(data, emit)
	case *cdpnetwork.EventRequestWillBeSentExtraInfo:
		t.onRequestWillBeSentExtraInfo(data, emit)
	case *cdpnetwork.EventResponseReceived:
		t.onResponseReceived(data, emit)
	case *cdpnetwork.EventResponseReceivedExtraInfo:
		t.onResponseReceivedExtraInfo(data)
	case *cdpnetwork.EventLoadingFinished:
		t.onLoadingFinished(data, emit)
	case *cdpnetwork.EventLoadingFailed:
		t.onLoadingFailed(data, emit)
	case *cdpnetwork.EventRequestServedFromCache:
		t.onServedFromCache(data)
	case *fetch.EventRequestPaused:
		t.onRequestPaused(data, emit)
	case *fetch.EventAuthRequired:
		t.onAuthRequired(data, emit)
	}
}

// executionContextAuxData is the subset of Runtime.executionContextCreated's
// AuxData this translator cares about, per CDP's (undocumented but stable)
// convention of tagging the default world of a frame.
type executionContextAuxData struct {
	IsDefault bool `json:"isDefault"`
}

func (t *Target) onExecutionContextCreated(ev *runtime.EventExecutionContextCreated, realms *realm.Store, emit Emit) {
	desc := ev.Context
	var aux executionContextAuxData
	_ = json.Unmarshal(desc.AuxData, &aux)

	kind := realm.KindSandbox
	sandboxName := desc.Name
	if aux.IsDefault {
		kind = realm.KindWindow
		sandboxName = ""
	}

	key := realm.Key{SessionID: string(t.Session.ID()), ExecutionContextID: int64(desc.ID)}
	r := realms.Create(key, kind, desc.Origin, t.ContextID, sandboxName)

	emit("script.realmCreated", t.ContextID, realmCreatedParams{
		RealmType: string(r.Kind),
		Realm:     r.ID,
		Origin:    r.Origin,
		Context:   t.ContextID,
		Sandbox:   nonEmpty(r.SandboxName),
	})
}

func (t *Target) onExecutionContextDestroyed(ev *runtime.EventExecutionContextDestroyed, realms *realm.Store, emit Emit) {
	key := realm.Key{SessionID: string(t.Session.ID()), ExecutionContextID: int64(ev.ExecutionContextID)}
	r, ok := realms.GetByKey(key)
	if !ok {
		return
	}
	realms.Destroy(key)
	emit("script.realmDestroyed", t.ContextID, map[string]string{"realm": r.ID})
}

func (t *Target) onFrameNavigated(ev *page.EventFrameNavigated, contexts *browsingcontext.Store) {
	if ev.Frame == nil {
		return
	}
	contexts.SetURL(t.ContextID, ev.Frame.URL)
}

func (t *Target) onLifecycleEvent(ev *page.EventLifecycleEvent, contexts *browsingcontext.Store, emit Emit) {
	switch ev.Name {
	case "DOMContentLoaded":
		contexts.SetLifecycle(t.ContextID, browsingcontext.LifecycleDOMContentLoaded)
		emit("browsingContext.domContentLoaded", t.ContextID, navigationInfo{Context: t.ContextID})
	case "load":
		contexts.SetLifecycle(t.ContextID, browsingcontext.LifecycleLoad)
		emit("browsingContext.load", t.ContextID, navigationInfo{Context: t.ContextID})
	}
}

func (t *Target) onRequestWillBeSent(ev *cdpnetwork.EventRequestWillBeSent, emit Emit) {
	id := string(ev.RequestID)
	if ev.RedirectResponse != nil {
		if old, ok := t.Network.Get(id); ok {
			old.SetRedirectResponse(ev.RedirectResponse)
			if old.FlushResponseCompleted() && !old.IsFavicon() {
				emit("network.responseCompleted", t.ContextID, t.buildRequestEventParams(old))
			}
			t.Network.Replace(id, old.BeginRedirect())
		}
	}

	req := t.Network.GetOrCreate(id, string(t.Session.ID()))
	req.RequestInfo = ev
	if ev.Request != nil {
		req.URL = ev.Request.URL
	}
	t.maybeEmitBeforeRequestSent(req, emit)
}

func (t *Target) onRequestWillBeSentExtraInfo(ev *cdpnetwork.EventRequestWillBeSentExtraInfo, emit Emit) {
	req := t.Network.GetOrCreate(string(ev.RequestID), string(t.Session.ID()))
	req.RequestExtraInfo = ev
	t.maybeEmitBeforeRequestSent(req, emit)
}

func (t *Target) maybeEmitBeforeRequestSent(req *network.Request, emit Emit) {
	if req.IsFavicon() {
		return
	}
	intercepted := t.Network.InterceptionExpected(req.URL, network.PhaseBeforeRequestSent)
	if req.ShouldEmitBeforeRequestSent(intercepted) {
		emit("network.beforeRequestSent", t.ContextID, t.buildRequestEventParams(req))
	}
}

// onRequestPaused splits Fetch.requestPaused between the request-phase and
// response-phase pause points: a ResponseStatusCode of zero means Chrome
// hasn't produced a response yet, so the pause belongs to beforeRequestSent
// (request.paused); any other value means the pause carries response
// fields and belongs to responseStarted (response.paused).
func (t *Target) onRequestPaused(ev *fetch.EventRequestPaused, emit Emit) {
	netID := string(ev.NetworkID)
	if netID == "" {
		netID = string(ev.RequestID)
	}
	req := t.Network.GetOrCreate(netID, string(t.Session.ID()))
	req.FetchID = string(ev.RequestID)
	if ev.Request != nil {
		req.URL = ev.Request.URL
	}

	if ev.ResponseStatusCode == 0 {
		req.RequestPaused = ev
		req.InterceptPhase = network.PhaseBeforeRequestSent
		t.maybeEmitBeforeRequestSent(req, emit)
		return
	}

	req.ResponsePaused = ev
	req.InterceptPhase = network.PhaseResponseStarted
	intercepted := t.Network.InterceptionExpected(req.URL, network.PhaseResponseStarted)
	if req.ShouldEmitResponseStarted(intercepted) && !req.IsFavicon() {
		emit("network.responseStarted", t.ContextID, t.buildRequestEventParams(req))
	}
}

func (t *Target) onAuthRequired(ev *fetch.EventAuthRequired, emit Emit) {
	req := t.Network.GetOrCreate(string(ev.RequestID), string(t.Session.ID()))
	req.RequestAuth = ev
	req.FetchID = string(ev.RequestID)
	req.InterceptPhase = network.PhaseAuthRequired
	if ev.Request != nil {
		req.URL = ev.Request.URL
	}
	emit("network.authRequired", t.ContextID, t.buildRequestEventParams(req))
}

func (t *Target) onResponseReceived(ev *cdpnetwork.EventResponseReceived, emit Emit) {
	req := t.Network.GetOrCreate(string(ev.RequestID), string(t.Session.ID()))
	req.ResponseInfo = ev
	intercepted := t.Network.InterceptionExpected(req.URL, network.PhaseResponseStarted)
	if req.ShouldEmitResponseStarted(intercepted) && !req.IsFavicon() {
		emit("network.responseStarted", t.ContextID, t.buildRequestEventParams(req))
	}
}

func (t *Target) onResponseReceivedExtraInfo(ev *cdpnetwork.EventResponseReceivedExtraInfo) {
	req := t.Network.GetOrCreate(string(ev.RequestID), string(t.Session.ID()))
	if isStaleRedirectExtraInfo(ev, req.URL) {
		return
	}
	req.ResponseExtraInfo = ev
	req.ResponseHasExtraInfo = true
}

// isStaleRedirectExtraInfo reports whether ev is the 3xx
// responseReceivedExtraInfo belonging to a redirect hop rather than the
// request currently tracked under this id (spec.md §4.8): CDP reuses the
// request id across a redirect, so a 3xx extraInfo whose Location header
// points at the id's current URL describes the hop that produced that URL,
// not a response to it, and must be discarded rather than attached.
func isStaleRedirectExtraInfo(ev *cdpnetwork.EventResponseReceivedExtraInfo, currentURL string) bool {
	if ev.StatusCode < 300 || ev.StatusCode >= 400 {
		return false
	}
	return currentURL != "" && extraInfoLocation(ev.Headers) == currentURL
}

func extraInfoLocation(headers cdpnetwork.Headers) string {
	for name, value := range headers {
		if strings.EqualFold(name, "location") {
			if s, ok := value.(string); ok {
				return s
			}
		}
	}
	return ""
}

func (t *Target) onLoadingFinished(ev *cdpnetwork.EventLoadingFinished, emit Emit) {
	id := string(ev.RequestID)
	req, ok := t.Network.Get(id)
	if !ok {
		return
	}
	intercepted := t.Network.InterceptionExpected(req.URL, network.PhaseResponseStarted)
	if req.ShouldEmitResponseCompleted(intercepted) && !req.IsFavicon() {
		emit("network.responseCompleted", t.ContextID, t.buildRequestEventParams(req))
	}
	t.Network.Delete(id)
}

func (t *Target) onLoadingFailed(ev *cdpnetwork.EventLoadingFailed, emit Emit) {
	id := string(ev.RequestID)
	req, ok := t.Network.Get(id)
	if !ok {
		return
	}
	req.FlushResponseCompleted()
	if req.ShouldEmitFetchError() && !req.IsFavicon() {
		emit("network.fetchError", t.ContextID, t.buildFetchErrorParams(req, ev.ErrorText))
	}
	t.Network.Delete(id)
}

// buildRequestEventParams assembles the common network.* event payload
// shape (spec.md §3 NetworkRequest data model): request detail always
// present, response detail present once a response or response-phase
// pause has arrived.
func (t *Target) buildRequestEventParams(req *network.Request) requestEventParams {
	params := requestEventParams{
		Context:       t.ContextID,
		IsBlocked:     req.IsBlocked(),
		RedirectCount: req.RedirectCount,
		Request:       buildRequestData(req),
	}
	if status, _ := req.ResponseStatus(); status != 0 {
		params.Response = buildResponseData(req)
	}
	return params
}

func (t *Target) buildFetchErrorParams(req *network.Request, errorText string) fetchErrorParams {
	return fetchErrorParams{
		Context:       t.ContextID,
		IsBlocked:     req.IsBlocked(),
		RedirectCount: req.RedirectCount,
		Request:       buildRequestData(req),
		ErrorText:     errorText,
	}
}

func buildRequestData(req *network.Request) requestData {
	headers := req.BaseRequestHeaders()
	return requestData{
		Request:     req.ID,
		URL:         req.URL,
		Method:      req.Method(),
		Headers:     network.HeadersToWire(headers),
		Cookies:     req.RequestCookies(),
		HeadersSize: network.HeaderSize(headers),
		BodySize:    len(req.PostData()),
		Timings:     network.Timings{},
	}
}

func buildResponseData(req *network.Request) *responseData {
	status, statusText := req.ResponseStatus()
	url, protocol, mimeType, fromCache, encodedLen := req.ResponseDetails()
	headers := req.BaseResponseHeaders()
	return &responseData{
		URL:           url,
		Protocol:      protocol,
		Status:        status,
		StatusText:    statusText,
		FromCache:     fromCache,
		Headers:       network.HeadersToWire(headers),
		Cookies:       req.ResponseCookies(),
		MimeType:      mimeType,
		BytesReceived: encodedLen,
		HeadersSize:   network.HeaderSize(headers),
		Content:       contentInfo{Size: encodedLen},
	}
}

func (t *Target) onServedFromCache(ev *cdpnetwork.EventRequestServedFromCache) {
	if req, ok := t.Network.Get(string(ev.RequestID)); ok {
		req.ServedFromCache = true
	}
}

func nonEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type realmCreatedParams struct {
	RealmType string      `json:"type"`
	Realm     string      `json:"realm"`
	Origin    string      `json:"origin"`
	Context   string      `json:"context"`
	Sandbox   interface{} `json:"sandbox,omitempty"`
}

type navigationInfo struct {
	Context string `json:"context"`
}

type requestData struct {
	Request     string           `json:"request"`
	URL         string           `json:"url"`
	Method      string           `json:"method"`
	Headers     []network.Header `json:"headers"`
	Cookies     []network.Cookie `json:"cookies"`
	HeadersSize int              `json:"headersSize"`
	BodySize    int              `json:"bodySize"`
	Timings     network.Timings  `json:"timings"`
}

type contentInfo struct {
	Size int64 `json:"size"`
}

type responseData struct {
	URL           string           `json:"url"`
	Protocol      string           `json:"protocol"`
	Status        int64            `json:"status"`
	StatusText    string           `json:"statusText"`
	FromCache     bool             `json:"fromCache"`
	Headers       []network.Header `json:"headers"`
	Cookies       []network.Cookie `json:"cookies"`
	MimeType      string           `json:"mimeType"`
	BytesReceived int64            `json:"bytesReceived"`
	HeadersSize   int              `json:"headersSize"`
	Content       contentInfo      `json:"content"`
}

type requestEventParams struct {
	Context       string        `json:"context"`
	IsBlocked     bool          `json:"isBlocked"`
	RedirectCount int           `json:"redirectCount"`
	Request       requestData   `json:"request"`
	Response      *responseData `json:"response,omitempty"`
}

type fetchErrorParams struct {
	Context       string      `json:"context"`
	IsBlocked     bool        `json:"isBlocked"`
	RedirectCount int         `json:"redirectCount"`
	Request       requestData `json:"request"`
	ErrorText     string      `json:"errorText"`
}
