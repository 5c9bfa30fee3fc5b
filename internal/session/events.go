package session

import (
	"context"

	"github.com/chromedp/cdproto"
	cdptarget "github.com/chromedp/cdproto/target"

	"github.com/chromedevtools/bidi-server/internal/cdp"
)

// watchTargets subscribes to the root Connection's Target.attachedToTarget/
// detachedFromTarget events and keeps the Browsing Context Store in step
// with the browser's actual top-level tabs/windows, attaching a CdpTarget
// wrapper (C7) to each and emitting the corresponding
// browsingContext.contextCreated/contextDestroyed events. It is grounded on
// the teacher's BrowserType.initBrowserProcessEventsAndConfig and
// Browser.connect's target-discovery loop (chromium/browser.go), which
// likewise turn CDP target churn into this translator's domain objects
// rather than forwarding raw target events.
func (s *Session) watchTargets(ctx context.Context) {
	ch := make(chan cdp.Event, 32)
	s.conn.On(ctx, []string{
		cdproto.EventTargetAttachedToTarget,
		cdproto.EventTargetDetachedFromTarget,
	}, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch data := ev.Data.(type) {
			case *cdptarget.EventAttachedToTarget:
				s.onTargetAttached(ctx, data)
			case *cdptarget.EventDetachedFromTarget:
				s.onTargetDetached(data)
			}
		}
	}
}

func (s *Session) onTargetAttached(ctx context.Context, ev *cdptarget.EventAttachedToTarget) {
	if ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	targetID := string(ev.TargetInfo.TargetID)

	if _, exists := s.Contexts.Get(targetID); exists {
		return
	}

	cdpSession := s.conn.Session(ev.SessionID)
	if cdpSession == nil {
		return
	}
	bidiCtx := s.registerTarget(ctx, targetID, "", cdpSession)

	s.emit("browsingContext.contextCreated", targetID, browsingContextInfo{
		Context:  bidiCtx.ID,
		URL:      bidiCtx.URL,
		Children: nil,
		Parent:   nil,
	})
}

func (s *Session) onTargetDetached(ev *cdptarget.EventDetachedFromTarget) {
	s.targetsMu.Lock()
	delete(s.targets, string(ev.SessionID))
	s.targetsMu.Unlock()

	targetID, ok := s.sessionContext(string(ev.SessionID))
	if !ok {
		return
	}
	for _, removed := range s.Contexts.Remove(targetID) {
		s.emit("browsingContext.contextDestroyed", removed, map[string]string{"context": removed})
	}
}

// sessionContext reverse-looks-up the browsing context id that was recorded
// against a CDP session id, since Target.detachedFromTarget carries only
// the session id, not the context's BiDi id.
func (s *Session) sessionContext(cdpSessionID string) (string, bool) {
	for _, ctx := range s.Contexts.TopLevelContexts() {
		if ctx.TargetSessionID == cdpSessionID {
			return ctx.ID, true
		}
	}
	return "", false
}

type browsingContextInfo struct {
	Context  string      `json:"context"`
	URL      string      `json:"url"`
	Children interface{} `json:"children"`
	Parent   interface{} `json:"parent"`
}
