// Package target implements the CDP Target Wrapper (spec.md §4.7,
// component C7): one per CDP session, responsible for enabling the CDP
// domains a browsing context needs and wiring up that session's Network
// Manager. It is grounded on the teacher's BrowserType.init/connect
// sequence (chromium/browser_type.go), which also runs a fixed list of
// "enable the domains I need, then let the page run" steps before handing
// back a usable browser/page object, and on common.NewFrameManager's
// ownership of exactly one NetworkManager per session.
package target

import (
	"context"
	"fmt"
	"sync"

	cdpa "github.com/chromedp/cdproto/cdp"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	cdptarget "github.com/chromedp/cdproto/target"

	"github.com/chromedevtools/bidi-server/internal/browsingcontext"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
	"github.com/chromedevtools/bidi-server/internal/network"
	"github.com/chromedevtools/bidi-server/internal/preload"
	"github.com/chromedevtools/bidi-server/internal/realm"
)

// Target wraps one attached CDP session: the browsing/worker context it
// backs, its Network Manager, and the unblocked latch other components
// wait on before issuing commands against it.
type Target struct {
	Session   *cdp.Session
	ContextID string
	Network   *network.Storage
	Preloads  *preload.Store

	logger *bidilog.Logger

	unblockedMu   sync.Mutex
	unblockedErr  error
	unblockedDone chan struct{}
}

// New creates a target wrapper for an already-attached session and starts
// the initialization sequence in the background; callers await readiness
// with WaitUnblocked. Once initialization succeeds, it starts watching this
// target's CDP event stream, translating Runtime/Page/Network/Fetch events
// into Realm/BrowsingContext/Network state and outgoing BiDi events via
// emit (nil-safe: a nil emit simply drops events, used by tests that only
// care about store side effects).
func New(ctx context.Context, session *cdp.Session, contextID string, preloads *preload.Store, contexts *browsingcontext.Store, realms *realm.Store, emit Emit, logger *bidilog.Logger) *Target {
	t := &Target{
		Session:       session,
		ContextID:     contextID,
		Network:       network.New(),
		Preloads:      preloads,
		logger:        logger,
		unblockedDone: make(chan struct{}),
	}
	// Register the CDP event listener before issuing any domain-enable
	// command, the same listen-then-enable ordering the teacher's
	// NewNetworkManager follows (common/network_manager.go: initEvents
	// before initDomains). Runtime.enable and Network.enable themselves
	// cause CDP to fire events synchronously once issued (existing
	// execution contexts, live traffic); BaseEventEmitter has no replay
	// buffer, so a listener registered afterward would miss them.
	ch := t.registerEvents(ctx)
	go t.initialize(ctx)
	go func() {
		if err := t.WaitUnblocked(ctx); err != nil {
			return
		}
		if emit == nil {
			emit = func(string, string, interface{}) {}
		}
		t.consumeEvents(ctx, ch, contexts, realms, emit)
	}()
	return t
}

// initialize runs the domain-enable sequence spec.md §3 describes for
// CdpTarget: Runtime, Page, Page.setLifecycleEventsEnabled and
// Target.setAutoAttach all enabled, preload scripts injected, and finally
// Runtime.runIfWaitingForDebugger to let a target paused at birth proceed.
// A close-error during this sequence is swallowed (the target simply never
// unblocks, matching a browser/tab that disappeared mid-setup); any other
// error is recorded and surfaces to WaitUnblocked.
func (t *Target) initialize(ctx context.Context) {
	exec := cdpa.WithExecutor(ctx, t.Session)

	steps := []cdp.Action{
		runtime.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		cdptarget.SetAutoAttach(true, true).WithFlatten(true),
		cdpnetwork.Enable(),
	}

	for _, step := range steps {
		if err := step.Do(exec); err != nil {
			if cdp.IsCloseError(err) {
				t.logger.Debugf("target", "swallowing close-error during init of %s: %s", t.ContextID, err)
				return
			}
			t.fail(fmt.Errorf("initializing target %s: %w", t.ContextID, err))
			return
		}
	}

	if err := t.Preloads.InjectAll(ctx, t.Session); err != nil {
		if cdp.IsCloseError(err) {
			return
		}
		t.fail(fmt.Errorf("injecting preload scripts into %s: %w", t.ContextID, err))
		return
	}

	if err := runtime.RunIfWaitingForDebugger().Do(exec); err != nil && !cdp.IsCloseError(err) {
		t.fail(fmt.Errorf("running target %s past debugger pause: %w", t.ContextID, err))
		return
	}

	t.unblock(nil)
}

func (t *Target) fail(err error) {
	t.unblock(err)
}

func (t *Target) unblock(err error) {
	t.unblockedMu.Lock()
	defer t.unblockedMu.Unlock()
	select {
	case <-t.unblockedDone:
		return // already unblocked or failed
	default:
	}
	t.unblockedErr = err
	close(t.unblockedDone)
}

// WaitUnblocked blocks until initialize has finished enabling domains and
// injecting preload scripts, or ctx is done first.
func (t *Target) WaitUnblocked(ctx context.Context) error {
	select {
	case <-t.unblockedDone:
		return t.unblockedErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
