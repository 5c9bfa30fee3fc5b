// Package session implements the per-connection Session Manager (spec.md
// §4.14, component C14): capability negotiation and browser-instance
// lifecycle for each WebSocket connection the BiDi Server accepts. It is
// grounded on the teacher's BrowserType.init/connect/launch split
// (chromium/browser_type.go): one call path resolves options and builds a
// context, a second does the actual process/connection work, and cleanup
// is idempotent and tied to the same context the rest of the session uses.
package session

import (
	"context"
	"fmt"
	"sync"

	cdpa "github.com/chromedp/cdproto/cdp"
	cdptarget "github.com/chromedp/cdproto/target"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/browsingcontext"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	"github.com/chromedevtools/bidi-server/internal/config"
	"github.com/chromedevtools/bidi-server/internal/eventmanager"
	"github.com/chromedevtools/bidi-server/internal/eventqueue"
	"github.com/chromedevtools/bidi-server/internal/launcher"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
	"github.com/chromedevtools/bidi-server/internal/network"
	"github.com/chromedevtools/bidi-server/internal/preload"
	"github.com/chromedevtools/bidi-server/internal/processor"
	"github.com/chromedevtools/bidi-server/internal/realm"
	"github.com/chromedevtools/bidi-server/internal/screenshot"
	"github.com/chromedevtools/bidi-server/internal/subscription"
	"github.com/chromedevtools/bidi-server/internal/target"
)

// Session is everything one BiDi client connection owns: its own browser
// process (or a shared one, for future multi-client-per-browser support —
// currently 1:1, per spec.md §1's "single browser instance" scope), and
// the domain stores scoped to it.
type Session struct {
	ID     string
	cfg    config.Config
	logger *bidilog.Logger

	proc *launcher.Process
	conn *cdp.Connection
	emit func(method, contextID string, params interface{})

	Contexts *browsingcontext.Store
	Realms   *realm.Store
	Preloads *preload.Store

	targetsMu sync.RWMutex
	targets   map[string]*target.Target // keyed by CDP session id
}

// Manager binds BiDi sessions (one per accepted connection) to their
// Command Processor/Subscription Manager and owns their lifecycle.
type Manager struct {
	cfg    config.Config
	logger *bidilog.Logger
	events *eventmanager.Manager

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Session Manager for the server process's lifetime.
func NewManager(cfg config.Config, logger *bidilog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		events:   eventmanager.New(),
		sessions: make(map[string]*Session),
	}
}

// Bind registers proc/subs under sessionID and returns the Queue events
// will be pushed into; the caller (internal/server) must drain this exact
// Queue, not one of its own. session.new is wired to Launch so that a
// client's requested capabilities can, in principle, influence how the
// browser is started; this implementation launches unconditionally per
// m.cfg and echoes back the negotiated (server-controlled) values, since
// per-session capability-driven relaunching is out of scope (spec.md §1
// Non-goals: the system drives a single browser instance).
func (m *Manager) Bind(sessionID string, proc *processor.Processor, subs *subscription.Manager) *eventqueue.Queue {
	sp := &processor.SessionProcessor{
		Config: m.cfg,
		New: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			sess, err := m.Launch(ctx, sessionID)
			if err != nil {
				return nil, err
			}

			bcp := &processor.BrowsingContextProcessor{Contexts: sess.Contexts, Sessions: sess.SessionForContext, Create: sess.CreateTarget, Screenshots: &screenshot.Persister{Dir: m.cfg.ScreenshotDir}}
			bcp.Register(proc)
			scp := &processor.ScriptProcessor{Realms: sess.Realms, Preloads: sess.Preloads, Sessions: sess.SessionForRealm}
			scp.Register(proc)
			np := &processor.NetworkProcessor{Targets: sess}
			np.Register(proc)
			stp := &processor.StorageProcessor{Conn: sess.Connection(), Contexts: sess.Contexts}
			stp.Register(proc)

			return map[string]interface{}{
				"acceptInsecureCerts":     m.cfg.AcceptInsecureCerts,
				"browserName":             "chrome",
				"unhandledPromptBehavior": m.cfg.UnhandledPromptBehavior,
			}, nil
		},
		Subscribe: func(events, contexts []string, channel string) (string, error) {
			sub, err := subs.Subscribe(events, contexts, channel)
			if err != nil {
				return "", err
			}
			return sub.ID, nil
		},
		Unsubscribe: func(events, contexts []string, channel string) error {
			return subs.UnsubscribeByEventsAndContexts(events, contexts, channel)
		},
	}
	sp.Register(proc)

	queue := eventqueue.New()
	m.events.AddClient(sessionID, &eventmanager.Client{Subscriptions: subs, Queue: queue})
	return queue
}

// Unbind tears down sessionID's browser (if session.new ever ran) and its
// Event Manager registration. It is the cleanup the Server runs once a
// WebSocket connection closes.
func (m *Manager) Unbind(sessionID string) {
	m.events.RemoveClient(sessionID)

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		sess.Close()
	}
}

// Launch allocates (or attaches to) a browser for sessionID and wires its
// CDP Connection and domain stores, per spec.md §3 "CdpTarget" and the
// session.new capability-negotiation contract. It also turns on CDP's
// target auto-attach at the browser level and starts watchTargets so every
// tab/window the browser opens (including ones this server didn't itself
// create) becomes a browsing context.
func (m *Manager) Launch(ctx context.Context, sessionID string) (*Session, error) {
	proc, err := launcher.Launch(ctx, m.cfg)
	if err != nil {
		return nil, bidierror.SessionNotCreatedf("launching browser: %s", err)
	}

	conn, err := cdp.NewConnection(ctx, proc.WSURL, m.logger)
	if err != nil {
		_ = proc.Close()
		return nil, bidierror.SessionNotCreatedf("connecting to browser: %s", err)
	}

	sess := &Session{
		ID:       sessionID,
		cfg:      m.cfg,
		logger:   m.logger,
		proc:     proc,
		conn:     conn,
		emit:     func(method, contextID string, params interface{}) { m.events.Emit(method, contextID, params) },
		Contexts: browsingcontext.New(),
		Realms:   realm.New(),
		Preloads: preload.New(),
		targets:  make(map[string]*target.Target),
	}

	if err := cdptarget.SetDiscoverTargets(true).Do(cdpa.WithExecutor(ctx, conn)); err != nil {
		_ = conn.Close()
		_ = proc.Close()
		return nil, bidierror.SessionNotCreatedf("enabling target discovery: %s", err)
	}
	if err := cdptarget.SetAutoAttach(true, true).WithFlatten(true).Do(cdpa.WithExecutor(ctx, conn)); err != nil {
		_ = conn.Close()
		_ = proc.Close()
		return nil, bidierror.SessionNotCreatedf("enabling target auto-attach: %s", err)
	}

	go sess.watchTargets(ctx)

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Session looks up a bound session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears down every live session's browser process and connection.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Close tears down this session's CDP connection and browser process.
func (s *Session) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.proc != nil {
		_ = s.proc.Close()
	}
}

// AttachTarget explicitly attaches to targetID, wiring up its Target
// wrapper and browsing context. CDP allows an explicit Target.attachToTarget
// even when browser-level auto-attach (enabled in Launch) will also deliver
// an attachedToTarget event for the same target; registerTarget's idempotency
// on the Contexts Store makes the two paths converge on one Target wrapper.
// This is the path browsingContext.create uses to get a usable context id
// back synchronously, rather than polling for the async auto-attach event.
func (s *Session) AttachTarget(ctx context.Context, targetID, parentContextID string) (*browsingcontext.Context, error) {
	cdpSession, err := s.conn.AttachToTarget(ctx, cdptarget.ID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attaching target %s: %w", targetID, err)
	}
	return s.registerTarget(ctx, targetID, parentContextID, cdpSession), nil
}

// CreateTarget opens a new top-level browsing context at url, backing
// browsingContext.create.
func (s *Session) CreateTarget(ctx context.Context, url string) (*browsingcontext.Context, error) {
	targetID, err := cdptarget.CreateTarget(url).Do(cdpa.WithExecutor(ctx, s.conn))
	if err != nil {
		return nil, fmt.Errorf("creating target for %s: %w", url, err)
	}
	return s.AttachTarget(ctx, string(targetID), "")
}

// registerTarget records a browsing context for targetID (if not already
// known) and, the first time, wires a Target wrapper (C7) around
// cdpSession. It is the convergence point for both the explicit
// AttachTarget path and watchTargets' passive auto-attach discovery.
func (s *Session) registerTarget(ctx context.Context, targetID, parentContextID string, cdpSession *cdp.Session) *browsingcontext.Context {
	if existing, ok := s.Contexts.Get(targetID); ok {
		return existing
	}

	bidiCtx := s.Contexts.Add(targetID, parentContextID, string(cdpSession.ID()))

	tgt := target.New(ctx, cdpSession, targetID, s.Preloads, s.Contexts, s.Realms, target.Emit(s.emit), s.logger)
	s.targetsMu.Lock()
	s.targets[string(cdpSession.ID())] = tgt
	s.targetsMu.Unlock()

	return bidiCtx
}

// Connection exposes the session's root CDP connection, the executor for
// browser-scoped domains like Storage that address a browser context
// rather than a particular page session.
func (s *Session) Connection() *cdp.Connection {
	return s.conn
}

// Target resolves a CDP session id to its Target wrapper.
func (s *Session) Target(cdpSessionID string) (*target.Target, bool) {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	t, ok := s.targets[cdpSessionID]
	return t, ok
}

// AllStorages implements processor.TargetRegistry.
func (s *Session) AllStorages() map[string]*network.Storage {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	out := make(map[string]*network.Storage, len(s.targets))
	for id, t := range s.targets {
		out[id] = t.Network
	}
	return out
}

// FindRequest implements processor.TargetRegistry.
func (s *Session) FindRequest(requestID string) (string, *network.Request, bool) {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	for sessionID, t := range s.targets {
		if req, ok := t.Network.Get(requestID); ok {
			return sessionID, req, true
		}
	}
	return "", nil, false
}

// Session implements processor.TargetRegistry's session lookup: it
// resolves a CDP session id directly to its live cdp.Session.
func (s *Session) Session(cdpSessionID string) (*cdp.Session, bool) {
	s.targetsMu.RLock()
	t, ok := s.targets[cdpSessionID]
	s.targetsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.Session, true
}

// SessionForContext resolves a BiDi browsing context id to the cdp.Session
// of the Target that owns it, via the Browsing Context Store. This is the
// adapter processor.BrowsingContextProcessor uses, since its commands
// address contexts by BiDi id, not CDP session id.
func (s *Session) SessionForContext(contextID string) (*cdp.Session, bool) {
	ctx, ok := s.Contexts.Get(contextID)
	if !ok {
		return nil, false
	}
	return s.Session(ctx.TargetSessionID)
}

// SessionForRealm resolves a BiDi realm id to the cdp.Session of the Target
// that hosts it, via the Realm Store. This is the adapter
// processor.ScriptProcessor uses, since script.* commands address realms by
// BiDi id, not CDP session id.
func (s *Session) SessionForRealm(realmID string) (*cdp.Session, bool) {
	r, ok := s.Realms.Get(realmID)
	if !ok {
		return nil, false
	}
	return s.Session(r.Key.SessionID)
}
