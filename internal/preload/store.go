// Package preload implements the Preload Script Store (spec.md §4.10,
// component C10): the BiDi-id to per-target CDP-id mapping for scripts
// registered via script.addPreloadScript, and their injection into newly
// attached targets. It is grounded on the teacher's pattern of attaching
// one tracked CDP identifier per logical resource per target, as
// NetworkManager does for frame-scoped request ids, generalized here to a
// script fanned out across every target currently in scope.
package preload

import (
	"context"
	"fmt"
	"sync"

	cdpa "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/google/uuid"

	"github.com/chromedevtools/bidi-server/internal/cdp"
)

// Script is one registered preload script (spec.md §3 "Preload Script").
type Script struct {
	ID          string
	FunctionDecl string
	Sandbox     string   // optional world name
	Contexts    []string // optional context scope; empty means all
	Channels    []string

	mu     sync.Mutex
	byTarget map[string]page.ScriptIdentifier // target session id -> CDP script id
}

func (s *Script) inScope(contextID string) bool {
	if len(s.Contexts) == 0 {
		return true
	}
	for _, c := range s.Contexts {
		if c == contextID {
			return true
		}
	}
	return false
}

// Store owns every registered preload script.
type Store struct {
	mu      sync.RWMutex
	scripts map[string]*Script
}

// New creates an empty store.
func New() *Store {
	return &Store{scripts: make(map[string]*Script)}
}

// Add registers a new preload script and returns its BiDi id.
func (s *Store) Add(functionDecl, sandbox string, contexts, channels []string) *Script {
	sc := &Script{
		ID:           uuid.NewString(),
		FunctionDecl: functionDecl,
		Sandbox:      sandbox,
		Contexts:     contexts,
		Channels:     channels,
		byTarget:     make(map[string]page.ScriptIdentifier),
	}
	s.mu.Lock()
	s.scripts[sc.ID] = sc
	s.mu.Unlock()
	return sc
}

// Remove deletes a preload script by BiDi id. The caller is responsible
// for issuing Page.removeScriptToEvaluateOnNewDocument against every
// target it was injected into first (removal triggers a reverse sweep of
// all CDP ids, spec.md §3 "Ownership").
func (s *Store) Remove(id string) (*Script, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if ok {
		delete(s.scripts, id)
	}
	return sc, ok
}

// Get looks up a script by id.
func (s *Store) Get(id string) (*Script, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	return sc, ok
}

// InjectAll runs Page.addScriptToEvaluateOnNewDocument for every registered
// script against session, recording the resulting CDP script id against the
// session's CDP identity for later removal. A script's Contexts list is not
// consulted: scripts scoped to particular contexts are injected too.
func (s *Store) InjectAll(ctx context.Context, session *cdp.Session) error {
	s.mu.RLock()
	scripts := make([]*Script, 0, len(s.scripts))
	for _, sc := range s.scripts {
		scripts = append(scripts, sc)
	}
	s.mu.RUnlock()

	for _, sc := range scripts {
		cmd := page.AddScriptToEvaluateOnNewDocument(sc.FunctionDecl)
		if sc.Sandbox != "" {
			cmd = cmd.WithWorldName(sc.Sandbox)
		}
		id, err := cmd.Do(cdpa.WithExecutor(ctx, session))
		if err != nil {
			return fmt.Errorf("injecting preload script %s into session %s: %w", sc.ID, session.ID(), err)
		}
		sc.mu.Lock()
		sc.byTarget[string(session.ID())] = id
		sc.mu.Unlock()
	}
	return nil
}

// RemoveFromTarget unregisters every CDP script id this script holds for
// sessionID, returning the CDP ids that were removed so the caller can
// issue Page.removeScriptToEvaluateOnNewDocument for each.
func (sc *Script) RemoveFromTarget(sessionID string) []page.ScriptIdentifier {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	id, ok := sc.byTarget[sessionID]
	if !ok {
		return nil
	}
	delete(sc.byTarget, sessionID)
	return []page.ScriptIdentifier{id}
}
