// Package browsingcontext implements the Browsing Context Store (spec.md
// §4.5, component C5): the tree of frames (pages, iframes) the translator
// currently knows about. It is grounded on the teacher's FrameManager
// (common/frame_manager.go), generalized from a per-Page frame tree rooted
// at one main frame to a forest of independent top-level contexts, each
// discovered via CDP Target.attachedToTarget rather than Page.frame*
// events, since a BiDi server tracks every top-level tab/window the
// browser has open, not just one Page object's subtree.
package browsingcontext

import (
	"sync"
)

// LifecycleState mirrors BiDi's browsingContext readiness states.
type LifecycleState string

const (
	LifecycleInit             LifecycleState = "init"
	LifecycleDOMContentLoaded LifecycleState = "DOMContentLoaded"
	LifecycleLoad             LifecycleState = "load"
)

// Context is one node in the browsing context tree.
type Context struct {
	ID       string
	ParentID string // empty for top-level contexts
	URL      string
	Lifecycle LifecycleState

	// TargetSessionID is the CDP session id of the CdpTarget that owns
	// this context (spec.md §3 "CdpTarget").
	TargetSessionID string

	mu       sync.RWMutex
	children map[string]struct{}
}

// IsTopLevel reports whether this context has no parent.
func (c *Context) IsTopLevel() bool { return c.ParentID == "" }

func (c *Context) addChild(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.children == nil {
		c.children = make(map[string]struct{})
	}
	c.children[id] = struct{}{}
}

func (c *Context) removeChild(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.children, id)
}

// Children returns a snapshot of the immediate child context ids.
func (c *Context) Children() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.children))
	for id := range c.children {
		out = append(out, id)
	}
	return out
}

// Store owns the full set of known contexts and resolves parent/child and
// top-level-ancestor relationships.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// New creates an empty store.
func New() *Store {
	return &Store{contexts: make(map[string]*Context)}
}

// Add registers a newly attached context; parentID is empty for a
// top-level context. internal/session adds contexts for attached "page"
// targets only; CDP "iframe" targets are not registered here.
func (s *Store) Add(id, parentID, targetSessionID string) *Context {
	ctx := &Context{ID: id, ParentID: parentID, TargetSessionID: targetSessionID, Lifecycle: LifecycleInit}

	s.mu.Lock()
	s.contexts[id] = ctx
	parent := s.contexts[parentID]
	s.mu.Unlock()

	if parent != nil {
		parent.addChild(id)
	}
	return ctx
}

// Get looks up a context by id.
func (s *Store) Get(id string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.contexts[id]
	return ctx, ok
}

// Remove deletes id and, recursively, every descendant, as happens on CDP
// Target.detachedFromTarget for a top-level context (closing a tab closes
// its iframes) or an iframe being removed from the DOM. It returns every
// removed id, deepest-first, so callers can emit contextDestroyed events
// bottom-up.
func (s *Store) Remove(id string) []string {
	s.mu.Lock()
	ctx, ok := s.contexts[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	children := ctx.Children()
	s.mu.Unlock()

	var removed []string
	for _, child := range children {
		removed = append(removed, s.Remove(child)...)
	}

	s.mu.Lock()
	delete(s.contexts, id)
	if parent, ok := s.contexts[ctx.ParentID]; ok {
		parent.removeChild(id)
	}
	s.mu.Unlock()

	return append(removed, id)
}

// FindTopLevel resolves any known context id to its top-level ancestor's
// id. It is total for any id the store knows about and idempotent: calling
// it again on its own result returns the same id (spec.md §3 invariant).
func (s *Store) FindTopLevel(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := id
	for {
		ctx, ok := s.contexts[seen]
		if !ok {
			return "", false
		}
		if ctx.IsTopLevel() {
			return ctx.ID, true
		}
		seen = ctx.ParentID
	}
}

// TopLevelContexts returns every context with no parent.
func (s *Store) TopLevelContexts() []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Context
	for _, ctx := range s.contexts {
		if ctx.IsTopLevel() {
			out = append(out, ctx)
		}
	}
	return out
}

// SetURL updates a context's known URL, e.g. on Page.frameNavigated.
func (s *Store) SetURL(id, url string) {
	s.mu.RLock()
	ctx, ok := s.contexts[id]
	s.mu.RUnlock()
	if ok {
		ctx.mu.Lock()
		ctx.URL = url
		ctx.mu.Unlock()
	}
}

// SetLifecycle updates a context's lifecycle state, e.g. on
// Page.lifecycleEvent.
func (s *Store) SetLifecycle(id string, state LifecycleState) {
	s.mu.RLock()
	ctx, ok := s.contexts[id]
	s.mu.RUnlock()
	if ok {
		ctx.mu.Lock()
		ctx.Lifecycle = state
		ctx.mu.Unlock()
	}
}
