// Package realm implements the Realm Store (spec.md §4.6, component C6):
// the registry of JS execution contexts the translator has observed via
// CDP Runtime.executionContextCreated/Destroyed. It is grounded on the
// teacher's ExecutionContext (common/execution_context.go), which wraps
// exactly one CDP (session, executionContextId) pair; the Store here is
// the missing piece the teacher never needed, since xk6-browser only ever
// drives one frame's main-world context at a time, while a BiDi server
// must track every realm (window, worker, sandbox) across every session
// simultaneously and resolve them by UUID from client commands.
package realm

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Kind is a realm variant (spec.md §3 "Realm").
type Kind string

const (
	KindWindow        Kind = "window"
	KindDedicatedWorker Kind = "dedicated-worker"
	KindSharedWorker  Kind = "shared-worker"
	KindServiceWorker Kind = "service-worker"
	KindSandbox       Kind = "sandbox" // user-created isolated world
)

// Key identifies a CDP execution context within one CDP session.
type Key struct {
	SessionID         string
	ExecutionContextID int64
}

// Realm is one tracked JS execution context.
type Realm struct {
	ID     string
	Kind   Kind
	Key    Key
	Origin string

	// SandboxName is set only for Kind == KindSandbox.
	SandboxName string

	// owners are the browsing context ids this realm belongs to: exactly
	// one for window/sandbox realms, the worker's creating contexts for
	// worker realms (spec.md §3 "associatedBrowsingContexts").
	mu     sync.RWMutex
	owners map[string]struct{}
}

// AssociatedBrowsingContexts returns a snapshot of owning context ids.
func (r *Realm) AssociatedBrowsingContexts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.owners))
	for id := range r.owners {
		out = append(out, id)
	}
	return out
}

func (r *Realm) addOwner(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[contextID] = struct{}{}
}

// Store maps realm ids and (session, executionContextId) keys to Realms.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*Realm
	byKey   map[Key]*Realm
}

// New creates an empty store.
func New() *Store {
	return &Store{byID: make(map[string]*Realm), byKey: make(map[Key]*Realm)}
}

// Create registers a new realm for key, minting a fresh UUID. Per spec.md
// §3, a (cdpSession, executionContextId) pair maps to at most one realm:
// if key is already known, Create mints nothing and returns the existing
// realm after adding contextID to its owners, matching the idempotency CDP itself provides by only firing
// executionContextCreated once per context.
func (s *Store) Create(key Key, kind Kind, origin, contextID, sandboxName string) *Realm {
	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		existing.addOwner(contextID)
		return existing
	}

	r := &Realm{
		ID:          uuid.NewString(),
		Kind:        kind,
		Key:         key,
		Origin:      origin,
		SandboxName: sandboxName,
		owners:      map[string]struct{}{contextID: {}},
	}
	s.byID[r.ID] = r
	s.byKey[key] = r
	s.mu.Unlock()

	return r
}

// Get resolves a realm by its BiDi UUID.
func (s *Store) Get(id string) (*Realm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// GetByKey resolves a realm by its CDP identity.
func (s *Store) GetByKey(key Key) (*Realm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byKey[key]
	return r, ok
}

// Destroy removes the realm for key, as happens on CDP
// Runtime.executionContextDestroyed (spec.md §3 invariant).
func (s *Store) Destroy(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byKey[key]; ok {
		delete(s.byID, r.ID)
		delete(s.byKey, key)
	}
}

// DestroyAllForSession removes every realm belonging to sessionID, as
// happens when an entire CDP session is torn down (Target.detachedFromTarget).
func (s *Store) DestroyAllForSession(sessionID string) []*Realm {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*Realm
	for key, r := range s.byKey {
		if key.SessionID == sessionID {
			delete(s.byKey, key)
			delete(s.byID, r.ID)
			removed = append(removed, r)
		}
	}
	return removed
}

// List returns every realm whose associated browsing contexts intersect
// contextIDs (or every realm if contextIDs is empty), optionally filtered
// by kind. Per the WPT fixtures on realm filtering (original_source/tests
// on script.getRealms), an empty contextIDs filter together with a kind
// filter still ANDs: both constraints must hold, they are never OR'd.
func (s *Store) List(contextIDs []string, kind Kind) []*Realm {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wantContext := toSet(contextIDs)
	var out []*Realm
	for _, r := range s.byID {
		if kind != "" && r.Kind != kind {
			continue
		}
		if len(wantContext) == 0 {
			out = append(out, r)
			continue
		}
		for _, owner := range r.AssociatedBrowsingContexts() {
			if _, ok := wantContext[owner]; ok {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// DescribeKey renders a Key for logging, mirroring the sid/stid/fid fields
// the teacher's ExecutionContext logs (common/execution_context.go).
func DescribeKey(k Key) string {
	return fmt.Sprintf("session:%s ctxid:%d", k.SessionID, k.ExecutionContextID)
}
