package network

import (
	"sync"

	"github.com/google/uuid"
)

// Intercept is a registered network interception rule (spec.md §3
// "Intercept").
type Intercept struct {
	ID          string
	URLPatterns []string
	Phases      map[InterceptPhase]struct{}
}

func (i *Intercept) coversPhase(phase InterceptPhase) bool {
	_, ok := i.Phases[phase]
	return ok
}

// Storage is the registry of live requests and intercepts for one CdpTarget
// session (spec.md §4.9, component C9).
type Storage struct {
	mu         sync.RWMutex
	requests   map[string]*Request
	intercepts map[string]*Intercept
}

// New creates an empty storage.
func New() *Storage {
	return &Storage{requests: make(map[string]*Request), intercepts: make(map[string]*Intercept)}
}

// GetOrCreate returns the tracked request for id, creating one if absent.
func (s *Storage) GetOrCreate(id, sessionID string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[id]; ok {
		return r
	}
	r := NewRequest(id, sessionID)
	s.requests[id] = r
	return r
}

// Get looks up a tracked request by id without creating one.
func (s *Storage) Get(id string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	return r, ok
}

// Replace swaps the request tracked under id, used when BeginRedirect
// produces a successor request under the same CDP id (spec.md §3).
func (s *Storage) Replace(id string, r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id] = r
}

// Delete removes a completed or failed request from tracking.
func (s *Storage) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

// AddIntercept registers a new interception rule and returns its id.
func (s *Storage) AddIntercept(urlPatterns []string, phases []InterceptPhase) *Intercept {
	phaseSet := make(map[InterceptPhase]struct{}, len(phases))
	for _, p := range phases {
		phaseSet[p] = struct{}{}
	}
	ic := &Intercept{ID: uuid.NewString(), URLPatterns: urlPatterns, Phases: phaseSet}

	s.mu.Lock()
	s.intercepts[ic.ID] = ic
	s.mu.Unlock()

	return ic
}

// RemoveIntercept deletes a registered intercept by id, reporting whether
// it was present.
func (s *Storage) RemoveIntercept(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intercepts[id]; !ok {
		return false
	}
	delete(s.intercepts, id)
	return true
}

// InterceptionExpected reports whether any live intercept covers phase for
// url. Pattern matching is exact-or-wildcard ("*") rather than full glob,
// matching the CDP Fetch.RequestPattern surface this maps onto.
func (s *Storage) InterceptionExpected(url string, phase InterceptPhase) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ic := range s.intercepts {
		if !ic.coversPhase(phase) {
			continue
		}
		if len(ic.URLPatterns) == 0 {
			return true
		}
		for _, pattern := range ic.URLPatterns {
			if pattern == "*" || pattern == url {
				return true
			}
		}
	}
	return false
}

// Intercepts returns a snapshot of every registered intercept.
func (s *Storage) Intercepts() []*Intercept {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Intercept, 0, len(s.intercepts))
	for _, ic := range s.intercepts {
		out = append(out, ic)
	}
	return out
}
