// Package subscription implements the Subscription Manager (spec.md §4.3,
// component C3): which client subscriptions exist, which BiDi event names
// and browsing contexts they cover, and whether a given (event, context)
// pair should be delivered to a given client. It is grounded on the
// teacher's registry pattern of a mutex-guarded map keyed by id, as seen in
// common.Connection.sessions and common.FrameManager's frame map.
package subscription

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
)

// Global is the sentinel context id meaning "every browsing context,
// including ones created after the subscription was made" (spec.md §4.3).
const Global = ""

// Subscription is one subscribe call's worth of (events x contexts),
// scoped to the channel it was made on.
type Subscription struct {
	ID       string
	Channel  string
	Events   map[string]struct{}
	Contexts map[string]struct{} // empty means Global
}

func (s *Subscription) coversEvent(event string) bool {
	_, ok := s.Events[event]
	return ok
}

func (s *Subscription) coversContext(contextID string) bool {
	if len(s.Contexts) == 0 {
		return true
	}
	_, ok := s.Contexts[contextID]
	return ok
}

// Manager tracks every live subscription across all clients.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	// resolveTopLevel maps a browsing context id to its top-level ancestor
	// id, per spec.md §4.5's findTopLevelContextId. Injected rather than
	// depending on internal/browsingcontext directly, since a subscription
	// manager outlives any one session's Browsing Context Store.
	resolveTopLevel func(contextID string) (string, bool)
}

// New creates an empty subscription manager. resolveTopLevel resolves a
// context id to its top-level ancestor; pass nil to treat every context id
// as already top-level (used by tests that never nest contexts).
func New(resolveTopLevel func(contextID string) (string, bool)) *Manager {
	return &Manager{subs: make(map[string]*Subscription), resolveTopLevel: resolveTopLevel}
}

func (m *Manager) topLevel(contextID string) (string, bool) {
	if m.resolveTopLevel == nil {
		return contextID, true
	}
	return m.resolveTopLevel(contextID)
}

// Subscribe records a new subscription covering events and contexts
// (contexts nil or empty means Global), scoped to channel, and returns it.
// Each context is resolved to its top-level ancestor, failing with
// no-such-frame if any is unknown (spec.md §4.3).
//
// Per the WPT fixtures under original_source/tests on subscription
// idempotency, re-subscribing to an event+context pair already covered by
// an existing subscription is not collapsed into it: every subscribe call
// gets its own id and its own entry, and unsubscribe removes exactly the
// subscriptions it names. This matches the observed behavior of sending the
// same subscribe request twice and getting two distinct ids back, both of
// which independently gate delivery.
func (m *Manager) Subscribe(events, contexts []string, channel string) (*Subscription, error) {
	topLevels, err := m.resolveContexts(contexts)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		Channel:  channel,
		Events:   unrollModules(events),
		Contexts: toSet(topLevels),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	return sub, nil
}

func (m *Manager) resolveContexts(contexts []string) ([]string, error) {
	if len(contexts) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(contexts))
	for _, c := range contexts {
		top, ok := m.topLevel(c)
		if !ok {
			return nil, bidierror.NoSuchFramef("context %q not found", c)
		}
		out = append(out, top)
	}
	return out, nil
}

// moduleEvents enumerates every atomic event name each module this
// translator emits expands to (spec.md §4.3: "module names expand
// ('unroll') to the full set of atomic events in that module"). A module
// with no entry here has no events of its own (e.g. "storage" and
// "session" are command-only).
var moduleEvents = map[string][]string{
	"browsingContext": {
		"browsingContext.contextCreated",
		"browsingContext.contextDestroyed",
		"browsingContext.domContentLoaded",
		"browsingContext.load",
	},
	"network": {
		"network.beforeRequestSent",
		"network.responseStarted",
		"network.responseCompleted",
		"network.fetchError",
		"network.authRequired",
	},
	"script": {
		"script.realmCreated",
		"script.realmDestroyed",
	},
}

// unrollModules expands every module name in events into its full set of
// atomic event names and passes already-atomic names through unchanged, so
// a Subscription's Events always holds concrete event names: coversEvent,
// intersect, and every other set operation on Events can then do a plain
// membership/intersection check instead of separately reasoning about
// module entries.
func unrollModules(events []string) map[string]struct{} {
	out := make(map[string]struct{}, len(events))
	for _, e := range events {
		if atoms, ok := moduleEvents[e]; ok {
			for _, a := range atoms {
				out[a] = struct{}{}
			}
			continue
		}
		out[e] = struct{}{}
	}
	return out
}

// Unsubscribe removes the subscriptions whose ids are given. It is not an
// error to name an id that no longer exists. Retained for internal/test use;
// no BiDi wire path reaches it, since session.unsubscribe only ever carries
// the attribute-based form (see DESIGN.md).
func (m *Manager) Unsubscribe(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.subs, id)
	}
}

// UnsubscribeByEventsAndContexts implements spec.md §4.3's attribute-based
// unsubscribe algorithm. events/contexts are unrolled/resolved the same way
// Subscribe does it; channel scopes the operation to one client's
// subscriptions. A global unsubscribe (no contexts) removes the matching
// events from global-only subscriptions; a scoped one splits each matching
// subscription into a per-event remainder covering whatever top-levels
// weren't named. If any requested event or context never matched at least
// one live subscription, the whole call fails with invalid argument and the
// store is left unchanged (the split/removal is computed and only committed
// once every requested attribute is known to have matched).
func (m *Manager) UnsubscribeByEventsAndContexts(events, contexts []string, channel string) error {
	wantEvents := unrollModules(events)
	wantTopLevels, err := m.resolveContexts(contexts)
	if err != nil {
		return err
	}
	wantContexts := toSet(wantTopLevels)
	scoped := len(wantContexts) > 0

	matchedEvents := make(map[string]struct{}, len(wantEvents))
	matchedContexts := make(map[string]struct{}, len(wantContexts))

	m.mu.Lock()
	defer m.mu.Unlock()

	toDelete := make(map[string]struct{})
	toInsert := make([]*Subscription, 0)

	for id, sub := range m.subs {
		if sub.Channel != channel {
			continue
		}

		matchingEvents := intersect(sub.Events, wantEvents)
		if len(matchingEvents) == 0 {
			continue
		}

		if scoped {
			matchingContexts := intersect(sub.Contexts, wantContexts)
			if len(matchingContexts) == 0 {
				continue
			}
			for e := range matchingEvents {
				matchedEvents[e] = struct{}{}
			}
			for c := range matchingContexts {
				matchedContexts[c] = struct{}{}
			}

			remainingContexts := remainingSet(sub.Contexts, matchingContexts)
			unmatchedEvents := remainingSet(sub.Events, matchingEvents)
			toDelete[id] = struct{}{}

			// Events this unsubscribe didn't name keep their full original
			// context set, unsplit.
			if len(unmatchedEvents) > 0 {
				toInsert = append(toInsert, &Subscription{
					ID:       uuid.NewString(),
					Channel:  channel,
					Events:   unmatchedEvents,
					Contexts: cloneSet(sub.Contexts),
				})
			}
			// Events this unsubscribe did name keep only whatever
			// top-levels weren't removed, one subscription per event
			// (spec.md §4.3: "splits each matching subscription into
			// per-event remainders").
			if len(remainingContexts) > 0 {
				for e := range matchingEvents {
					toInsert = append(toInsert, &Subscription{
						ID:       uuid.NewString(),
						Channel:  channel,
						Events:   map[string]struct{}{e: {}},
						Contexts: cloneSet(remainingContexts),
					})
				}
			}
			continue
		}

		// Unscoped (global) unsubscribe only removes matching events from
		// subscriptions that are themselves global.
		if len(sub.Contexts) != 0 {
			continue
		}
		for e := range matchingEvents {
			matchedEvents[e] = struct{}{}
		}
		remainder := remainingSet(sub.Events, matchingEvents)
		toDelete[id] = struct{}{}
		if len(remainder) > 0 {
			toInsert = append(toInsert, &Subscription{
				ID:       uuid.NewString(),
				Channel:  channel,
				Events:   remainder,
				Contexts: nil,
			})
		}
	}

	for e := range wantEvents {
		if _, ok := matchedEvents[e]; !ok {
			return bidierror.InvalidArgumentf("no matching subscription for event %q on channel %q", e, channel)
		}
	}
	for c := range wantContexts {
		if _, ok := matchedContexts[c]; !ok {
			return bidierror.InvalidArgumentf("no matching subscription for context %q on channel %q", c, channel)
		}
	}

	for id := range toDelete {
		delete(m.subs, id)
	}
	for _, sub := range toInsert {
		m.subs[sub.ID] = sub
	}
	return nil
}

// Matches reports whether any live subscription covers event in contextID.
func (m *Manager) Matches(event, contextID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.coversEvent(event) && sub.coversContext(contextID) {
			return true
		}
	}
	return false
}

// ChannelsSubscribedTo returns the unique channels of every subscription
// that covers event in contextID (spec.md §4.3
// getChannelsSubscribedToEvent).
func (m *Manager) ChannelsSubscribedTo(event, contextID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, sub := range m.subs {
		if !sub.coversEvent(event) || !sub.coversContext(contextID) {
			continue
		}
		if _, ok := seen[sub.Channel]; ok {
			continue
		}
		seen[sub.Channel] = struct{}{}
		out = append(out, sub.Channel)
	}
	return out
}

// Subscriptions returns a snapshot of all live subscriptions, for
// diagnostics and tests.
func (m *Manager) Subscriptions() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
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

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// remainingSet returns the entries of a not present in remove.
func remainingSet(a, remove map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := remove[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}
