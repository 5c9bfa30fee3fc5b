// Package eventmanager implements the Event Manager (spec.md §4.4,
// component C4): the hub that receives domain-processor-translated BiDi
// events, asks the Subscription Manager whether anyone wants each one, and
// fans matching events out to every subscribed client's eventqueue.Queue,
// wrapped with whichever channel(s) subscribed to it. It mirrors the
// teacher's BaseEventEmitter fan-out discipline (one dispatch path, many
// listeners) but keyed by client rather than by CDP event name, since a
// single BiDi event can be relevant to several clients with different
// subscription sets.
package eventmanager

import (
	"sync"

	"github.com/chromedevtools/bidi-server/internal/bidiproto"
	"github.com/chromedevtools/bidi-server/internal/eventqueue"
	"github.com/chromedevtools/bidi-server/internal/subscription"
)

// Client is anything that can have BiDi events delivered to it: in
// practice, one active WebSocket connection's outbound queue.
type Client struct {
	Subscriptions *subscription.Manager
	Queue         *eventqueue.Queue
}

// Manager fans out BiDi events to every client whose subscriptions match.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates an empty event manager.
func New() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// AddClient registers a client (identified by its BiDi session id) with its
// own subscription manager and outbound queue.
func (m *Manager) AddClient(sessionID string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[sessionID] = client
}

// RemoveClient unregisters and closes a client's queue.
func (m *Manager) RemoveClient(sessionID string) {
	m.mu.Lock()
	client, ok := m.clients[sessionID]
	delete(m.clients, sessionID)
	m.mu.Unlock()
	if ok {
		client.Queue.Close()
	}
}

// Emit delivers a BiDi event to every client subscribed to it in
// contextID, once per matching channel (spec.md §4.4): each channel a
// client is subscribed to on gets its own wrapped outgoing message, with
// that channel attached to the payload before it's queued. Events with no
// context affinity (e.g. session-level events) should pass contextID ==
// subscription.Global.
func (m *Manager) Emit(event, contextID string, payload interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		for _, channel := range client.Subscriptions.ChannelsSubscribedTo(event, contextID) {
			client.Queue.Push(bidiproto.NewEvent(event, channel, payload))
		}
	}
}

// EmitFuture is registerPromiseEvent (spec.md §4.2/§4.4): future resolves
// asynchronously to the event's payload. Every subscribed client's queue
// reserves tag's delivery-order slot immediately and fills it once future
// resolves, so events emitted after this call are never reordered ahead of
// it even if they resolve first. A client whose subscription set doesn't
// cover event/contextID at call time never gets a reservation — matching
// Emit's synchronous behavior of only fanning out to current subscribers.
func (m *Manager) EmitFuture(event, contextID, tag string, future <-chan eventqueue.Result[interface{}]) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type target struct {
		queue   *eventqueue.Queue
		channel string
	}
	var targets []target
	for _, client := range m.clients {
		for _, channel := range client.Subscriptions.ChannelsSubscribedTo(event, contextID) {
			targets = append(targets, target{queue: client.Queue, channel: channel})
		}
	}
	if len(targets) == 0 {
		return
	}

	// Reserve every target's delivery-order slot up front, then fan the
	// single future's eventual result out to each reservation without
	// letting a slow consumer block a fast one: each target gets its own
	// private result channel fed from one read of future.
	resultChans := make([]chan eventqueue.Result[interface{}], len(targets))
	for i, t := range targets {
		resultChans[i] = make(chan eventqueue.Result[interface{}], 1)
		eventqueue.RegisterPromiseEvent(t.queue, tag, resultChans[i])
	}

	go func() {
		res := <-future
		for i, t := range targets {
			if res.Err != nil {
				resultChans[i] <- eventqueue.Result[interface{}]{Err: res.Err}
			} else {
				resultChans[i] <- eventqueue.Result[interface{}]{Event: bidiproto.NewEvent(event, t.channel, res.Event)}
			}
			close(resultChans[i])
		}
	}()
}
