// Package eventqueue implements the per-client ordered delivery queue
// (spec.md §4.2, component C2) that sits between the Event Manager and a
// single BiDi client connection. It is grounded on the same
// single-dispatch-goroutine discipline as the teacher's
// common.BaseEventEmitter (see internal/cdp.BaseEventEmitter): one
// goroutine owns the queue's slice and channel state so producers never
// race with the drain loop.
package eventqueue

import (
	"context"
	"sync"

	bidilog "github.com/chromedevtools/bidi-server/internal/log"
)

// Result is an explicit-result future outcome (spec.md §9): exactly one of
// Event or Err is meaningful, never both. RegisterPromiseEvent reads one of
// these from its future and resolves the slot it reserved with it.
type Result[T any] struct {
	Event T
	Err   error
}

// slot is one call-ordered position in the queue: either already carrying
// a value (from Push) or awaiting a future's resolution (from AddFuture).
type slot struct {
	tag      string
	resolved bool
	value    interface{}
	err      error
}

// Queue holds BiDi events awaiting delivery to one client connection, in
// the order they were queued, and hands them to a single consumer via Next.
// Events for distinct subscriptions can arrive concurrently (one per
// browsing context's worth of CDP traffic); the Queue guarantees the
// consumer never observes two events out of the order they were registered
// in, even when a later-registered future resolves before an
// earlier-registered one (spec.md §4.2).
type Queue struct {
	mu      sync.Mutex
	pending []*slot    // ordered, head-first; may contain unresolved futures
	items   []interface{} // drained by Next, already in delivery order
	notify  chan struct{}

	logger *bidilog.Logger

	closeOnce sync.Once
	closed    bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1), logger: bidilog.NewNullLogger()}
}

// SetLogger wires a logger for AddFuture's log-and-skip path; nil is safe
// and reverts to the default no-op logger.
func (q *Queue) SetLogger(logger *bidilog.Logger) {
	if logger == nil {
		logger = bidilog.NewNullLogger()
	}
	q.mu.Lock()
	q.logger = logger
	q.mu.Unlock()
}

// Push appends event to the tail of the queue and wakes a blocked Next.
// Push on a closed queue is a no-op: a component racing its own shutdown
// should not panic the emitter that still holds a reference to it.
func (q *Queue) Push(event interface{}) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, &slot{resolved: true, value: event})
	q.flushLocked()
	q.mu.Unlock()

	q.wake()
}

// Handle identifies one pending future slot, returned by AddFuture so the
// caller can resolve it once the asynchronous work it stands for completes.
type Handle struct {
	q    *Queue
	slot *slot
}

// AddFuture reserves tag's place in delivery order before the value it
// represents is known. The caller resolves the returned Handle exactly
// once, from whatever goroutine is awaiting the underlying future; until
// then, every slot queued after it (by Push or AddFuture) is held back
// even if its own value resolves first (spec.md §4.2's head-of-line
// ordering contract).
func (q *Queue) AddFuture(tag string) *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &slot{tag: tag}
	q.pending = append(q.pending, s)
	return &Handle{q: q, slot: s}
}

// Resolve completes h's slot with value or err. A failed slot (err != nil)
// is logged with its tag and dropped rather than delivered — the queue
// applies no back-pressure for this case, per spec.md §4.2.
func (h *Handle) Resolve(value interface{}, err error) {
	q := h.q
	q.mu.Lock()
	h.slot.resolved = true
	h.slot.value = value
	h.slot.err = err
	q.flushLocked()
	q.mu.Unlock()

	q.wake()
}

// RegisterPromiseEvent is the typed convenience form of AddFuture/Resolve:
// it starts one goroutine that waits for future's single result and
// resolves the slot reserved for tag with it, preserving tag's queue
// position regardless of when future resolves relative to other queued
// work. A future closed without a result resolves the slot empty, and
// nothing is delivered for it.
func RegisterPromiseEvent[T any](q *Queue, tag string, future <-chan Result[T]) {
	h := q.AddFuture(tag)
	go func() {
		res, ok := <-future
		if !ok {
			h.Resolve(nil, nil)
			return
		}
		h.Resolve(res.Event, res.Err)
	}()
}

// flushLocked drains resolved slots from the head of pending into items,
// stopping at the first unresolved slot. Must be called with q.mu held.
func (q *Queue) flushLocked() {
	for len(q.pending) > 0 && q.pending[0].resolved {
		s := q.pending[0]
		q.pending = q.pending[1:]
		if s.err != nil {
			q.logger.Errorf("eventqueue", "future %q failed, skipping: %s", s.tag, s.err)
			continue
		}
		if s.value == nil {
			continue
		}
		q.items = append(q.items, s.value)
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the queue is closed, or ctx is
// done, whichever happens first.
func (q *Queue) Next(ctx context.Context) (interface{}, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			event := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return event, true
		}
		closed := q.closed && len(q.pending) == 0
		q.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close marks the queue closed; buffered events already pushed are still
// drained by subsequent Next calls until empty, after which Next returns
// false. Futures still pending at Close keep Next waiting and are
// delivered once they resolve; Next reports closed only once both items
// and pending are exhausted.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.wake()
	})
}

// Len reports the number of events currently buffered for delivery (not
// counting unresolved futures), for tests and backpressure metrics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
