package cdp

import "context"

// Event is a typed (name, payload) pair delivered to a registered handler.
// The payload is whatever the unmarshaled CDP event type is, or a raw
// *cdproto.Message for methods cdproto doesn't know about yet.
type Event struct {
	Name string
	Data interface{}
}

type eventHandler struct {
	ctx context.Context
	ch  chan Event
}

// EventEmitter is implemented by every CDP-facing component that other
// components attach listeners to: the Connection (root session) and each
// per-target Session.
type EventEmitter interface {
	emit(event string, data interface{})
	on(ctx context.Context, events []string, ch chan Event)
	onAll(ctx context.Context, ch chan Event)
}

// BaseEventEmitter dispatches events to registered handlers off of a single
// synchronizing goroutine, so registration and delivery never race with each
// other even though CDP events arrive concurrently with handler churn.
type BaseEventEmitter struct {
	handlers    map[string][]eventHandler
	handlersAll []eventHandler

	handlersCh chan func() chan struct{}
	ctx        context.Context
}

// NewBaseEventEmitter creates an emitter whose dispatch goroutine is tied to
// ctx; once ctx is done, further emit/on/onAll calls are no-ops.
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	e := BaseEventEmitter{
		handlers:   make(map[string][]eventHandler),
		handlersCh: make(chan func() chan struct{}),
		ctx:        ctx,
	}
	go e.run(ctx)
	return e
}

func (e *BaseEventEmitter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.handlersCh:
			select {
			case <-ctx.Done():
				return
			default:
			}
			done := fn()
			done <- struct{}{}
		}
	}
}

func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.handlersCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

func (e *BaseEventEmitter) emit(event string, data interface{}) {
	e.sync(func() {
		e.handlers[event] = dispatch(e.handlers[event], event, data)
		e.handlersAll = dispatch(e.handlersAll, event, data)
	})
}

// dispatch sends the event to every live handler, dropping ones whose ctx
// has been cancelled, and returns the surviving slice.
func dispatch(handlers []eventHandler, event string, data interface{}) []eventHandler {
	live := handlers[:0]
	for _, h := range handlers {
		select {
		case <-h.ctx.Done():
			continue
		default:
		}
		h := h
		go func() { h.ch <- Event{event, data} }()
		live = append(live, h)
	}
	return live
}

func (e *BaseEventEmitter) on(ctx context.Context, events []string, ch chan Event) {
	e.sync(func() {
		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], eventHandler{ctx, ch})
		}
	})
}

func (e *BaseEventEmitter) onAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		e.handlersAll = append(e.handlersAll, eventHandler{ctx, ch})
	})
}

// On registers ch to receive every occurrence of the named events until ctx
// is done. Exported so that components outside this package (internal/target,
// internal/session) can subscribe to CDP events on a Connection or Session
// without needing to live in this package, unlike the teacher's
// common.BaseEventEmitter, whose only consumers are all within package common.
func (e *BaseEventEmitter) On(ctx context.Context, events []string, ch chan Event) {
	e.on(ctx, events, ch)
}

// OnAll registers ch to receive every event until ctx is done.
func (e *BaseEventEmitter) OnAll(ctx context.Context, ch chan Event) {
	e.onAll(ctx, ch)
}
