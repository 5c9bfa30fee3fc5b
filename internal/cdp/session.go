package cdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	bidilog "github.com/chromedevtools/bidi-server/internal/log"
)

// EventConnectionClose is emitted on a Connection once its WebSocket has
// fully shut down, and on a Session once its target has detached.
const EventConnectionClose = "connection-close"

var _ EventEmitter = &Session{}

// Session is one flattened CDP session, multiplexed over its Connection's
// single WebSocket by target.SessionID. Every CdpTarget (C7) holds exactly
// one Session, for its own target.
type Session struct {
	BaseEventEmitter

	conn   *Connection
	id     target.SessionID
	logger *bidilog.Logger

	readCh chan *cdproto.Message

	msgID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an attached CDP session and starts dispatching events
// and replies delivered to it by the owning Connection's recvLoop.
func NewSession(ctx context.Context, conn *Connection, id target.SessionID, logger *bidilog.Logger) *Session {
	s := &Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		conn:             conn,
		id:               id,
		logger:           logger,
		readCh:           make(chan *cdproto.Message, 32),
		pending:          make(map[int64]chan *cdproto.Message),
		done:             make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// ID returns the underlying CDP session id.
func (s *Session) ID() target.SessionID { return s.id }

func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.readCh:
			if !ok {
				return
			}
			switch {
			case msg.Method != "":
				ev, err := cdproto.UnmarshalMessage(msg)
				if err != nil {
					s.logger.Errorf("cdp:session", "unmarshaling %s on session %s: %s", msg.Method, s.id, err)
					continue
				}
				s.emit(string(msg.Method), ev)

			case msg.ID != 0:
				s.pendingMu.Lock()
				ch, ok := s.pending[msg.ID]
				delete(s.pending, msg.ID)
				s.pendingMu.Unlock()
				if ok {
					ch <- msg
				}
			}
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
		s.emit(EventConnectionClose, nil)
	})
}

// Execute implements cdp.Executor against this session's target, tagging
// every outgoing message with the session's id so the Connection's
// recvLoop routes the reply back here.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&s.msgID, 1)

	replyCh := make(chan *cdproto.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = replyCh
	s.pendingMu.Unlock()

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			s.pendingMu.Lock()
			delete(s.pending, id)
			s.pendingMu.Unlock()
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	msg := &cdproto.Message{ID: id, Method: cdproto.MethodType(method), Params: buf, SessionID: s.id}

	select {
	case s.conn.sendCh <- msg:
	case <-s.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case reply, ok := <-replyCh:
		if !ok || reply == nil {
			return ErrChannelClosed
		}
		if reply.Error != nil {
			return reply.Error
		}
		if res != nil {
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-s.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
