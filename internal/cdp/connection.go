// Package cdp implements the egress half of the translator: a WebSocket
// connection to the browser's DevTools endpoint, multiplexed into
// per-target Sessions (spec.md §4.1, component C1). It is a direct
// descendant of the teacher's common.Connection/common.Session pair, with
// the Goja-specific Close(args ...goja.Value) signature replaced by a plain
// Close(), and the event payloads kept as cdproto's own typed events rather
// than being re-exported under the teacher's api package.
package cdp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	bidilog "github.com/chromedevtools/bidi-server/internal/log"
)

const wsWriteBufferSize = 1 << 20

// ErrChannelClosed is returned when a pending command's response channel is
// closed out from under it by connection shutdown.
var ErrChannelClosed = errors.New("cdp: response channel closed")

var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

// Action is the general interface of a CDP action, matching cdproto's own
// generated action types so cdproto.*.Do(ctx) can run directly against a
// Connection or Session via cdp.WithExecutor.
type Action interface {
	Do(context.Context) error
}

// Connection represents the single WebSocket connection to the browser and
// the root "browser session" that CDP messages without a SessionID belong
// to. Every CdpTarget (C7) gets its own Session multiplexed over this one
// socket.
type Connection struct {
	BaseEventEmitter

	ctx     context.Context
	wsURL   string
	logger  *bidilog.Logger
	conn    *websocket.Conn
	sendCh  chan *cdproto.Message
	closeCh chan int
	errorCh chan error
	done    chan struct{}

	shutdownOnce sync.Once
	msgID        int64

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session

	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials wsURL and starts the connection's send/receive loops.
func NewConnection(ctx context.Context, wsURL string, logger *bidilog.Logger) (*Connection, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 60 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{}, //nolint:gosec // local DevTools endpoint, not user-facing
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing CDP endpoint %s: %w", wsURL, err)
	}

	c := &Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		conn:             conn,
		sendCh:           make(chan *cdproto.Message, 32),
		closeCh:          make(chan int),
		errorCh:          make(chan error),
		done:             make(chan struct{}),
		sessions:         make(map[target.SessionID]*Session),
	}

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// IsCloseError reports whether err represents the browser/transport having
// gone away, as opposed to a genuine protocol error. Target initialization
// (spec.md §4.7) swallows only this class of error.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, ErrChannelClosed) || errors.Is(err, context.Canceled)
}

// Close cleanly shuts down the WebSocket connection and every session
// multiplexed over it.
func (c *Connection) Close() error {
	return c.closeConnection(websocket.CloseGoingAway)
}

func (c *Connection) closeConnection(code int) error {
	var err error
	c.shutdownOnce.Do(func() {
		defer func() {
			_ = c.conn.Close()
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(10*time.Second))

		c.sessionsMu.Lock()
		for id, s := range c.sessions {
			s.close()
			delete(c.sessions, id)
		}
		c.sessionsMu.Unlock()

		c.emit(EventConnectionClose, nil)
	})
	return err
}

func (c *Connection) closeSession(sessionID target.SessionID) {
	c.sessionsMu.Lock()
	if s, ok := c.sessions[sessionID]; ok {
		s.close()
	}
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
}

// AttachToTarget creates a flattened CDP session against targetID and
// registers the resulting Session for multiplexed dispatch.
func (c *Connection) AttachToTarget(ctx context.Context, targetID target.ID) (*Session, error) {
	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %s: %w", targetID, err)
	}
	return c.Session(sessionID), nil
}

// Session returns the Session for id, or nil if unknown.
func (c *Connection) Session(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		select {
		case c.errorCh <- err:
		case <-c.done:
		}
		return
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	select {
	case c.closeCh <- code:
	case <-c.done:
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}
		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			select {
			case c.errorCh <- err:
			case <-c.done:
				return
			}
			continue
		}

		if msg.Method == cdproto.EventTargetAttachedToTarget {
			if ev, err := cdproto.UnmarshalMessage(&msg); err == nil {
				sessionID := ev.(*target.EventAttachedToTarget).SessionID
				c.sessionsMu.Lock()
				c.sessions[sessionID] = NewSession(c.ctx, c, sessionID, c.logger)
				c.sessionsMu.Unlock()
			} else {
				c.logger.Errorf("cdp", "unmarshaling attachedToTarget: %s", err)
			}
		} else if msg.Method == cdproto.EventTargetDetachedFromTarget {
			if ev, err := cdproto.UnmarshalMessage(&msg); err == nil {
				c.closeSession(ev.(*target.EventDetachedFromTarget).SessionID)
			} else {
				c.logger.Errorf("cdp", "unmarshaling detachedFromTarget: %s", err)
			}
		}

		switch {
		case msg.SessionID != "" && (msg.Method != "" || msg.ID != 0):
			c.sessionsMu.RLock()
			session, ok := c.sessions[msg.SessionID]
			c.sessionsMu.RUnlock()
			if !ok {
				continue
			}
			if msg.Error != nil && msg.Error.Message == "No session with given id" {
				c.closeSession(session.id)
				continue
			}
			select {
			case session.readCh <- &msg:
			case code := <-c.closeCh:
				_ = c.closeConnection(code)
			case <-c.done:
				return
			}

		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "unmarshaling %s: %s", msg.Method, err)
				continue
			}
			c.emit(string(msg.Method), ev)

		case msg.ID != 0:
			c.emit("", &msg)

		default:
			c.logger.Errorf("cdp", "ignoring malformed message (no id or method): %#v", msg)
		}
	}
}

func (c *Connection) send(msg *cdproto.Message, recvCh chan *cdproto.Message, res easyjson.Unmarshaler) error {
	select {
	case c.sendCh <- msg:
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-c.done:
		return ErrChannelClosed
	}

	if recvCh == nil {
		return nil
	}

	select {
	case msg := <-recvCh:
		switch {
		case msg == nil:
			return ErrChannelClosed
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		default:
			return nil
		}
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return &websocket.CloseError{Code: code}
	case <-c.done:
		return ErrChannelClosed
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				select {
				case c.errorCh <- err:
				case <-c.done:
					return
				}
				continue
			}
			buf, _ := c.encoder.BuildBytes()
			c.logger.Debugf("cdp:send", "-> %s", buf)
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.handleIOError(err)
				return
			}
		case code := <-c.closeCh:
			_ = c.closeConnection(code)
		case <-c.done:
			return
		}
	}
}

// Execute implements cdp.Executor: a synchronous send-and-await-response
// against the root browser session (no SessionID on the outgoing message).
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)

	ch := make(chan *cdproto.Message, 1)
	evCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	chEv := make(chan Event)
	go awaitReply(evCtx, cancel, chEv, id, ch)
	c.onAll(evCtx, chEv)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}
	return c.send(&cdproto.Message{ID: id, Method: cdproto.MethodType(method), Params: buf}, ch, res)
}

// awaitReply watches chEv for the one message whose ID matches id and
// forwards it to ch, then stops listening.
func awaitReply(ctx context.Context, cancel context.CancelFunc, chEv chan Event, id int64, ch chan *cdproto.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-chEv:
			msg, ok := ev.Data.(*cdproto.Message)
			if !ok || msg.ID != id {
				continue
			}
			select {
			case <-ctx.Done():
			case ch <- msg:
			}
			cancel()
			return
		}
	}
}
