// Package server implements the BiDi Server (spec.md §4.13, component
// C13): the HTTP+WebSocket front end that accepts client connections and
// binds each connection's lifetime to a Command Processor and an Event
// Manager client. The Session Manager (C14), which launches the browser
// and answers session.new, lives in internal/session. It mirrors the teacher's
// Connection (internal/cdp.Connection, itself grounded on
// common/connection.go) on the inbound side: one goroutine reads frames
// off the socket and feeds the Processor, another drains the client's
// eventqueue.Queue and writes frames out, and a done channel closes both
// down together.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chromedevtools/bidi-server/internal/eventqueue"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
	"github.com/chromedevtools/bidi-server/internal/processor"
	"github.com/chromedevtools/bidi-server/internal/subscription"
)

// SessionFactory creates the per-session resources (subscription manager,
// processor, outbound event queue) a freshly accepted connection needs, and
// a cleanup func the server runs once the WebSocket closes to tear down the
// browser instance and Event Manager registration session.new may have
// created. The server owns none of the browser-facing state itself; the
// Session Manager wires a real browser instance in once session.new is
// processed, and is also who ends up pushing events into the returned
// queue via the Event Manager, so the server must use this exact queue
// rather than minting its own.
type SessionFactory func(sessionID string) (*processor.Processor, *subscription.Manager, *eventqueue.Queue, func())

// Server is the WebSocket front end for the translator.
type Server struct {
	logger  *bidilog.Logger
	upgrader websocket.Upgrader
	newSession SessionFactory

	mu       sync.Mutex
	sessions map[string]*connection
}

// New creates a Server. newSession is called once per accepted WebSocket
// connection to build that connection's Command Processor.
func New(logger *bidilog.Logger, newSession SessionFactory) *Server {
	return &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		newSession: newSession,
		sessions:   make(map[string]*connection),
	}
}

// Handler returns the http.Handler to mount at the BiDi WebSocket path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("server", "upgrading connection: %s", err)
		return
	}

	sessionID := uuid.NewString()
	proc, subs, queue, cleanup := s.newSession(sessionID)

	conn := &connection{
		id:      sessionID,
		ws:      ws,
		proc:    proc,
		subs:    subs,
		queue:   queue,
		cleanup: cleanup,
		logger:  s.logger,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sessionID] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	conn.run(r.Context())
}

// Shutdown closes every live connection, for graceful process exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.sessions))
	for _, c := range s.sessions {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// connection is one accepted WebSocket's worth of read/write loops.
type connection struct {
	id      string
	ws      *websocket.Conn
	proc    *processor.Processor
	subs    *subscription.Manager
	queue   *eventqueue.Queue
	cleanup func()
	logger  *bidilog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readLoop(ctx) }()
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	wg.Wait()

	c.close()
}

func (c *connection) readLoop(ctx context.Context) {
	defer c.close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		resp := c.proc.Dispatch(ctx, raw)
		out, err := json.Marshal(resp)
		if err != nil {
			c.logger.Errorf("server", "marshaling response for session %s: %s", c.id, err)
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	defer c.close()
	for {
		event, ok := c.queue.Next(ctx)
		if !ok {
			return
		}
		out, err := json.Marshal(event)
		if err != nil {
			c.logger.Errorf("server", "marshaling event for session %s: %s", c.id, err)
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
		_ = c.ws.Close()
		if c.cleanup != nil {
			c.cleanup()
		}
		close(c.done)
	})
}
