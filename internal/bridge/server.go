// Package bridge exposes the pipeline's command/event contract over
// WebSocket, plus /metrics and /healthz.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 1 << 20
	outboundBuffer = 256
)

// Sessions is the part of session.Registry the bridge drives.
type Sessions interface {
	Submit(ctx context.Context, req pipeline.Request, sink session.Sink) error
	Send(sessionID string, cmd pipeline.Command) error
	ActiveSessions() int
}

// Server serves WebSocket clients. Each connection is one session unless
// the client names a shared one with ?session=.
type Server struct {
	sessions Sessions
	metrics  http.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu    sync.Mutex
	conns map[*conn]struct{}
	srv   *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithOriginCheck replaces the default same-host origin check.
func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// New creates a bridge server.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		logger:   slog.Default(),
		started:  time.Now(),
		conns:    make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections and closes open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Hijacked connections are not tracked by http.Server.
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	clients := len(s.conns)
	s.mu.Unlock()

	status := map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": s.sessions.ActiveSessions(),
		"clients":  clients,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:      ws,
		session: sessionID,
		out:     make(chan []byte, outboundBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
		logger:  s.logger.With("session", sessionID, "remote", r.RemoteAddr),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	c.logger.Info("client connected")
	go c.writeLoop()
	s.readLoop(ctx, c)
	// Runs submitted on this connection are bound to ctx and stop with it.
	cancel()
	c.close(websocket.CloseNormalClosure, "")
	c.logger.Info("client disconnected")
}

// readLoop decodes client frames until the connection fails.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}
		var f inbound
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendFrame(outbound{Type: frameCommandError, Message: "malformed frame: " + err.Error()})
			continue
		}
		s.dispatch(ctx, c, f)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, f inbound) {
	cmd, err := f.command()
	if err != nil {
		c.sendFrame(outbound{Type: frameCommandError, Command: f.Type, Message: err.Error()})
		return
	}

	if start, ok := cmd.(pipeline.Start); ok {
		req := start.Request
		req.SessionID = c.session
		if err := s.sessions.Submit(ctx, req, c.sendEvent); err != nil {
			c.sendFrame(outbound{Type: frameCommandError, Command: f.Type, Message: err.Error()})
			return
		}
		c.sendFrame(outbound{Type: frameAccepted, Command: f.Type, Session: c.session})
		return
	}

	if err := s.sessions.Send(c.session, cmd); err != nil {
		c.sendFrame(outbound{Type: frameCommandError, Command: f.Type, Message: err.Error()})
		return
	}
	c.sendFrame(outbound{Type: frameAccepted, Command: f.Type, Session: c.session})
}

// conn owns one WebSocket. Only writeLoop writes to ws.
type conn struct {
	ws      *websocket.Conn
	session string
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// sendEvent is the session sink for runs submitted on this connection. It
// blocks while the client is slow and gives up once the connection closes.
func (c *conn) sendEvent(ev pipeline.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		c.logger.Error("event encoding failed", "type", ev.Type(), "err", err)
		return
	}
	c.send(data)
}

func (c *conn) sendFrame(f outbound) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.send(data)
}

func (c *conn) send(data []byte) {
	select {
	case c.out <- data:
	case <-c.done:
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "err", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close ends the connection once. The close frame is best effort.
func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		c.ws.Close()
	})
}
