package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmylchreest/camrelay/internal/observability"
)

const (
	// DefaultMaxMessageSize caps an inbound signaling message.
	DefaultMaxMessageSize = 64 * 1024
	// DefaultWriteTimeout bounds a single outbound signaling message.
	DefaultWriteTimeout = 5 * time.Second
	closeGrace          = time.Second
	// messageQueueSize bounds the messages waiting behind a negotiation.
	messageQueueSize = 32
)

// Server accepts signaling websocket clients and hands them to a Manager.
//
// Each client gets a read loop and a worker that handles its messages in
// order. A negotiation blocks only the worker, so a client that disconnects
// mid-negotiation frees the session slot at once. Its context is then
// cancelled and the late answer is discarded.
type Server struct {
	manager        *Manager
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	maxMessageSize int64
	writeTimeout   time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer creates a signaling server. Zero limits use the defaults.
func NewServer(manager *Manager, logger *slog.Logger, maxMessageSize int64, writeTimeout time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		manager:        manager,
		logger:         observability.WithComponent(logger, "signaling-server"),
		maxMessageSize: maxMessageSize,
		writeTimeout:   writeTimeout,
		baseCtx:        ctx,
		cancel:         cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds addr and serves in the background. A bind failure is
// returned immediately.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding signaling listener on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("signaling listener started", slog.String("address", ln.Addr().String()))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.WithError(s.logger, err).Error("signaling listener failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades the request and runs the client's read loop until the
// socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.WithError(s.logger, err).Debug("websocket upgrade failed")
		return
	}

	conn := &wsConn{conn: ws, writeTimeout: s.writeTimeout}
	sess, err := s.manager.Admit(conn)
	if err != nil {
		s.logger.Info("client rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("reason", err.Error()),
		)
		return
	}

	sess.logger.Info("client connected", slog.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs := make(chan []byte, messageQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range msgs {
			// The failed session is already torn down and its socket closed,
			// which ends the read loop.
			if err := s.manager.HandleMessage(ctx, sess, data); errors.Is(err, ErrNegotiationFailed) {
				return
			}
		}
	}()

	ws.SetReadLimit(s.maxMessageSize)
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.WithError(sess.logger, err).Debug("signaling read ended")
			}
			break
		}
		if mt != websocket.TextMessage {
			sess.logger.Debug("ignoring non-text signaling message")
			continue
		}
		select {
		case msgs <- data:
		default:
			sess.logger.Warn("signaling queue full, dropping message")
		}
	}

	s.manager.Disconnect(sess)
	cancel()
	close(msgs)
	<-done
}

// Stop tears down the active session and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.manager.Close()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down signaling listener: %w", err)
	}
	s.logger.Info("signaling server stopped")
	return nil
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close sends a normal close frame once and releases the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.conn.Close()
}
