// Package broadcast fans an encoded byte stream out, verbatim, to every
// connected passive websocket subscriber.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmylchreest/camrelay/internal/observability"
)

const (
	// DefaultWriteTimeout bounds a single send to a slow subscriber.
	DefaultWriteTimeout = 5 * time.Second
	// subscribers never send data; anything larger than this is a protocol error.
	maxInboundMessage = 512
	closeGrace        = time.Second
)

var (
	// ErrSubscriberSend wraps a failed delivery; the subscriber is evicted.
	ErrSubscriberSend = errors.New("subscriber send failed")
	// ErrSubscriberClosed is returned by Send after Close.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Subscriber is one passive receiver of the broadcast stream.
type Subscriber interface {
	ID() string
	IsOpen() bool
	Send(chunk []byte) error
	Close() error
}

// Status is a point-in-time snapshot of the hub.
type Status struct {
	Address     string `json:"address,omitempty"`
	Subscribers int    `json:"subscribers"`
	BytesSent   uint64 `json:"bytes_sent"`
	Evictions   uint64 `json:"evictions"`
}

// Hub owns the subscriber set and the websocket listener.
type Hub struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu          sync.RWMutex
	subscribers map[string]Subscriber
	listener    net.Listener
	server      *http.Server
	stopped     bool

	bytesSent atomic.Uint64
	evictions atomic.Uint64
}

// NewHub creates a hub. A zero writeTimeout uses DefaultWriteTimeout.
func NewHub(logger *slog.Logger, writeTimeout time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Hub{
		logger:       observability.WithComponent(logger, "broadcast"),
		writeTimeout: writeTimeout,
		subscribers:  make(map[string]Subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// The player page is served from a different port.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds addr and serves websocket upgrades in the background.
// A bind failure is returned immediately.
func (h *Hub) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding broadcast listener on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.listener = ln
	h.server = srv
	h.stopped = false
	h.mu.Unlock()

	h.logger.Info("broadcast listener started", slog.String("address", ln.Addr().String()))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.WithError(h.logger, err).Error("broadcast listener failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ServeHTTP upgrades the request and registers the connection as a subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.WithError(h.logger, err).Debug("websocket upgrade failed")
		return
	}

	sub := newWSSubscriber(conn, h.writeTimeout)
	if !h.Add(sub) {
		return
	}

	observability.WithSubscriber(h.logger, sub.ID()).Info("subscriber connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("subscribers", h.Count()),
	)

	go h.readLoop(sub)
}

// readLoop discards inbound frames until the peer goes away.
func (h *Hub) readLoop(sub *wsSubscriber) {
	sub.conn.SetReadLimit(maxInboundMessage)
	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			break
		}
	}
	if h.Remove(sub.ID()) {
		observability.WithSubscriber(h.logger, sub.ID()).Info("subscriber disconnected",
			slog.Int("subscribers", h.Count()),
		)
	}
	_ = sub.Close()
}

// Add registers a subscriber. After Stop the subscriber is closed and
// rejected.
func (h *Hub) Add(sub Subscriber) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = sub.Close()
		return false
	}
	h.subscribers[sub.ID()] = sub
	h.mu.Unlock()
	return true
}

// Remove drops a subscriber and reports whether it was present.
// Removing an unknown subscriber is a no-op.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[id]; !ok {
		return false
	}
	delete(h.subscribers, id)
	return true
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast sends chunk to every subscriber open at this moment. Closed
// subscribers are skipped and removed; a failed send evicts that subscriber
// without affecting the others.
func (h *Hub) Broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	h.mu.RLock()
	snapshot := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.IsOpen() {
			h.Remove(sub.ID())
			continue
		}
		if err := sub.Send(chunk); err != nil {
			h.evict(sub, fmt.Errorf("%w: %w", ErrSubscriberSend, err))
			continue
		}
		h.bytesSent.Add(uint64(len(chunk)))
	}
}

func (h *Hub) evict(sub Subscriber, err error) {
	if !h.Remove(sub.ID()) {
		return
	}
	h.evictions.Add(1)
	_ = sub.Close()
	observability.WithError(observability.WithSubscriber(h.logger, sub.ID()), err).Warn("subscriber evicted")
}

// Stop closes every subscriber and then the listener. It is idempotent.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	subs := h.subscribers
	h.subscribers = make(map[string]Subscriber)
	srv := h.server
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	h.logger.Info("broadcast hub stopped", slog.Int("closed_subscribers", len(subs)))
	return err
}

// Status returns a snapshot of the hub.
func (h *Hub) Status() Status {
	st := Status{
		Subscribers: h.Count(),
		BytesSent:   h.bytesSent.Load(),
		Evictions:   h.evictions.Load(),
	}
	if addr := h.Addr(); addr != nil {
		st.Address = addr.String()
	}
	return st
}

// wsSubscriber is a Subscriber backed by a gorilla websocket connection.
type wsSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	open         atomic.Bool
}

func newWSSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *wsSubscriber {
	s := &wsSubscriber{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	s.open.Store(true)
	return s
}

func (s *wsSubscriber) ID() string   { return s.id }
func (s *wsSubscriber) IsOpen() bool { return s.open.Load() }

// Send writes chunk as a single binary message.
func (s *wsSubscriber) Send(chunk []byte) error {
	if !s.open.Load() {
		return ErrSubscriberClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Close sends a close frame and releases the connection. Only the first
// call has an effect.
func (s *wsSubscriber) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return s.conn.Close()
}
