// Package signaling admits a single real-time client at a time and drives
// its offer/answer/ICE exchange with a peer connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/camrelay/internal/observability"
	"github.com/jmylchreest/camrelay/internal/segmenter"
)

// DefaultNegotiateTimeout bounds a single offer/answer exchange.
const DefaultNegotiateTimeout = 15 * time.Second

var (
	// ErrMalformedMessage marks a message that failed validation. It is
	// logged and dropped; the connection stays open.
	ErrMalformedMessage = errors.New("malformed signaling message")
	// ErrNegotiationFailed tears down the session and closes the client.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrStaleCandidate marks a candidate that arrived for a closed session.
	ErrStaleCandidate = errors.New("candidate for inactive session")
	// ErrSessionBusy is returned when a client connects while another
	// session is active.
	ErrSessionBusy = errors.New("signaling session already active")
)

// PeerConnection is the real-time transport capability a session drives.
type PeerConnection interface {
	Negotiate(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	AddRemoteCandidate(ctx context.Context, candidate ICECandidate) error
	// FeedFrame must not block; a busy peer drops the frame.
	FeedFrame(frame segmenter.Frame)
	OnConnectionStateChange(fn func(PeerState))
	OnICECandidate(fn func(ICECandidate))
	Close() error
}

// PeerFactory creates a fresh PeerConnection for each admitted client.
type PeerFactory func() (PeerConnection, error)

// Conn is the client socket as seen by the manager.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is the single active client and its peer connection.
type Session struct {
	id        string
	createdAt time.Time
	conn      Conn
	peer      PeerConnection
	logger    *slog.Logger

	// state is guarded by Manager.mu
	state State

	writeMu  sync.Mutex
	answered bool
	pending  []ICECandidate
}

// ID returns the session's ULID.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) send(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendAnswer writes the answer followed by any local candidates gathered
// before it; the client cannot apply a candidate without a remote
// description.
func (s *Session) sendAnswer(sdp string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(Message{Type: TypeAnswer, SDP: sdp}); err != nil {
		return err
	}
	s.answered = true
	pending := s.pending
	s.pending = nil
	for i := range pending {
		if err := s.conn.WriteJSON(Message{Type: TypeICECandidate, Candidate: &pending[i]}); err != nil {
			return err
		}
	}
	return nil
}

// sendCandidate writes c, or queues it until the answer has gone out.
func (s *Session) sendCandidate(c ICECandidate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.answered {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.conn.WriteJSON(Message{Type: TypeICECandidate, Candidate: &c})
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State           State     `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	Sessions        uint64    `json:"sessions"`
	Rejected        uint64    `json:"rejected"`
	FramesDelivered uint64    `json:"frames_delivered"`
	FramesDropped   uint64    `json:"frames_dropped"`
}

// Manager owns the single session slot.
type Manager struct {
	factory          PeerFactory
	logger           *slog.Logger
	negotiateTimeout time.Duration

	mu      sync.Mutex
	session *Session

	sessions        atomic.Uint64
	rejected        atomic.Uint64
	framesDelivered atomic.Uint64
	framesDropped   atomic.Uint64
}

// NewManager creates a manager that builds peers with factory.
func NewManager(factory PeerFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:          factory,
		logger:           observability.WithComponent(logger, "signaling"),
		negotiateTimeout: DefaultNegotiateTimeout,
	}
}

// WithNegotiateTimeout overrides the per-offer negotiation deadline.
func (m *Manager) WithNegotiateTimeout(d time.Duration) *Manager {
	m.negotiateTimeout = d
	return m
}

// Admit creates a session for conn when none is active. Otherwise conn is
// closed immediately and ErrSessionBusy returned.
func (m *Manager) Admit(conn Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.state != StateClosed {
		m.rejected.Add(1)
		_ = conn.Close()
		m.logger.Warn("rejecting client, session already active",
			slog.String("active_session", m.session.id),
		)
		return nil, ErrSessionBusy
	}

	peer, err := m.factory()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	id := ulid.Make().String()
	sess := &Session{
		id:        id,
		createdAt: time.Now(),
		conn:      conn,
		peer:      peer,
		state:     StateIdle,
		logger:    observability.WithSession(m.logger, id),
	}
	peer.OnICECandidate(func(c ICECandidate) { m.forwardCandidate(sess, c) })
	peer.OnConnectionStateChange(func(ps PeerState) { m.handlePeerState(sess, ps) })

	m.session = sess
	m.sessions.Add(1)
	sess.logger.Info("client admitted")
	return sess, nil
}

// HandleMessage parses and dispatches one client message. Malformed
// messages are logged and dropped.
func (m *Manager) HandleMessage(ctx context.Context, sess *Session, data []byte) error {
	msg, err := ParseMessage(data)
	if err != nil {
		observability.WithError(sess.logger, err).Warn("dropping malformed message")
		return err
	}

	switch msg.Type {
	case TypeOffer:
		return m.handleOffer(ctx, sess, SessionDescription{Type: string(TypeOffer), SDP: msg.SDP})
	case TypeICECandidate:
		return m.handleRemoteCandidate(ctx, sess, *msg.Candidate)
	default:
		return nil
	}
}

func (m *Manager) handleOffer(ctx context.Context, sess *Session, offer SessionDescription) error {
	m.mu.Lock()
	if m.session != sess || sess.state != StateIdle {
		state := sess.state
		m.mu.Unlock()
		sess.logger.Warn("dropping offer outside idle state", slog.String("state", state.String()))
		return nil
	}
	sess.state = StateNegotiating
	peer := sess.peer
	m.mu.Unlock()

	sess.logger.Info("negotiating", slog.Int("offer_bytes", len(offer.SDP)))

	nctx, cancel := context.WithTimeout(ctx, m.negotiateTimeout)
	answer, err := peer.Negotiate(nctx, offer)
	cancel()
	if err != nil && !m.isCurrent(sess) {
		sess.logger.Debug("session closed during negotiation", slog.String("error", err.Error()))
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		observability.WithError(sess.logger, err).Error("negotiation failed")
		_ = sess.send(Message{Type: TypeError, Error: ErrNegotiationFailed.Error()})
		m.teardown(sess, "negotiation failed")
		return err
	}

	if !m.isCurrent(sess) {
		sess.logger.Debug("session closed during negotiation, discarding answer")
		return nil
	}

	if err := sess.sendAnswer(answer.SDP); err != nil {
		observability.WithError(sess.logger, err).Warn("failed to send answer")
		m.teardown(sess, "answer send failed")
		return err
	}
	sess.logger.Info("answer sent")
	return nil
}

// isCurrent reports whether sess still holds the slot and is not closed.
func (m *Manager) isCurrent(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == sess && sess.state != StateClosed
}

func (m *Manager) handleRemoteCandidate(ctx context.Context, sess *Session, c ICECandidate) error {
	m.mu.Lock()
	if m.session != sess || sess.state == StateClosed {
		m.mu.Unlock()
		sess.logger.Debug("ignoring candidate", slog.String("reason", ErrStaleCandidate.Error()))
		return ErrStaleCandidate
	}
	peer := sess.peer
	m.mu.Unlock()

	if c.Candidate == "" {
		sess.logger.Debug("remote candidate gathering complete")
		return nil
	}

	if err := peer.AddRemoteCandidate(ctx, c); err != nil {
		observability.WithError(sess.logger, err).Warn("failed to add remote candidate")
		return nil
	}
	return nil
}

// forwardCandidate sends a locally gathered candidate while the session
// still holds its client.
func (m *Manager) forwardCandidate(sess *Session, c ICECandidate) {
	m.mu.Lock()
	current := m.session == sess
	m.mu.Unlock()
	if !current {
		return
	}

	if err := sess.sendCandidate(c); err != nil {
		observability.WithError(sess.logger, err).Debug("failed to forward local candidate")
	}
}

func (m *Manager) handlePeerState(sess *Session, ps PeerState) {
	sess.logger.Debug("peer state changed", slog.String("peer_state", ps.String()))

	switch ps {
	case PeerConnected:
		m.mu.Lock()
		if m.session == sess && sess.state == StateNegotiating {
			sess.state = StateConnected
			m.mu.Unlock()
			sess.logger.Info("peer connected")
			return
		}
		m.mu.Unlock()
	case PeerFailed, PeerClosed:
		m.teardown(sess, "peer "+ps.String())
	}
}

// Disconnect tears down sess after its client socket closed or errored.
func (m *Manager) Disconnect(sess *Session) {
	m.teardown(sess, "client disconnected")
}

// teardown detaches sess from the slot, then releases its peer and client
// outside the lock since peer callbacks re-enter the manager.
func (m *Manager) teardown(sess *Session, reason string) {
	m.mu.Lock()
	if m.session != sess || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	sess.state = StateClosed
	m.session = nil
	m.mu.Unlock()

	if err := sess.peer.Close(); err != nil {
		observability.WithError(sess.logger, err).Debug("closing peer connection")
	}
	_ = sess.conn.Close()

	sess.logger.Info("session closed",
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(sess.createdAt)),
	)
}

// Close tears down the active session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess != nil {
		m.teardown(sess, "shutdown")
	}
}

// IsReady reports whether a session is connected and accepting frames.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.state == StateConnected
}

// DeliverFrame hands frame to the connected peer. It does nothing unless
// IsReady is true at call time; frames are never queued.
func (m *Manager) DeliverFrame(frame segmenter.Frame) {
	m.mu.Lock()
	if m.session == nil || m.session.state != StateConnected {
		m.mu.Unlock()
		m.framesDropped.Add(1)
		return
	}
	peer := m.session.peer
	m.mu.Unlock()

	peer.FeedFrame(frame)
	m.framesDelivered.Add(1)
}

// State returns the active session's state, or StateClosed when the slot
// is empty.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateClosed
	}
	return m.session.state
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: StateClosed}
	if m.session != nil {
		st.State = m.session.state
		st.SessionID = m.session.id
		st.CreatedAt = m.session.createdAt
	}
	m.mu.Unlock()

	st.Sessions = m.sessions.Load()
	st.Rejected = m.rejected.Load()
	st.FramesDelivered = m.framesDelivered.Load()
	st.FramesDropped = m.framesDropped.Load()
	return st
}
