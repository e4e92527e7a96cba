package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/signaling"
	"github.com/monorkin/equipment-inventory/internal/transport"
)

const SIGNAL_TIMEOUT = 5 * time.Second

type SessionState int

const (
	StateNegotiating SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// sessionEvents is how a session reports back to whoever owns it.
type sessionEvents interface {
	signal(ctx context.Context, msg signaling.Message) error
	sessionOpened(session *Session)
	sessionClosed(session *Session, reason error)
	sessionMessage(session *Session, msg Message)
}

type SessionInfo struct {
	ID        string       `json:"id"`
	RemoteID  string       `json:"remoteId"`
	State     SessionState `json:"state"`
	Initiator bool         `json:"initiator"`
	OpenedAt  *time.Time   `json:"openedAt,omitempty"`
}

// Session is one negotiated channel to one remote peer. It moves from
// negotiating to open to closed and never back.
type Session struct {
	id        string
	initiator bool
	conn      transport.Conn
	events    sessionEvents
	logger    *zap.Logger

	mu       sync.Mutex
	state    SessionState
	remoteID string
	answered bool
	openedAt time.Time
	timer    *time.Timer
}

func newSession(id, remoteID string, initiator bool, t transport.Transport, events sessionEvents, timeout time.Duration, logger *zap.Logger) (*Session, error) {
	s := &Session{
		id:        id,
		initiator: initiator,
		remoteID:  remoteID,
		events:    events,
		logger:    logger.With(zap.String("session", id), zap.Bool("initiator", initiator)),
	}

	conn, err := t.NewConn(transport.Handlers{
		OnCandidate: s.onCandidate,
		OnOpen:      s.onOpen,
		OnMessage:   s.onMessage,
		OnClose:     s.onClose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer channel: %w", err)
	}
	s.conn = conn

	if timeout > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(timeout, s.expire)
		s.mu.Unlock()
	}

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Initiator() bool {
	return s.initiator
}

func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:        s.id,
		RemoteID:  s.remoteID,
		State:     s.state,
		Initiator: s.initiator,
	}
	if !s.openedAt.IsZero() {
		openedAt := s.openedAt
		info.OpenedAt = &openedAt
	}
	return info
}

func (s *Session) wasOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.openedAt.IsZero()
}

// adopt binds the session to the first peer that answers it. Messages
// from any other peer are refused afterwards.
func (s *Session) adopt(from string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remoteID == "" {
		s.remoteID = from
	}
	return s.remoteID == from
}

func (s *Session) offer(ctx context.Context) error {
	description, err := s.conn.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	return s.events.signal(ctx, signaling.Message{
		Type:    signaling.TypeOffer,
		To:      s.RemoteID(),
		Session: s.id,
		SDP:     &description,
	})
}

func (s *Session) answer(ctx context.Context, offer transport.SessionDescription) error {
	description, err := s.conn.CreateAnswer(ctx, offer)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	return s.events.signal(ctx, signaling.Message{
		Type:    signaling.TypeAnswer,
		To:      s.RemoteID(),
		Session: s.id,
		SDP:     &description,
	})
}

// applyAnswer accepts the first answer only; duplicates delivered over a
// second signaling path are dropped.
func (s *Session) applyAnswer(ctx context.Context, from string, answer transport.SessionDescription) error {
	if !s.initiator || !s.adopt(from) {
		return nil
	}

	s.mu.Lock()
	if s.answered || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.answered = true
	s.mu.Unlock()

	return s.conn.SetAnswer(ctx, answer)
}

func (s *Session) addCandidate(from string, candidate transport.Candidate) error {
	if !s.adopt(from) || s.State() == StateClosed {
		return nil
	}
	return s.conn.AddCandidate(candidate)
}

// Send fails with ErrChannelNotOpen unless the session is open.
func (s *Session) Send(msg Message) error {
	if s.State() != StateOpen {
		return ErrChannelNotOpen
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	if err := s.conn.Send(data); err != nil {
		if errors.Is(err, transport.ErrNotOpen) || errors.Is(err, transport.ErrClosed) {
			return ErrChannelNotOpen
		}
		return err
	}
	return nil
}

// Close is idempotent.
func (s *Session) Close() error {
	s.finish(nil)
	return s.conn.Close()
}

func (s *Session) onCandidate(candidate transport.Candidate) {
	ctx, cancel := context.WithTimeout(context.Background(), SIGNAL_TIMEOUT)
	defer cancel()

	err := s.events.signal(ctx, signaling.Message{
		Type:      signaling.TypeICECandidate,
		To:        s.RemoteID(),
		Session:   s.id,
		Candidate: &candidate,
	})
	if err != nil {
		s.logger.Warn("Failed to signal candidate", zap.Error(err))
	}
}

func (s *Session) onOpen() {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	s.openedAt = time.Now()
	if s.timer != nil {
		s.timer.Stop()
	}
	remoteID := s.remoteID
	s.mu.Unlock()

	s.logger.Info("Peer channel open", zap.String("peer", remoteID))
	s.events.sessionOpened(s)
}

func (s *Session) onMessage(data []byte) {
	if s.State() != StateOpen {
		s.logger.Debug("Dropping message outside open state")
		return
	}

	msg, err := decodeMessage(data)
	if err != nil {
		s.logger.Warn("Dropping malformed peer message", zap.Error(err))
		return
	}
	s.events.sessionMessage(s, msg)
}

func (s *Session) onClose(reason error) {
	s.finish(reason)
}

func (s *Session) expire() {
	if s.State() != StateNegotiating {
		return
	}
	if s.finish(ErrNegotiationTimeout) {
		s.logger.Warn("Peer negotiation timed out")
		_ = s.conn.Close()
	}
}

// finish moves the session to closed and reports it once.
func (s *Session) finish(reason error) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Debug("Peer session closed", zap.NamedError("reason", reason))
	s.events.sessionClosed(s, reason)
	return true
}
