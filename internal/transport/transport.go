package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotOpen        = errors.New("channel is not open")
	ErrClosed         = errors.New("channel closed")
	ErrUnknownSession = errors.New("unknown channel token")
)

const (
	DescriptionOffer  = "offer"
	DescriptionAnswer = "answer"
)

// SessionDescription is the opaque blob an offer or answer carries through
// signaling.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate tells the remote side one way to reach this end.
type Candidate struct {
	Candidate string `json:"candidate"`
}

// Handlers receive channel events. Each is optional and may be called from
// any goroutine; OnMessage calls arrive in send order.
type Handlers struct {
	OnCandidate func(Candidate)
	OnOpen      func()
	OnMessage   func([]byte)
	OnClose     func(error)
}

// Conn is one end of a point-to-point channel negotiated through an external
// signaling path. It eventually opens or eventually closes.
type Conn interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	SetAnswer(ctx context.Context, answer SessionDescription) error
	AddCandidate(candidate Candidate) error
	Send(data []byte) error
	Close() error
}

type Transport interface {
	NewConn(handlers Handlers) (Conn, error)
}

type connState int

const (
	stateIdle connState = iota
	stateOpen
	stateClosed
)

// lifecycle tracks open/closed and fires the matching handlers exactly once.
type lifecycle struct {
	mu       sync.Mutex
	state    connState
	handlers Handlers
}

func (l *lifecycle) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateOpen
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateClosed
}

func (l *lifecycle) open() bool {
	l.mu.Lock()
	if l.state != stateIdle {
		l.mu.Unlock()
		return false
	}
	l.state = stateOpen
	l.mu.Unlock()

	if l.handlers.OnOpen != nil {
		l.handlers.OnOpen()
	}
	return true
}

func (l *lifecycle) close(reason error) bool {
	l.mu.Lock()
	if l.state == stateClosed {
		l.mu.Unlock()
		return false
	}
	l.state = stateClosed
	l.mu.Unlock()

	if l.handlers.OnClose != nil {
		l.handlers.OnClose(reason)
	}
	return true
}

func (l *lifecycle) candidate(candidate Candidate) {
	if l.handlers.OnCandidate != nil {
		l.handlers.OnCandidate(candidate)
	}
}

func (l *lifecycle) message(data []byte) {
	if l.handlers.OnMessage != nil {
		l.handlers.OnMessage(data)
	}
}
