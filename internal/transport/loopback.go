package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	LOOPBACK_SCHEME     = "loopback:"
	LOOPBACK_INBOX_SIZE = 256
)

// Loopback links conns created from the same instance in memory. The
// answering side emits a single candidate naming the offer; applying it on
// the offering side opens both ends.
type Loopback struct {
	mu      sync.Mutex
	offers  map[string]*loopConn
	answers map[string]*loopConn
}

func NewLoopback() *Loopback {
	return &Loopback{
		offers:  make(map[string]*loopConn),
		answers: make(map[string]*loopConn),
	}
}

func (l *Loopback) NewConn(handlers Handlers) (Conn, error) {
	return &loopConn{
		network: l,
		life:    lifecycle{handlers: handlers},
		inbox:   make(chan []byte, LOOPBACK_INBOX_SIZE),
		done:    make(chan struct{}),
	}, nil
}

func (l *Loopback) forget(token string, conn *loopConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offers[token] == conn {
		delete(l.offers, token)
	}
	if l.answers[token] == conn {
		delete(l.answers, token)
	}
}

type loopConn struct {
	network *Loopback
	life    lifecycle

	mu    sync.Mutex
	token string
	peer  *loopConn

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *loopConn) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if c.life.isClosed() {
		return SessionDescription{}, ErrClosed
	}

	token := uuid.NewString()

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.network.mu.Lock()
	c.network.offers[token] = c
	c.network.mu.Unlock()

	return SessionDescription{Type: DescriptionOffer, SDP: LOOPBACK_SCHEME + token}, nil
}

func (c *loopConn) CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if c.life.isClosed() {
		return SessionDescription{}, ErrClosed
	}

	token, err := parseLoopback(offer.SDP)
	if err != nil {
		return SessionDescription{}, err
	}

	c.network.mu.Lock()
	if _, ok := c.network.offers[token]; !ok {
		c.network.mu.Unlock()
		return SessionDescription{}, fmt.Errorf("offer %s: %w", token, ErrUnknownSession)
	}
	c.network.answers[token] = c
	c.network.mu.Unlock()

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	go c.life.candidate(Candidate{Candidate: LOOPBACK_SCHEME + token})

	return SessionDescription{Type: DescriptionAnswer, SDP: LOOPBACK_SCHEME + token}, nil
}

func (c *loopConn) SetAnswer(ctx context.Context, answer SessionDescription) error {
	token, err := parseLoopback(answer.SDP)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token {
		return fmt.Errorf("answer %s does not match offer %s: %w", token, c.token, ErrUnknownSession)
	}
	return nil
}

func (c *loopConn) AddCandidate(candidate Candidate) error {
	token, err := parseLoopback(candidate.Candidate)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.peer != nil || token != c.token {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.network.mu.Lock()
	if c.network.offers[token] != c {
		// the answering side has nothing to dial
		c.network.mu.Unlock()
		return nil
	}
	peer := c.network.answers[token]
	delete(c.network.offers, token)
	delete(c.network.answers, token)
	c.network.mu.Unlock()

	if peer == nil {
		return fmt.Errorf("candidate %s: %w", token, ErrUnknownSession)
	}

	link(c, peer)
	return nil
}

func link(a, b *loopConn) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()

	a.life.open()
	b.life.open()

	go a.pump()
	go b.pump()
}

func (c *loopConn) pump() {
	for {
		select {
		case data := <-c.inbox:
			c.life.message(data)
		case <-c.done:
			return
		}
	}
}

func (c *loopConn) Send(data []byte) error {
	if !c.life.isOpen() {
		return ErrNotOpen
	}

	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case peer.inbox <- buf:
		return nil
	case <-peer.done:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

func (c *loopConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *loopConn) shutdown(reason error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
	})
	if !first {
		return
	}

	c.mu.Lock()
	token := c.token
	peer := c.peer
	c.mu.Unlock()

	c.network.forget(token, c)
	c.life.close(reason)

	if peer != nil {
		peer.shutdown(ErrClosed)
	}
}

func parseLoopback(value string) (string, error) {
	if !strings.HasPrefix(value, LOOPBACK_SCHEME) {
		return "", fmt.Errorf("not a loopback description: %q", value)
	}
	return strings.TrimPrefix(value, LOOPBACK_SCHEME), nil
}
