package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	SIGNAL_PATH        = "/signal"
	RELAY_ORIGIN       = "http://localhost/"
	RELAY_DIAL_TIMEOUT = 5 * time.Second
)

type relayPeer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (p *relayPeer) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return websocket.JSON.Send(p.ws, msg)
}

// Relay extends a signaling group to remote hosts. Remote clients connect to
// SIGNAL_PATH; whatever one of them sends reaches the other clients and the
// local subscribers, and local publishes reach every client.
type Relay struct {
	mu     sync.Mutex
	peers  map[*relayPeer]struct{}
	closed bool
	subs   subscribers
	logger *zap.Logger
}

func NewRelay(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		peers:  make(map[*relayPeer]struct{}),
		logger: logger,
	}
}

func (r *Relay) Handler() websocket.Handler {
	return func(ws *websocket.Conn) {
		peer := &relayPeer{ws: ws}
		if !r.add(peer) {
			return
		}
		defer r.remove(peer)

		remote := ws.Request().RemoteAddr
		r.logger.Debug("Relay client connected", zap.String("remote", remote))

		for {
			var msg Message
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				if !errors.Is(err, io.EOF) {
					r.logger.Debug("Relay client dropped", zap.String("remote", remote), zap.Error(err))
				}
				return
			}

			if err := msg.Validate(); err != nil {
				r.logger.Debug("Dropped invalid relay message", zap.String("remote", remote), zap.Error(err))
				continue
			}

			r.forward(msg, peer)
			r.subs.dispatch(msg)
		}
	}
}

func (r *Relay) add(peer *relayPeer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.peers[peer] = struct{}{}
	return true
}

func (r *Relay) remove(peer *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peer)
}

func (r *Relay) forward(msg Message, except *relayPeer) {
	r.mu.Lock()
	peers := make([]*relayPeer, 0, len(r.peers))
	for peer := range r.peers {
		if peer != except {
			peers = append(peers, peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range peers {
		if err := peer.send(msg); err != nil {
			r.logger.Debug("Failed to relay message", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Relay) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.forward(msg, nil)
	return nil
}

func (r *Relay) Subscribe(handler Handler) func() {
	return r.subs.add(handler)
}

func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	peers := r.peers
	r.peers = make(map[*relayPeer]struct{})
	r.mu.Unlock()

	for peer := range peers {
		peer.ws.Close()
	}
	return nil
}

// RelayClient joins a remote host's signaling group.
type RelayClient struct {
	peer      *relayPeer
	subs      subscribers
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// DialRelay connects to the relay at address, which is either host:port or a
// full ws:// URL.
func DialRelay(ctx context.Context, address string, logger *zap.Logger) (*RelayClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	target := RelayURL(address)
	config, err := websocket.NewConfig(target, RELAY_ORIGIN)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", address, err)
	}

	dialer := &net.Dialer{Timeout: RELAY_DIAL_TIMEOUT}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	config.Dialer = dialer

	ws, err := websocket.DialConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay %s: %w", target, err)
	}

	client := &RelayClient{
		peer:   &relayPeer{ws: ws},
		logger: logger,
		done:   make(chan struct{}),
	}
	go client.readLoop()

	logger.Debug("Connected to relay", zap.String("url", target))
	return client, nil
}

func RelayURL(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		if strings.Count(address, "/") <= 2 {
			return address + SIGNAL_PATH
		}
		return address
	}
	return "ws://" + address + SIGNAL_PATH
}

func (c *RelayClient) readLoop() {
	defer c.Close()

	for {
		var msg Message
		if err := websocket.JSON.Receive(c.peer.ws, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("Relay connection lost", zap.Error(err))
			}
			return
		}

		if err := msg.Validate(); err != nil {
			continue
		}
		c.subs.dispatch(msg)
	}
}

// Done is closed once the relay connection is gone.
func (c *RelayClient) Done() <-chan struct{} {
	return c.done
}

func (c *RelayClient) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrBusClosed
	default:
	}

	return c.peer.send(msg)
}

func (c *RelayClient) Subscribe(handler Handler) func() {
	return c.subs.add(handler)
}

func (c *RelayClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.peer.ws.Close()
	})
	return nil
}
