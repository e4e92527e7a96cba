package signaling

import (
	"context"
	"errors"
	"sync"
)

const HUB_QUEUE_SIZE = 128

var ErrBusClosed = errors.New("signaling bus closed")

// Hub is an in-process signaling group. Each member gets its own ordered
// delivery goroutine.
type Hub struct {
	mu      sync.RWMutex
	members map[*HubBus]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*HubBus]struct{})}
}

func (h *Hub) Join() *HubBus {
	bus := &HubBus{
		hub:   h,
		queue: make(chan Message, HUB_QUEUE_SIZE),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.members[bus] = struct{}{}
	h.mu.Unlock()

	go bus.run()
	return bus
}

func (h *Hub) others(self *HubBus) []*HubBus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	others := make([]*HubBus, 0, len(h.members))
	for member := range h.members {
		if member != self {
			others = append(others, member)
		}
	}
	return others
}

func (h *Hub) leave(bus *HubBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, bus)
}

type HubBus struct {
	hub       *Hub
	subs      subscribers
	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (b *HubBus) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	for _, member := range b.hub.others(b) {
		select {
		case member.queue <- msg:
		case <-member.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *HubBus) Subscribe(handler Handler) func() {
	return b.subs.add(handler)
}

func (b *HubBus) Close() error {
	b.closeOnce.Do(func() {
		b.hub.leave(b)
		close(b.done)
	})
	return nil
}

func (b *HubBus) run() {
	for {
		select {
		case msg := <-b.queue:
			b.subs.dispatch(msg)
		case <-b.done:
			return
		}
	}
}
