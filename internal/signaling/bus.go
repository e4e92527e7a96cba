package signaling

import (
	"context"
	"errors"
	"sync"
)

type Handler func(Message)

// Bus delivers each published message to every other member of a signaling
// group, never back to the publisher.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(handler Handler) (unsubscribe func())
	Close() error
}

type subscribers struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func (s *subscribers) add(handler Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}

	id := s.next
	s.next++
	s.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
		})
	}
}

func (s *subscribers) dispatch(msg Message) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, handler := range s.handlers {
		handlers = append(handlers, handler)
	}
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// Multi fans a publish out to several buses and subscribes to all of them.
type Multi struct {
	buses []Bus
}

func NewMulti(buses ...Bus) *Multi {
	return &Multi{buses: buses}
}

func (m *Multi) Publish(ctx context.Context, msg Message) error {
	var errs error
	for _, bus := range m.buses {
		if err := bus.Publish(ctx, msg); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (m *Multi) Subscribe(handler Handler) func() {
	unsubscribes := make([]func(), 0, len(m.buses))
	for _, bus := range m.buses {
		unsubscribes = append(unsubscribes, bus.Subscribe(handler))
	}

	return func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}

func (m *Multi) Close() error {
	var errs error
	for _, bus := range m.buses {
		if err := bus.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
