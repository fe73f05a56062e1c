package push

import (
	"context"
	"errors"
	"sync"
)

// Bus is an in-process Transport/Publisher, used in tests and when the
// server runs without a broker. Subscribers that fall behind lose the
// oldest pending message first; the fallback poller covers the gap.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*busStream]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busStream]struct{})}
}

var errBusClosed = errors.New("bus closed")

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBusClosed
	}
	streams := make([]*busStream, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		streams = append(streams, s)
	}
	b.mu.Unlock()
	for _, s := range streams {
		s.enqueue(payload)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	s := &busStream{bus: b, topic: topic, ch: make(chan []byte, 16)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*busStream]struct{})
	}
	b.subs[topic][s] = struct{}{}
	return s, nil
}

// Close tears down the bus; pending Receive calls return an error.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, streams := range b.subs {
		for s := range streams {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(s.ch)
		}
	}
	b.subs = make(map[string]map[*busStream]struct{})
}

type busStream struct {
	bus    *Bus
	topic  string
	ch     chan []byte
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (s *busStream) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		// drop oldest to make room
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
}

func (s *busStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-s.ch:
		if !ok {
			return nil, errBusClosed
		}
		return payload, nil
	}
}

func (s *busStream) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.subs[s.topic]; ok {
			delete(subs, s)
		}
		s.bus.mu.Unlock()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}
