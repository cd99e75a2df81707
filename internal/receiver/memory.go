package receiver

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Subscriber and Publisher, used when no Redis
// is configured and in tests.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch   chan *File
	quit chan struct{}
	once sync.Once
	stop func()
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.quit) })
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memorySub]struct{})}
}

// Subscribe starts consuming topic.
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string, handler MessageHandler, key KeyFunc) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{ch: make(chan *File, 64), quit: make(chan struct{})}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][sub] = struct{}{}

	s := consume(ctx, sub.ch, handler, key, func() { m.remove(topic, sub) })
	sub.stop = s.cancel
	return s, nil
}

func (m *MemoryBroker) remove(topic string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.topics[topic], sub)
	if len(m.topics[topic]) == 0 {
		delete(m.topics, topic)
	}
	sub.close()
}

// Publish delivers f to every current subscriber of topic. It blocks while
// a subscriber's buffer is full.
func (m *MemoryBroker) Publish(ctx context.Context, topic string, f *File) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.topics[topic]))
	for s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- f:
		case <-s.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of subscriptions on topic.
func (m *MemoryBroker) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Close ends all subscriptions.
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	m.closed = true
	var subs []*memorySub
	for _, set := range m.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}
