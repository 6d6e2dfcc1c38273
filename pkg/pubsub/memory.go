package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"

	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// ErrClosed is returned by a closed in-process bus.
var ErrClosed = errors.New("pubsub: closed")

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryBroker is an in-process message broker. Several MemoryPubSub handles
// created from the same broker behave like separate clients of one server,
// which is how a cluster is simulated inside a single process.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) publish(channel string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		ev := *event
		select {
		case sub.ch <- &ev:
		default:
			l := pkglog.L()
			l.Warn().Str("channel", channel).Msg("memory pubsub: subscriber buffer full, event dropped")
		}
	}
}

func (b *MemoryBroker) add(sub *memorySubscription) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

func (b *MemoryBroker) remove(sub *memorySubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return false
	}
	delete(b.subs, sub)
	close(sub.ch)
	return true
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, err := path.Match(s.key, channel)
	return err == nil && ok
}

// MemoryPubSub implements PubSub on top of a MemoryBroker.
type MemoryPubSub struct {
	broker *MemoryBroker

	mu     sync.Mutex
	subs   map[string]*memorySubscription
	closed bool
}

// NewMemoryPubSub creates a PubSub with its own private broker.
func NewMemoryPubSub() *MemoryPubSub {
	return NewMemoryPubSubWithBroker(NewMemoryBroker())
}

// NewMemoryPubSubWithBroker creates a PubSub attached to a shared broker.
func NewMemoryPubSubWithBroker(broker *MemoryBroker) *MemoryPubSub {
	return &MemoryPubSub{
		broker: broker,
		subs:   make(map[string]*memorySubscription),
	}
}

// Publish delivers the event to every matching subscription of the broker.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.broker.publish(channel, event)
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if existing, ok := m.subs[key]; ok {
		existing.cancel()
		m.broker.remove(existing)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, 256),
		cancel:  cancel,
	}
	m.subs[key] = sub
	m.broker.add(sub)

	go func() {
		<-subCtx.Done()
		m.broker.remove(sub)
	}()

	return sub.ch, nil
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[channel]; ok {
		delete(m.subs, channel)
		sub.cancel()
		m.broker.remove(sub)
	}
	return nil
}

// Close closes every subscription opened through this handle.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, sub := range m.subs {
		sub.cancel()
		m.broker.remove(sub)
		delete(m.subs, key)
	}
	m.closed = true
	return nil
}
