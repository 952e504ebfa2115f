package invalidation

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriptionClosed is returned by Receive after Close.
var ErrSubscriptionClosed = errors.New("invalidation: subscription closed")

// Subscription delivers raw payloads from one channel.
type Subscription interface {
	// Receive blocks until the next payload, the subscription closes, or the
	// context is cancelled.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Bus is the commit-time publish/subscribe transport carrying invalidation
// messages. Delivery is fire-and-forget: subscribers that are away miss
// messages, which is an accepted staleness window bounded by cache TTLs.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

const memorySubBuffer = 256

// MemoryBus is the in-process Bus used when emitter and listener share one
// process. Slow subscribers drop messages rather than block publishers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers the payload to every current subscriber of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Drop rather than block the write path.
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, memorySubBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs := b.subs[sub.channel]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.ch:
		return payload, nil
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}
