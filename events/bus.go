package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds each subscriber queue when no size is given.
const DefaultQueueSize = 256

// Bus is an in-process, topic-partitioned event bus. Every subscriber
// has a bounded queue; when a queue is full the oldest event is dropped
// so a slow subscriber can never stall a publisher.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	dropped   atomic.Int64
	closed    bool
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	pattern string
	ch      chan Envelope

	// guards the evict-then-send sequence so concurrent publishers
	// cannot overfill the queue
	mu sync.Mutex
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the bus closes.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// NewBus creates a bus with the given per-subscriber queue size.
// Sizes below 1 fall back to DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers interest in topics matching pattern. Patterns use
// NATS token syntax: "*" matches one token, ">" matches the rest.
func (b *Bus) Subscribe(pattern string) *Subscription {
	sub := &Subscription{
		pattern: pattern,
		ch:      make(chan Envelope, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe cancels a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers env to every matching subscriber without blocking.
// On a full queue the oldest queued event is evicted first.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if !MatchTopic(sub.pattern, env.Topic) {
			continue
		}
		sub.mu.Lock()
		select {
		case sub.ch <- env:
		default:
			// Queue full: drop the oldest, then enqueue.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- env:
			default:
				b.dropped.Add(1)
			}
		}
		sub.mu.Unlock()
	}
}

// Dropped returns the total number of events evicted from full queues.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}

// MatchTopic reports whether topic matches a NATS-style pattern.
// "*" matches exactly one token, ">" matches one or more trailing tokens.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(tt)
		}
		if i >= len(tt) {
			return false
		}
		if p != "*" && p != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}
