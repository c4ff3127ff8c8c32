// Package broadcast fans job progress and tile updates out to connected
// clients. Each subscriber gets its own buffered channel; events are
// delivered in publish order and dropped, never reordered or blocked on,
// when a subscriber cannot keep up.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// Config configures the broadcaster.
type Config struct {
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `json:"subscriber_buffer"`

	// OnDrop, when set, is invoked once per dropped event. Used to feed the
	// drop counter metric.
	OnDrop func() `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{SubscriberBuffer: 64}
}

// Subscription is a live event feed for one client.
type Subscription struct {
	ID     string
	Events <-chan types.Event

	ch      chan types.Event
	dropped atomic.Int64
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Broadcaster delivers events to all current subscribers. Events published
// before a client subscribes are not replayed.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	onDrop  func()
	dropped atomic.Int64
	logger  *zap.Logger
}

// New creates a broadcaster.
func New(cfg Config, logger *zap.Logger) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: cfg.SubscriberBuffer,
		onDrop: cfg.OnDrop,
		logger: logger.With(zap.String("component", "broadcast")),
	}
}

// Subscribe registers a new client feed.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan types.Event, b.buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Events: ch,
		ch:     ch,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", zap.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a client feed and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.logger.Debug("subscriber removed",
			zap.String("subscriber_id", id),
			zap.Int64("dropped", sub.Dropped()),
		)
	}
}

// Publish delivers an event to every subscriber. Slow subscribers have the
// event dropped rather than stalling the publisher; delivered events keep
// publish order because this method is the only writer to each channel and
// holds the lock while fanning out.
func (b *Broadcaster) Publish(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total events dropped across all subscribers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close removes all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
