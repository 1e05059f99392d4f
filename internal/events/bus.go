// Package events provides the in-process audit event bus.
//
// Every externally visible action of the pool (epoch start, deposit, redeem,
// draw progress, winner award, state override) is published here. The bus
// keeps a bounded ring of recent events so operators can inspect history
// through the REST API without an external broker.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusUnavailable signals that no bus was wired for the publisher.
var ErrBusUnavailable = errors.New("event bus unavailable")

// Audit topics emitted by the pool.
const (
	TopicEpochStarted        = "pool.epoch.started"
	TopicReserveSupplied     = "pool.reserve.supplied"
	TopicDeposited           = "pool.deposited"
	TopicRedeemed            = "pool.redeemed"
	TopicDrawRequested       = "pool.draw.requested"
	TopicRandomnessRequested = "pool.randomness.requested"
	TopicRandomnessReceived  = "pool.randomness.received"
	TopicWinnerAwarded       = "pool.winner.awarded"
	TopicStateChanged        = "pool.state.changed"
	TopicYieldSupplied       = "yield.supplied"
	TopicYieldRedeemed       = "yield.redeemed"
)

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a bounded in-memory publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	recent   []Event
	capacity int
	nextSub  int
	subs     map[int]Handler
}

// DefaultCapacity bounds the retained event history.
const DefaultCapacity = 1024

// NewBus creates a bus retaining up to capacity recent events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[int]Handler),
	}
}

// Publish records the event and delivers it to all subscribers.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	if b == nil {
		return ErrBusUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.capacity {
		b.recent = b.recent[len(b.recent)-b.capacity:]
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Recent returns up to limit of the most recent events, newest last.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]Event, limit)
	copy(out, b.recent[len(b.recent)-limit:])
	return out
}

// RecentByTopic returns up to limit recent events with the given topic.
func (b *Bus) RecentByTopic(topic string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := len(b.recent) - 1; i >= 0; i-- {
		if b.recent[i].Topic != topic {
			continue
		}
		out = append(out, b.recent[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	// Reverse to newest-last for consistency with Recent.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
