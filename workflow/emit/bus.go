package emit

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// DefaultListenerLimit caps the total number of live subscriptions on one
// Bus. The cap exists to surface subscription leaks early; long-lived
// services that forget to unsubscribe per-instance listeners would
// otherwise grow without bound.
const DefaultListenerLimit = 1000

// Handler consumes events delivered by the bus. Handlers run on the
// publishing goroutine; slow work belongs on the handler's own goroutine.
type Handler func(Event)

// Subscription is the removal handle returned by Subscribe.
type Subscription struct {
	id    int64
	key   string
	scope int64 // instance id for scoped subscriptions, 0 otherwise
}

// Bus is the single-process publish/subscribe channel for lifecycle
// events. Subscribers register by event type, or by instance-scoped key
// "<instanceID>:<type>"; Publish delivers to both channels.
//
// The bus carries no durability guarantees: a subscriber added after an
// event was published never sees it, and delivery stops at process exit.
type Bus struct {
	mu       sync.RWMutex
	nextID   int64
	limit    int
	count    int
	handlers map[string]map[int64]Handler
}

// NewBus creates a Bus. limit <= 0 selects DefaultListenerLimit.
func NewBus(limit int) *Bus {
	if limit <= 0 {
		limit = DefaultListenerLimit
	}
	return &Bus{
		limit:    limit,
		handlers: make(map[string]map[int64]Handler),
	}
}

func scopedKey(instanceID int64, eventType string) string {
	return strconv.FormatInt(instanceID, 10) + ":" + eventType
}

func (b *Bus) subscribe(key string, scope int64, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.limit {
		return Subscription{}, fmt.Errorf("listener limit %d reached", b.limit)
	}
	b.nextID++
	if b.handlers[key] == nil {
		b.handlers[key] = make(map[int64]Handler)
	}
	b.handlers[key][b.nextID] = h
	b.count++
	return Subscription{id: b.nextID, key: key, scope: scope}, nil
}

// Subscribe registers a handler for every event of the given type.
func (b *Bus) Subscribe(eventType string, h Handler) (Subscription, error) {
	return b.subscribe(eventType, 0, h)
}

// SubscribeInstance registers a handler for events of the given type
// belonging to one workflow instance.
func (b *Bus) SubscribeInstance(instanceID int64, eventType string, h Handler) (Subscription, error) {
	return b.subscribe(scopedKey(instanceID, eventType), instanceID, h)
}

// Unsubscribe removes one subscription. Removing an already-removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hs, ok := b.handlers[sub.key]; ok {
		if _, ok := hs[sub.id]; ok {
			delete(hs, sub.id)
			b.count--
			if len(hs) == 0 {
				delete(b.handlers, sub.key)
			}
		}
	}
}

// UnsubscribeInstance removes every scoped subscription for an instance.
// Engines call this when an instance reaches a terminal status.
func (b *Bus) UnsubscribeInstance(instanceID int64) {
	prefix := strconv.FormatInt(instanceID, 10) + ":"
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, hs := range b.handlers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			b.count -= len(hs)
			delete(b.handlers, key)
		}
	}
}

// ListenerCount returns the number of live subscriptions.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Publish delivers the event to the type channel and, when the event is
// instance-scoped, to the "<instanceID>:<type>" channel. A zero Timestamp
// is filled in. Handlers run synchronously on the caller's goroutine.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var targets []Handler
	for _, h := range b.handlers[event.Type] {
		targets = append(targets, h)
	}
	if event.WorkflowInstanceID != 0 {
		for _, h := range b.handlers[scopedKey(event.WorkflowInstanceID, event.Type)] {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(event)
	}
}

// Emit implements Emitter, so a Bus can sit behind anything that takes a
// sink.
func (b *Bus) Emit(event Event) { b.Publish(event) }

var _ Emitter = (*Bus)(nil)
