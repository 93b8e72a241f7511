package emit

import (
	"sync"
	"time"
)

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// workflow instance id.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by instance id with optional filtering
//   - Filter by node id, event type, time range
//   - Clear per instance or wholesale
//
// Use cases:
//   - Development and debugging
//   - Tests asserting on lifecycle sequences
//   - Post-execution analysis
//
// Warning: all events stay in memory. Production deployments with high
// event volume should clear terminal instances or use a persistent sink.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[int64][]Event
}

// HistoryFilter selects events in History queries. All set fields must
// match (AND logic); zero values mean no filter.
type HistoryFilter struct {
	NodeID string
	Type   string
	After  *time.Time // events with Timestamp >= After
	Before *time.Time // events with Timestamp <= Before
}

// NewBufferedEmitter creates an empty in-memory event buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[int64][]Event)}
}

// Emit appends the event to its instance's history. Events without an
// instance id are kept under key 0.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowInstanceID] = append(b.events[event.WorkflowInstanceID], event)
}

// History returns all events for an instance in emission order. The
// returned slice is a copy; never nil.
func (b *BufferedEmitter) History(instanceID int64) []Event {
	return b.HistoryWithFilter(instanceID, HistoryFilter{})
}

// HistoryWithFilter returns the instance's events matching the filter, in
// emission order. Never nil.
func (b *BufferedEmitter) HistoryWithFilter(instanceID int64, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[instanceID]
	result := []Event{}
	for _, event := range events {
		if matchesHistory(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesHistory(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.After != nil && event.Timestamp.Before(*filter.After) {
		return false
	}
	if filter.Before != nil && event.Timestamp.After(*filter.Before) {
		return false
	}
	return true
}

// Clear removes stored events. instanceID 0 clears everything.
func (b *BufferedEmitter) Clear(instanceID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceID == 0 {
		b.events = make(map[int64][]Event)
	} else {
		delete(b.events, instanceID)
	}
}

var _ Emitter = (*BufferedEmitter)(nil)
