package emit

import (
	"testing"
	"time"
)

func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{Type: EventNodeStarted, WorkflowInstanceID: 1, NodeID: "a", Timestamp: time.Now()})
	emitter.Emit(Event{Type: EventNodeCompleted, WorkflowInstanceID: 1, NodeID: "a", Timestamp: time.Now()})
	emitter.Emit(Event{Type: EventNodeStarted, WorkflowInstanceID: 2, NodeID: "b", Timestamp: time.Now()})

	if got := emitter.History(1); len(got) != 2 {
		t.Errorf("instance 1 history = %d events, want 2", len(got))
	}
	if got := emitter.History(2); len(got) != 1 {
		t.Errorf("instance 2 history = %d events, want 1", len(got))
	}
	if got := emitter.History(99); got == nil || len(got) != 0 {
		t.Errorf("unknown instance should return empty slice, got %v", got)
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	emitter := NewBufferedEmitter()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	emitter.Emit(Event{Type: EventNodeStarted, WorkflowInstanceID: 1, NodeID: "a", Timestamp: t0})
	emitter.Emit(Event{Type: EventNodeFailed, WorkflowInstanceID: 1, NodeID: "a", Timestamp: t0.Add(time.Minute)})
	emitter.Emit(Event{Type: EventNodeStarted, WorkflowInstanceID: 1, NodeID: "b", Timestamp: t0.Add(2 * time.Minute)})

	t.Run("ByNode", func(t *testing.T) {
		got := emitter.HistoryWithFilter(1, HistoryFilter{NodeID: "a"})
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
	})

	t.Run("ByType", func(t *testing.T) {
		got := emitter.HistoryWithFilter(1, HistoryFilter{Type: EventNodeFailed})
		if len(got) != 1 || got[0].NodeID != "a" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("ByTimeRange", func(t *testing.T) {
		after := t0.Add(30 * time.Second)
		before := t0.Add(90 * time.Second)
		got := emitter.HistoryWithFilter(1, HistoryFilter{After: &after, Before: &before})
		if len(got) != 1 || got[0].Type != EventNodeFailed {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Combined", func(t *testing.T) {
		got := emitter.HistoryWithFilter(1, HistoryFilter{NodeID: "b", Type: EventNodeFailed})
		if len(got) != 0 {
			t.Errorf("got %v, want none", got)
		}
	})
}

func TestBufferedEmitterClear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{Type: EventNodeStarted, WorkflowInstanceID: 1})
	emitter.Emit(Event{Type: EventNodeStarted, WorkflowInstanceID: 2})

	emitter.Clear(1)
	if len(emitter.History(1)) != 0 {
		t.Error("instance 1 not cleared")
	}
	if len(emitter.History(2)) != 1 {
		t.Error("instance 2 should survive")
	}

	emitter.Clear(0)
	if len(emitter.History(2)) != 0 {
		t.Error("Clear(0) should remove everything")
	}
}
