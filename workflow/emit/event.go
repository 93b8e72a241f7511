package emit

import "time"

// Event is one lifecycle record published on the bus.
//
// Events decouple the engine from observability sinks: log writers,
// metrics, buffered history, tracing. The bus is not a durability
// mechanism — anything that must survive a crash goes through the store,
// never through an Event.
type Event struct {
	// Type is one of the Event* constants below.
	Type string

	// WorkflowInstanceID identifies the instance the event belongs to.
	// Zero for platform-level events (schedule fired, lock cleanup).
	WorkflowInstanceID int64

	// NodeInstanceID identifies the node instance, when node-scoped.
	NodeInstanceID int64

	// NodeID is the definition-level node identifier, when node-scoped.
	NodeID string

	// Timestamp is when the event was published.
	Timestamp time.Time

	// Payload carries additional structured data. Common keys:
	//   - "status": new instance status
	//   - "error": error message
	//   - "retryCount": attempt number for node:retrying
	//   - "duration_ms": node execution duration
	Payload map[string]any
}

// Workflow lifecycle event types.
const (
	EventWorkflowCreated     = "workflow:created"
	EventWorkflowStarted     = "workflow:started"
	EventWorkflowCompleted   = "workflow:completed"
	EventWorkflowFailed      = "workflow:failed"
	EventWorkflowCancelled   = "workflow:cancelled"
	EventWorkflowPaused      = "workflow:paused"
	EventWorkflowResumed     = "workflow:resumed"
	EventWorkflowInterrupted = "workflow:interrupted"
	EventWorkflowRecovered   = "workflow:recovered"
)

// Node lifecycle event types.
const (
	EventNodeStarted   = "node:started"
	EventNodeCompleted = "node:completed"
	EventNodeFailed    = "node:failed"
	EventNodeRetrying  = "node:retrying"
	EventNodeSkipped   = "node:skipped"
)

// Platform event types.
const (
	EventScheduleFired = "schedule:fired"
	EventLockReleased  = "lock:released"
)
