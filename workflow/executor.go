package workflow

import (
	"context"
	"time"

	"github.com/stratix/stratix-go/workflow/store"
)

// ExecutionContext is everything an executor sees for one node run. The
// instance is read-mostly: executors communicate results through the
// ExecutionResult, never by writing instance fields.
type ExecutionContext struct {
	// Instance is the workflow instance being advanced.
	Instance *store.Instance

	// NodeInstance is the persisted record of this node run.
	NodeInstance *store.NodeInstance

	// Node is the definition-level node being executed.
	Node *store.NodeDefinition

	// PreviousOutput holds the output of the most recently completed
	// dependency, when there is exactly one. Nil otherwise.
	PreviousOutput map[string]any

	// Config is the node's inputData after template resolution against
	// the context bag.
	Config map[string]any

	// Progress reports intermediate progress (0-100) with an optional
	// message. May be nil; executors must check.
	Progress func(percent int, message string)
}

// ExecutionResult is the executor's verdict on one node run. Duration is
// measured by the engine, not the executor.
type ExecutionResult struct {
	Success      bool
	Data         map[string]any
	Error        string
	ErrorDetails map[string]any

	// ShouldRetry overrides the engine's retryability classification
	// when non-nil.
	ShouldRetry *bool

	// RetryDelay overrides the engine's backoff for the next attempt
	// when positive.
	RetryDelay time.Duration

	// Logs are appended to the instance's execution log.
	Logs []string
}

// Executor is the unit-of-work contract. Implementations register with a
// Registry under their Name and are dispatched by simple/task nodes (and
// as the per-iteration body of loop and parallel nodes).
type Executor interface {
	Name() string
	Description() string
	Version() string

	// Execute performs the work. Cancellation and engine timeouts
	// arrive via ctx; executors that cannot abort run to completion and
	// have their result discarded.
	Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error)
}

// Optional executor capabilities, discovered with type assertions.

// ConfigSchemer exposes a JSON Schema describing valid node inputData for
// this executor. Checked at definition creation.
type ConfigSchemer interface {
	ConfigSchema() map[string]any
}

// ConfigValidator validates a resolved config before execution.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// HealthChecker reports whether the executor's downstream dependency is
// reachable. Surfaced through the control API.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Initializer runs once when the executor is registered with an engine.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Destroyer runs once at engine shutdown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Pausable executors can suspend in-flight work. The engine uses Pause as
// the cancellation hook for executors that support it.
type Pausable interface {
	CanPause() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// IdempotentExecutor marks executors whose work can safely restart from
// scratch. Recovery leaves their interrupted node instances pending
// instead of failing them.
type IdempotentExecutor interface {
	Idempotent() bool
}

// Hooks receive lifecycle notifications around execution. OnStart runs
// before Execute, OnSuccess after a successful result.
type Hooks interface {
	OnStart(ctx context.Context, ec *ExecutionContext)
	OnSuccess(ctx context.Context, ec *ExecutionContext, result *ExecutionResult)
}

// isIdempotent reports the executor's restart safety; false by default.
func isIdempotent(e Executor) bool {
	if ie, ok := e.(IdempotentExecutor); ok {
		return ie.Idempotent()
	}
	return false
}
