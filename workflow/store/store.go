// Package store provides the persistence layer for the Stratix workflow
// engine: entity types, the Store interface, and in-memory, SQLite, and
// MySQL implementations.
//
// All coordination between engine replicas happens through rows managed by
// this package — the distributed_locks table for mutual exclusion and the
// last_heartbeat column for liveness. Implementations must therefore keep
// the documented transactional guarantees (lock acquisition is
// delete-then-insert in one transaction, status updates are
// check-then-write in one transaction).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint would be violated
// (duplicate (name, version), duplicate external ID, lock already held).
var ErrConflict = errors.New("conflict")

// ErrInvalidTransition is returned when a status update does not follow the
// instance state machine. The store refuses the write; the row is untouched.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrTerminal is returned when mutating a node instance that already reached
// a terminal status. Terminal node statuses are immutable.
var ErrTerminal = errors.New("node instance is terminal")

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

// Workflow instance statuses.
const (
	StatusPending     InstanceStatus = "pending"
	StatusScheduled   InstanceStatus = "scheduled"
	StatusRunning     InstanceStatus = "running"
	StatusPaused      InstanceStatus = "paused"
	StatusInterrupted InstanceStatus = "interrupted"
	StatusCompleted   InstanceStatus = "completed"
	StatusFailed      InstanceStatus = "failed"
	StatusCancelled   InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// Note that "failed" is not terminal: a failed instance may re-enter
// "running" on retry.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// legalTransitions encodes the instance state machine. Disallowed moves are
// rejected at the application layer before any row is touched.
var legalTransitions = map[InstanceStatus][]InstanceStatus{
	StatusPending:     {StatusRunning, StatusCancelled, StatusScheduled},
	StatusScheduled:   {StatusRunning, StatusCancelled},
	StatusRunning:     {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted},
	StatusPaused:      {StatusRunning, StatusCancelled},
	StatusInterrupted: {StatusRunning, StatusCancelled},
	StatusFailed:      {StatusRunning},
}

// CanTransition reports whether moving an instance from one status to
// another is legal.
func CanTransition(from, to InstanceStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// NodeStatus is the lifecycle status of a node instance.
type NodeStatus string

// Node instance statuses.
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// NodeType identifies the execution strategy of a node definition.
type NodeType string

// Node types understood by the engine.
const (
	NodeSimple     NodeType = "simple"
	NodeTask       NodeType = "task" // alias of simple
	NodeParallel   NodeType = "parallel"
	NodeLoop       NodeType = "loop"
	NodeSubprocess NodeType = "subprocess"
)

// ErrorHandling selects what the engine does when a node exhausts its
// retries (or fails non-retryably).
type ErrorHandling string

// Error handling policies. Empty means Stop.
const (
	ErrorStop     ErrorHandling = "stop"
	ErrorContinue ErrorHandling = "continue"
	ErrorRetry    ErrorHandling = "retry"
)

// JoinType selects how a parallel node joins its branches.
type JoinType string

// Parallel join types. Empty means JoinAll.
const (
	JoinAll  JoinType = "all"
	JoinAny  JoinType = "any"
	JoinNone JoinType = "none"
)

// LockType categorizes a distributed lock row.
type LockType string

// Lock types.
const (
	LockWorkflow LockType = "workflow"
	LockResource LockType = "resource"
	LockMutex    LockType = "mutex"
	LockBusiness LockType = "business"
)

// NodeDefinition is one vertex of a workflow definition graph. It is
// embedded in the definition's persisted JSON body; the engine never relies
// on in-memory cyclic references.
type NodeDefinition struct {
	NodeID         string         `json:"nodeId"`
	NodeType       NodeType       `json:"nodeType"`
	Executor       string         `json:"executor,omitempty"`
	DependsOn      []string       `json:"dependsOn,omitempty"`
	MaxRetries     int            `json:"maxRetries,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	Condition      string         `json:"condition,omitempty"`
	InputData      map[string]any `json:"inputData,omitempty"`
	ErrorHandling  ErrorHandling  `json:"errorHandling,omitempty"`

	// Composite nodes: branches of a parallel node or the body of a loop
	// iteration, executed via the same dispatch recursively.
	Children       []NodeDefinition `json:"children,omitempty"`
	MaxConcurrency int              `json:"maxConcurrency,omitempty"`
	JoinType       JoinType         `json:"joinType,omitempty"`

	// Loop nodes: either a static iteration count or a source expression
	// resolving to an array. ItemVar/IndexVar override the default
	// iteration-scoped variable names ("item", "index").
	LoopCount        int    `json:"loopCount,omitempty"`
	SourceExpression string `json:"sourceExpression,omitempty"`
	ItemVar          string `json:"itemVar,omitempty"`
	IndexVar         string `json:"indexVar,omitempty"`
	ParallelLoop     bool   `json:"parallelLoop,omitempty"`

	// Subprocess nodes.
	SubWorkflowName    string            `json:"subWorkflowName,omitempty"`
	SubWorkflowVersion int               `json:"subWorkflowVersion,omitempty"`
	InputMapping       map[string]string `json:"inputMapping,omitempty"`
	OutputMapping      map[string]string `json:"outputMapping,omitempty"`
	WaitForCompletion  bool              `json:"waitForCompletion,omitempty"`
}

// InputDecl declares a typed workflow input with optional default and
// validation rule.
type InputDecl struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // string, number, boolean, array, object
	Required   bool   `json:"required,omitempty"`
	Default    any    `json:"default,omitempty"`
	Validation string `json:"validation,omitempty"` // expr predicate over "value"
}

// OutputDecl declares a workflow output extracted from the final context.
type OutputDecl struct {
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Source string `json:"source"` // template expression, e.g. "${nodeA.result}"
}

// Definition is an immutable versioned workflow template. New versions are
// new rows; a definition is never mutated in place.
type Definition struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	Version       int              `json:"version"`
	Description   string           `json:"description,omitempty"`
	Nodes         []NodeDefinition `json:"nodes"`
	Inputs        []InputDecl      `json:"inputs,omitempty"`
	Outputs       []OutputDecl     `json:"outputs,omitempty"`
	ErrorHandling ErrorHandling    `json:"errorHandling,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	CreatedBy     string           `json:"createdBy,omitempty"`
}

// Node returns the node definition with the given ID, or nil.
func (d *Definition) Node(nodeID string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].NodeID == nodeID {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Instance is one run of one definition.
type Instance struct {
	ID                   int64          `json:"id"`
	WorkflowDefinitionID int64          `json:"workflowDefinitionId"`
	Name                 string         `json:"name"`
	ExternalID           string         `json:"externalId,omitempty"`
	Status               InstanceStatus `json:"status"`
	InputData            map[string]any `json:"inputData,omitempty"`
	OutputData           map[string]any `json:"outputData,omitempty"`
	ContextData          map[string]any `json:"contextData,omitempty"`
	CurrentNodeID        string         `json:"currentNodeId,omitempty"`
	CheckpointData       map[string]any `json:"checkpointData,omitempty"`
	BusinessKey          string         `json:"businessKey,omitempty"`
	MutexKey             string         `json:"mutexKey,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	RetryCount           int            `json:"retryCount"`
	MaxRetries           int            `json:"maxRetries"`
	ScheduledAt          *time.Time     `json:"scheduledAt,omitempty"`
	StartedAt            *time.Time     `json:"startedAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	InterruptedAt        *time.Time     `json:"interruptedAt,omitempty"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
	ErrorDetails         map[string]any `json:"errorDetails,omitempty"`
	LockOwner            string         `json:"lockOwner,omitempty"`
	LockAcquiredAt       *time.Time     `json:"lockAcquiredAt,omitempty"`
	LastHeartbeat        *time.Time     `json:"lastHeartbeat,omitempty"`
	AssignedEngineID     string         `json:"assignedEngineId,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
	CreatedBy            string         `json:"createdBy,omitempty"`
}

// NodeInstance is one execution of one node within one instance.
type NodeInstance struct {
	ID                   int64          `json:"id"`
	WorkflowInstanceID   int64          `json:"workflowInstanceId"`
	NodeID               string         `json:"nodeId"`
	ParentNodeInstanceID int64          `json:"parentNodeInstanceId,omitempty"`
	NodeType             NodeType       `json:"nodeType"`
	Status               NodeStatus     `json:"status"`
	InputData            map[string]any `json:"inputData,omitempty"`
	OutputData           map[string]any `json:"outputData,omitempty"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
	RetryCount           int            `json:"retryCount"`
	StartedAt            *time.Time     `json:"startedAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
}

// ExecutionLog is an append-only observability record. It is never on the
// decision path.
type ExecutionLog struct {
	ID                 int64          `json:"id"`
	WorkflowInstanceID int64          `json:"workflowInstanceId"`
	NodeInstanceID     int64          `json:"nodeInstanceId,omitempty"`
	Level              string         `json:"level"`
	Message            string         `json:"message"`
	Data               map[string]any `json:"data,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Schedule is a cron-triggered instance factory. Exactly one of
// WorkflowDefinitionID or ExecutorName must be set.
type Schedule struct {
	ID                   int64          `json:"id"`
	Name                 string         `json:"name"`
	WorkflowDefinitionID int64          `json:"workflowDefinitionId,omitempty"`
	ExecutorName         string         `json:"executorName,omitempty"`
	CronExpression       string         `json:"cronExpression"`
	Timezone             string         `json:"timezone,omitempty"`
	Enabled              bool           `json:"enabled"`
	MaxInstances         int            `json:"maxInstances,omitempty"`
	InputData            map[string]any `json:"inputData,omitempty"`
	ContextData          map[string]any `json:"contextData,omitempty"`
	BusinessKey          string         `json:"businessKey,omitempty"`
	MutexKey             string         `json:"mutexKey,omitempty"`
	LastFiredAt          *time.Time     `json:"lastFiredAt,omitempty"`
	NextFireAt           *time.Time     `json:"nextFireAt,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// ScheduleExecutionStatus is the outcome of one schedule firing.
type ScheduleExecutionStatus string

// Schedule execution statuses.
const (
	FireSuccess ScheduleExecutionStatus = "success"
	FireFailed  ScheduleExecutionStatus = "failed"
	FireTimeout ScheduleExecutionStatus = "timeout"
	FireRunning ScheduleExecutionStatus = "running"
)

// ScheduleExecution records one firing of a schedule.
type ScheduleExecution struct {
	ID                 int64                   `json:"id"`
	ScheduleID         int64                   `json:"scheduleId"`
	WorkflowInstanceID int64                   `json:"workflowInstanceId,omitempty"`
	FiredAt            time.Time               `json:"firedAt"`
	Status             ScheduleExecutionStatus `json:"status"`
	Error              string                  `json:"error,omitempty"`
}

// Lock is a row-backed lease. At most one row exists per key; a row is alive
// only while ExpiresAt is in the future.
type Lock struct {
	LockKey    string     `json:"lockKey"`
	Owner      string     `json:"owner"`
	LockType   LockType   `json:"lockType"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	RenewedAt  *time.Time `json:"renewedAt,omitempty"`
	Metadata   string     `json:"metadata,omitempty"`
}

// Engine is the identity and liveness record of an engine replica.
type Engine struct {
	InstanceID      string    `json:"instanceId"`
	Hostname        string    `json:"hostname"`
	Status          string    `json:"status"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ActiveWorkflows int       `json:"activeWorkflows"`
	CPUUsage        float64   `json:"cpuUsage,omitempty"`
	MemoryUsage     float64   `json:"memoryUsage,omitempty"`
}

// InstanceFilter selects workflow instances for ListInstances. Zero values
// mean "no filter". SortBy is whitelisted by implementations; unknown
// columns fall back to id.
type InstanceFilter struct {
	Statuses             []InstanceStatus
	WorkflowDefinitionID int64
	BusinessKey          string
	ExternalID           string
	CreatedBy            string
	CreatedAfter         *time.Time
	CreatedBefore        *time.Time
	SortBy               string
	SortDesc             bool
	Page                 int // 1-based; 0 means 1
	PageSize             int // 0 means 50
}

// BulkStatusLimit is the maximum number of ids accepted by
// BulkUpdateInstanceStatus in a single call.
const BulkStatusLimit = 500

// Definitions provides CRUD over workflow definitions.
type Definitions interface {
	// CreateDefinition persists a new definition and assigns its ID.
	// Returns ErrConflict if (name, version) already exists.
	CreateDefinition(ctx context.Context, def *Definition) error

	// GetDefinition loads a definition by ID.
	GetDefinition(ctx context.Context, id int64) (*Definition, error)

	// GetDefinitionByName loads a definition by name and version.
	// Version 0 selects the highest version.
	GetDefinitionByName(ctx context.Context, name string, version int) (*Definition, error)

	// ListDefinitions lists definitions, optionally restricted to a name.
	ListDefinitions(ctx context.Context, name string) ([]*Definition, error)
}

// Instances provides transactional operations over workflow instances.
type Instances interface {
	// CreateInstance persists a new instance and assigns its ID.
	// Returns ErrConflict if ExternalID is set and already exists.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance loads an instance by ID.
	GetInstance(ctx context.Context, id int64) (*Instance, error)

	// UpdateInstanceStatus transitions an instance to a new status,
	// refusing moves the state machine disallows (ErrInvalidTransition)
	// and any mutation of a terminal instance. The optional mutate
	// callback adjusts further fields inside the same transaction.
	// Timestamps are maintained automatically: StartedAt on the first
	// move to running, CompletedAt on terminal statuses and failed,
	// InterruptedAt on interrupted, UpdatedAt always.
	UpdateInstanceStatus(ctx context.Context, id int64, to InstanceStatus, mutate func(*Instance)) (*Instance, error)

	// SaveInstanceProgress checkpoints the mutable execution state:
	// contextData, currentNodeId, checkpointData, outputData, retryCount,
	// and error fields. Status is not touched.
	SaveInstanceProgress(ctx context.Context, inst *Instance) error

	// TouchInstanceHeartbeat advances last_heartbeat for the owning
	// engine. No-op (false) if the instance is not running or is owned
	// by a different engine.
	TouchInstanceHeartbeat(ctx context.Context, id int64, engineID string) (bool, error)

	// ListInstances returns a page of instances plus the total count.
	ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, int, error)

	// BulkUpdateInstanceStatus sets status for up to BulkStatusLimit ids
	// in a single statement and returns the affected row count.
	// Transitions are not individually validated; callers restrict the
	// id set to rows in a known status.
	BulkUpdateInstanceStatus(ctx context.Context, ids []int64, to InstanceStatus) (int64, error)

	// FindRunnable returns pending/scheduled instances whose scheduledAt
	// (if set) is due, ordered by priority desc then id, up to limit.
	FindRunnable(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// FindStale returns running or interrupted instances whose
	// last_heartbeat is older than the cutoff or NULL.
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error)

	// CountActiveForCreator counts non-terminal instances with the given
	// createdBy tag (schedulers use "schedule:<id>").
	CountActiveForCreator(ctx context.Context, createdBy string) (int, error)

	// DeleteInstance removes an instance and cascades to its node
	// instances and execution logs.
	DeleteInstance(ctx context.Context, id int64) error
}

// Nodes provides operations over node instances.
type Nodes interface {
	// CreateNodeInstance persists a node instance and assigns its ID.
	CreateNodeInstance(ctx context.Context, ni *NodeInstance) error

	// UpdateNodeInstance rewrites a node instance row. Returns
	// ErrTerminal if the persisted row already holds a terminal status.
	UpdateNodeInstance(ctx context.Context, ni *NodeInstance) error

	// ResetNodeInstance rewinds a node instance to pending for
	// re-execution, clearing output, error, retry count, and timestamps.
	// This is the one sanctioned write to a terminal row; instance retry
	// and crash recovery use it.
	ResetNodeInstance(ctx context.Context, id int64) error

	// GetNodeInstance loads a node instance by ID.
	GetNodeInstance(ctx context.Context, id int64) (*NodeInstance, error)

	// ListNodeInstances returns all node instances of a workflow
	// instance, ordered by ID.
	ListNodeInstances(ctx context.Context, instanceID int64) ([]*NodeInstance, error)

	// NodeStats returns per-status node instance counts for an instance.
	// This is a derived statistic; it never drives transitions.
	NodeStats(ctx context.Context, instanceID int64) (map[NodeStatus]int, error)
}

// Logs provides the append-only execution log.
type Logs interface {
	// AppendLog appends an execution log record.
	AppendLog(ctx context.Context, rec *ExecutionLog) error

	// ListLogs returns a page of log records for an instance, oldest
	// first, plus the total count.
	ListLogs(ctx context.Context, instanceID int64, page, pageSize int) ([]*ExecutionLog, int, error)
}

// Schedules provides CRUD and scan operations over schedules.
type Schedules interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)

	// DueSchedules returns enabled schedules with next_fire_at <= now or
	// next_fire_at IS NULL (never computed yet).
	DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// RecordScheduleExecution appends a per-firing record.
	RecordScheduleExecution(ctx context.Context, se *ScheduleExecution) error

	// ListScheduleExecutions returns the most recent firings of a
	// schedule, newest first.
	ListScheduleExecutions(ctx context.Context, scheduleID int64, limit int) ([]*ScheduleExecution, error)
}

// Locks provides the distributed lock primitives. The timestamps used in
// expiry comparisons are bound once per statement so that every replica
// compares against the same write-side clock.
type Locks interface {
	// AcquireLock deletes any expired row for key and inserts a fresh
	// lease in one transaction. Returns false if a live row exists.
	AcquireLock(ctx context.Context, key, owner string, lt LockType, ttl time.Duration) (bool, error)

	// RenewLock extends a lease iff the caller still owns it and it has
	// not expired.
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lease iff the caller owns it.
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)

	// ForceReleaseLock deletes the lease unconditionally. Operator API.
	ForceReleaseLock(ctx context.Context, key string) error

	// CleanupExpiredLocks deletes all expired rows and returns the count.
	// Calling it N times has the same effect as calling it once.
	CleanupExpiredLocks(ctx context.Context) (int64, error)

	// GetLock returns the row for key, expired or not.
	GetLock(ctx context.Context, key string) (*Lock, error)

	// ListLocks returns all lock rows.
	ListLocks(ctx context.Context) ([]*Lock, error)
}

// Engines provides the engine replica registry.
type Engines interface {
	// UpsertEngine inserts or refreshes an engine replica record.
	UpsertEngine(ctx context.Context, e *Engine) error

	// ListEngines returns all known engine replicas.
	ListEngines(ctx context.Context) ([]*Engine, error)

	// RemoveEngine deletes an engine replica record on clean shutdown.
	RemoveEngine(ctx context.Context, instanceID string) error
}

// Store is the complete persistence surface shared by the engine, the
// scheduler, the lock manager, and the recovery service.
type Store interface {
	Definitions
	Instances
	Nodes
	Logs
	Schedules
	Locks
	Engines

	// Close releases the underlying resources.
	Close() error
}
