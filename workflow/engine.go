package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow/emit"
	"github.com/stratix/stratix-go/workflow/lock"
	"github.com/stratix/stratix-go/workflow/store"
)

// ErrEngineStopped is returned by operations on an engine after Stop.
var ErrEngineStopped = errors.New("engine stopped")

type config struct {
	workerCount       int
	pollInterval      time.Duration
	lockTTL           time.Duration
	heartbeatInterval time.Duration
	defaultTimeout    time.Duration
	strictTemplates   bool
	busListenerLimit  int
	logger            zerolog.Logger
	metrics           *Metrics
	emitter           emit.Emitter
}

// Option configures an Engine.
type Option func(*config) error

// WithWorkerCount bounds concurrent instance advancement (default 4).
func WithWorkerCount(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return NewError(KindValidation, "worker count must be >= 1")
		}
		c.workerCount = n
		return nil
	}
}

// WithPollInterval sets how often the engine scans for runnable instances
// (default 2s).
func WithPollInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return NewError(KindValidation, "poll interval must be positive")
		}
		c.pollInterval = d
		return nil
	}
}

// WithLockTTL sets the instance lease duration (default 120s). The
// heartbeat interval must stay at least 3x smaller.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return NewError(KindValidation, "lock TTL must be positive")
		}
		c.lockTTL = d
		return nil
	}
}

// WithHeartbeatInterval sets the liveness ticker period (default 30s).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return NewError(KindValidation, "heartbeat interval must be positive")
		}
		c.heartbeatInterval = d
		return nil
	}
}

// WithDefaultNodeTimeout sets the timeout applied to nodes without an
// explicit timeoutSeconds. Zero disables the default (no timeout).
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.defaultTimeout = d
		return nil
	}
}

// WithStrictTemplates makes unresolved template variables fail node
// dispatch instead of passing through.
func WithStrictTemplates() Option {
	return func(c *config) error {
		c.strictTemplates = true
		return nil
	}
}

// WithLogger sets the service logger (default: zerolog to stderr).
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithEmitter attaches an additional event sink beside the bus.
func WithEmitter(e emit.Emitter) Option {
	return func(c *config) error {
		c.emitter = e
		return nil
	}
}

// WithBusListenerLimit overrides the event bus listener cap.
func WithBusListenerLimit(n int) Option {
	return func(c *config) error {
		c.busListenerLimit = n
		return nil
	}
}

// Engine advances workflow instances: it owns the instance state machine,
// node dispatch, retries, timeouts, heartbeats, and cancellation. Multiple
// engines may run against one store; the per-instance lease guarantees a
// single writer per instance.
type Engine struct {
	id       string
	store    store.Store
	registry *Registry
	locks    *lock.Manager
	bus      *emit.Bus
	resolver *TemplateResolver
	cond     *ConditionEvaluator
	metrics  *Metrics
	emitter  emit.Emitter
	log      zerolog.Logger
	cfg      config

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
	sem     chan struct{}
	// inFlight maps instance id to the cancel function of its advancement
	// context; Cancel uses it to interrupt executors that support it.
	inFlight map[int64]context.CancelFunc
}

// New creates an Engine over the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, NewError(KindValidation, "store cannot be nil")
	}
	cfg := config{
		workerCount:       4,
		pollInterval:      2 * time.Second,
		lockTTL:           120 * time.Second,
		heartbeatInterval: 30 * time.Second,
		logger:            zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.heartbeatInterval*3 > cfg.lockTTL {
		return nil, Errorf(KindValidation,
			"heartbeat interval %s must be at least 3x smaller than lock TTL %s",
			cfg.heartbeatInterval, cfg.lockTTL)
	}

	id := "engine-" + uuid.NewString()
	logger := cfg.logger.With().Str("component", "engine").Str("engine_id", id).Logger()
	e := &Engine{
		id:       id,
		store:    st,
		registry: NewRegistry(),
		locks:    lock.NewManager(st, id, logger),
		bus:      emit.NewBus(cfg.busListenerLimit),
		resolver: NewTemplateResolver(cfg.strictTemplates),
		cond:     NewConditionEvaluator(),
		metrics:  cfg.metrics,
		emitter:  cfg.emitter,
		log:      logger,
		cfg:      cfg,
		stop:     make(chan struct{}),
		sem:      make(chan struct{}, cfg.workerCount),
		inFlight: make(map[int64]context.CancelFunc),
	}
	return e, nil
}

// ID returns the engine's replica identity.
func (e *Engine) ID() string { return e.id }

// Registry returns the executor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Bus returns the in-process event bus.
func (e *Engine) Bus() *emit.Bus { return e.bus }

// Locks returns the engine's lock manager (shared with recovery wiring).
func (e *Engine) Locks() *lock.Manager { return e.locks }

// publish sends an event to the bus and the optional extra sink.
func (e *Engine) publish(ev emit.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.bus.Publish(ev)
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// Start registers the engine replica and begins polling for runnable and
// interrupted instances.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return NewError(KindConflict, "engine already started")
	}
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.started = true
	e.mu.Unlock()

	hostname, _ := os.Hostname()
	if err := e.store.UpsertEngine(ctx, &store.Engine{
		InstanceID:    e.id,
		Hostname:      hostname,
		Status:        "active",
		LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		return WrapError(KindDatabase, "register engine", err)
	}

	e.wg.Add(1)
	go e.pollLoop()
	e.log.Info().Msg("engine started")
	return nil
}

// Stop halts polling, waits for in-flight work, releases leases, and
// removes the replica record.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.locks.ReleaseAll(ctx)
	if err := e.registry.Shutdown(ctx); err != nil {
		e.log.Warn().Err(err).Msg("executor shutdown")
	}
	if err := e.store.RemoveEngine(ctx, e.id); err != nil {
		e.log.Warn().Err(err).Msg("remove engine record")
	}
	e.log.Info().Msg("engine stopped")
	return nil
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.pollOnce()
		}
	}
}

// pollOnce claims a batch of dispatchable instances and hands them to
// workers. Interrupted instances (recovery output) are re-dispatched the
// same way as fresh ones.
func (e *Engine) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.pollInterval)
	defer cancel()

	runnable, err := e.store.FindRunnable(ctx, time.Now().UTC(), e.cfg.workerCount*2)
	if err != nil {
		e.log.Error().Err(err).Msg("find runnable")
		return
	}
	interrupted, _, err := e.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []store.InstanceStatus{store.StatusInterrupted},
		PageSize: e.cfg.workerCount,
	})
	if err != nil {
		e.log.Error().Err(err).Msg("list interrupted")
		return
	}
	batch := append(runnable, interrupted...)
	e.metrics.SetQueueDepth(len(batch))

	for _, inst := range batch {
		select {
		case <-e.stop:
			return
		case e.sem <- struct{}{}:
		}
		id := inst.ID
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			if err := e.RunInstance(context.Background(), id); err != nil {
				e.log.Debug().Err(err).Int64("instance", id).Msg("advance")
			}
		}()
	}
}

// CreateInstanceRequest describes a new workflow run.
type CreateInstanceRequest struct {
	DefinitionID   int64
	DefinitionName string // used with Version when DefinitionID is zero
	Version        int    // 0 selects the latest
	Name           string
	ExternalID     string
	InputData      map[string]any
	ContextData    map[string]any
	BusinessKey    string
	MutexKey       string
	Priority       int
	MaxRetries     int
	ScheduledAt    *time.Time
	CreatedBy      string
}

// CreateInstance validates inputs against the definition and persists a
// pending (or scheduled) instance. It does not dispatch; Start's poll
// loop or an explicit RunInstance does.
func (e *Engine) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*store.Instance, error) {
	def, err := e.loadDefinition(ctx, req.DefinitionID, req.DefinitionName, req.Version)
	if err != nil {
		return nil, err
	}
	inputs, err := ValidateInputs(def, req.InputData)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-v%d", def.Name, def.Version)
	}
	inst := &store.Instance{
		WorkflowDefinitionID: def.ID,
		Name:                 name,
		ExternalID:           req.ExternalID,
		InputData:            inputs,
		ContextData:          req.ContextData,
		BusinessKey:          req.BusinessKey,
		MutexKey:             req.MutexKey,
		Priority:             req.Priority,
		MaxRetries:           req.MaxRetries,
		ScheduledAt:          req.ScheduledAt,
		CreatedBy:            req.CreatedBy,
	}
	if req.ScheduledAt != nil {
		inst.Status = store.StatusPending
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, WrapError(KindConflict, "duplicate external id", err).WithCode("external_id_conflict")
		}
		return nil, WrapError(KindDatabase, "create instance", err)
	}
	if req.ScheduledAt != nil {
		if _, err := e.store.UpdateInstanceStatus(ctx, inst.ID, store.StatusScheduled, nil); err != nil {
			return nil, WrapError(KindDatabase, "schedule instance", err)
		}
		inst.Status = store.StatusScheduled
	}

	e.publish(emit.Event{Type: emit.EventWorkflowCreated, WorkflowInstanceID: inst.ID})
	return inst, nil
}

func (e *Engine) loadDefinition(ctx context.Context, id int64, name string, version int) (*store.Definition, error) {
	var (
		def *store.Definition
		err error
	)
	if id != 0 {
		def, err = e.store.GetDefinition(ctx, id)
	} else {
		def, err = e.store.GetDefinitionByName(ctx, name, version)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, WrapError(KindNotFound, "workflow definition not found", err)
		}
		return nil, WrapError(KindDatabase, "load definition", err)
	}
	return def, nil
}

// RunInstance advances one instance to a settled state: terminal, paused,
// failed, or lost-lease. Safe to call concurrently across engines; the
// loser of the lease race returns a conflict error.
func (e *Engine) RunInstance(ctx context.Context, instanceID int64) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WrapError(KindNotFound, "instance not found", err)
		}
		return WrapError(KindDatabase, "load instance", err)
	}
	if inst.Status.Terminal() {
		return nil
	}

	// Exclusion locks, outermost first. Business and mutex locks are held
	// for the whole run; conflicts leave the instance untouched for a
	// later attempt.
	acquired, err := e.locks.AcquireWithRenewal(ctx, lock.InstanceKey(inst.ID), store.LockWorkflow, e.cfg.lockTTL)
	if err != nil {
		return WrapError(KindDatabase, "acquire instance lock", err)
	}
	if !acquired {
		e.metrics.IncLockConflict(string(store.LockWorkflow))
		return Errorf(KindConflict, "instance %d locked by another engine", inst.ID).WithCode("instance_locked")
	}
	defer func() {
		if err := e.locks.Release(context.Background(), lock.InstanceKey(inst.ID)); err != nil {
			e.log.Warn().Err(err).Int64("instance", inst.ID).Msg("release instance lock")
		}
	}()

	auxKeys, err := e.acquireExclusionKeys(ctx, inst)
	defer func() {
		for _, key := range auxKeys {
			if relErr := e.locks.Release(context.Background(), key); relErr != nil {
				e.log.Warn().Err(relErr).Str("key", key).Msg("release exclusion lock")
			}
		}
	}()
	if err != nil {
		return err
	}

	return e.advance(ctx, inst.ID)
}

func (e *Engine) acquireExclusionKeys(ctx context.Context, inst *store.Instance) ([]string, error) {
	var keys []string
	if inst.BusinessKey != "" {
		ok, err := e.locks.Acquire(ctx, lock.BusinessKey(inst.BusinessKey), store.LockBusiness, e.cfg.lockTTL)
		if err != nil {
			return keys, WrapError(KindDatabase, "acquire business lock", err)
		}
		if !ok {
			e.metrics.IncLockConflict(string(store.LockBusiness))
			return keys, Errorf(KindConflict, "business key %q busy", inst.BusinessKey).WithCode("business_conflict")
		}
		keys = append(keys, lock.BusinessKey(inst.BusinessKey))
	}
	if inst.MutexKey != "" {
		ok, err := e.locks.Acquire(ctx, lock.MutexKey(inst.MutexKey), store.LockMutex, e.cfg.lockTTL)
		if err != nil {
			return keys, WrapError(KindDatabase, "acquire mutex lock", err)
		}
		if !ok {
			e.metrics.IncLockConflict(string(store.LockMutex))
			return keys, Errorf(KindConflict, "mutex key %q busy", inst.MutexKey).WithCode("mutex_conflict")
		}
		keys = append(keys, lock.MutexKey(inst.MutexKey))
	}
	return keys, nil
}

// advance is the per-instance loop: transition to running, heartbeat,
// dispatch runnable nodes until the graph settles, then finalize.
func (e *Engine) advance(ctx context.Context, instanceID int64) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return WrapError(KindDatabase, "reload instance", err)
	}
	if inst.Status.Terminal() {
		return nil
	}

	if inst.Status != store.StatusRunning {
		inst, err = e.store.UpdateInstanceStatus(ctx, instanceID, store.StatusRunning, func(i *store.Instance) {
			now := time.Now().UTC()
			i.AssignedEngineID = e.id
			i.LockOwner = e.id
			i.LockAcquiredAt = &now
			i.LastHeartbeat = &now
		})
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return WrapError(KindStateTransition, "cannot start instance", err)
			}
			return WrapError(KindDatabase, "transition to running", err)
		}
		e.publish(emit.Event{
			Type: emit.EventWorkflowStarted, WorkflowInstanceID: inst.ID,
			Payload: map[string]any{"status": string(store.StatusRunning)},
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.inFlight[inst.ID] = cancel
	e.metrics.SetRunning(len(e.inFlight))
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, inst.ID)
		e.metrics.SetRunning(len(e.inFlight))
		e.mu.Unlock()
	}()

	stopHeartbeat := e.startHeartbeat(inst.ID)
	defer stopHeartbeat()

	def, err := e.store.GetDefinition(ctx, inst.WorkflowDefinitionID)
	if err != nil {
		return WrapError(KindDatabase, "load definition", err)
	}

	for {
		// Status reread each iteration: cancellation may have landed via
		// the status write rather than the context.
		inst, err = e.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return WrapError(KindDatabase, "reload instance", err)
		}
		switch inst.Status {
		case store.StatusCancelled:
			e.bus.UnsubscribeInstance(inst.ID)
			return nil
		case store.StatusPaused:
			return nil
		case store.StatusRunning:
		default:
			return nil
		}

		nodes, err := e.store.ListNodeInstances(ctx, inst.ID)
		if err != nil {
			return WrapError(KindDatabase, "list node instances", err)
		}
		runnable, settled, failedRequired := e.plan(def, nodes)

		if len(runnable) == 0 {
			// No runnable work left. Either every node settled, or
			// unvisited nodes are blocked behind a failure (possible
			// only under errorHandling=continue); blocked work fails
			// the instance.
			if !settled {
				failedRequired = true
			}
			return e.finalize(ctx, inst.ID, def, failedRequired)
		}

		// One node per iteration; outputs may change conditions, so the
		// plan recomputes after every dispatch.
		node := runnable[0]
		if err := e.dispatchNode(runCtx, inst, def, node, 0, nil); err != nil {
			switch KindOf(err) {
			case KindStateTransition, KindDatabase:
				// Cancellation races and storage faults abort the loop
				// without consulting the error handling policy.
				return err
			}
			stop, ferr := e.handleNodeFailure(ctx, inst, def, node, err)
			if ferr != nil {
				return ferr
			}
			if stop {
				return nil
			}
		}
	}
}

// plan computes the runnable node set per the readiness rules: all
// dependencies completed or skipped, condition truthy, no live node
// instance yet. settled reports whether every reachable node is terminal.
func (e *Engine) plan(def *store.Definition, nodes []*store.NodeInstance) (runnable []*store.NodeDefinition, settled bool, failedRequired bool) {
	// Latest node instance per node id wins (retries create one row that
	// gets reset, so one row per node id at top level).
	state := map[string]store.NodeStatus{}
	for _, ni := range nodes {
		if ni.ParentNodeInstanceID == 0 {
			state[ni.NodeID] = ni.Status
		}
	}

	settled = true
	for i := range def.Nodes {
		node := &def.Nodes[i]
		status, visited := state[node.NodeID]
		// A pending row is a rewound node (instance retry, crash
		// recovery); it dispatches again like an unvisited one.
		if visited && status != store.NodePending {
			if !status.Terminal() {
				settled = false
			} else if (status == store.NodeFailed || status == store.NodeCancelled) &&
				effectivePolicy(def, node) != store.ErrorContinue {
				// A failed node that was not rewound must never settle
				// the instance as completed, dependents or not.
				failedRequired = true
			}
			continue
		}
		settled = false

		ready := true
		for _, dep := range node.DependsOn {
			ds, ok := state[dep]
			if !ok || (ds != store.NodeCompleted && ds != store.NodeSkipped) {
				ready = false
				// A failed or cancelled dependency can never satisfy
				// this node: required work is lost.
				if ds == store.NodeFailed || ds == store.NodeCancelled {
					failedRequired = true
				}
				break
			}
		}
		if !ready {
			continue
		}
		// Conditions evaluate at dispatch time, against the context as it
		// stands then; a falsy condition materializes a skipped node row
		// so dependents can proceed.
		runnable = append(runnable, node)
	}
	return runnable, settled, failedRequired
}

// finalize settles a running instance whose graph has no more work.
func (e *Engine) finalize(ctx context.Context, instanceID int64, def *store.Definition, failedRequired bool) error {
	target := store.StatusCompleted
	eventType := emit.EventWorkflowCompleted
	if failedRequired {
		target = store.StatusFailed
		eventType = emit.EventWorkflowFailed
	}

	_, err := e.store.UpdateInstanceStatus(ctx, instanceID, target, func(i *store.Instance) {
		if target == store.StatusCompleted {
			i.OutputData = ExtractOutputs(def, i.ContextData)
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost a race with a cancel; nothing to do.
			return nil
		}
		return WrapError(KindDatabase, "finalize instance", err)
	}
	e.publish(emit.Event{Type: eventType, WorkflowInstanceID: instanceID,
		Payload: map[string]any{"status": string(target)}})
	e.bus.UnsubscribeInstance(instanceID)
	e.log.Info().Int64("instance", instanceID).Str("status", string(target)).Msg("instance finalized")
	return nil
}

// effectivePolicy resolves a node's error handling: node setting, then
// definition default, then stop.
func effectivePolicy(def *store.Definition, node *store.NodeDefinition) store.ErrorHandling {
	if node.ErrorHandling != "" {
		return node.ErrorHandling
	}
	if def.ErrorHandling != "" {
		return def.ErrorHandling
	}
	return store.ErrorStop
}

// handleNodeFailure applies the error handling policy after a node
// exhausted its retries. stop=true means the instance was failed.
func (e *Engine) handleNodeFailure(ctx context.Context, inst *store.Instance, def *store.Definition, node *store.NodeDefinition, nodeErr error) (stop bool, err error) {
	switch effectivePolicy(def, node) {
	case store.ErrorContinue:
		e.log.Warn().Int64("instance", inst.ID).Str("node", node.NodeID).Err(nodeErr).
			Msg("node failed, continuing per policy")
		return false, nil
	default: // stop (retry exhaustion already happened inside dispatch)
		_, uerr := e.store.UpdateInstanceStatus(ctx, inst.ID, store.StatusFailed, func(i *store.Instance) {
			i.ErrorMessage = nodeErr.Error()
			i.ErrorDetails = map[string]any{
				"nodeId": node.NodeID,
				"kind":   string(KindOf(nodeErr)),
			}
		})
		if uerr != nil && !errors.Is(uerr, store.ErrInvalidTransition) {
			return true, WrapError(KindDatabase, "fail instance", uerr)
		}
		e.publish(emit.Event{Type: emit.EventWorkflowFailed, WorkflowInstanceID: inst.ID,
			NodeID: node.NodeID, Payload: map[string]any{"error": nodeErr.Error()}})
		return true, nil
	}
}

// startHeartbeat advances last_heartbeat until the returned stop function
// runs. Lease renewal runs separately inside the lock manager.
func (e *Engine) startHeartbeat(instanceID int64) func() {
	stop := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.heartbeatInterval)
				ok, err := e.store.TouchInstanceHeartbeat(ctx, instanceID, e.id)
				cancel()
				if err != nil {
					e.log.Warn().Err(err).Int64("instance", instanceID).Msg("heartbeat")
				} else if !ok {
					// Instance left running state or changed owner.
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Cancel moves an instance to cancelled and interrupts its in-flight
// executors where supported. Executors that cannot abort run to
// completion; their results are discarded.
func (e *Engine) Cancel(ctx context.Context, instanceID int64) error {
	_, err := e.store.UpdateInstanceStatus(ctx, instanceID, store.StatusCancelled, nil)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return WrapError(KindStateTransition, "instance not cancellable", err)
		}
		if errors.Is(err, store.ErrNotFound) {
			return WrapError(KindNotFound, "instance not found", err)
		}
		return WrapError(KindDatabase, "cancel instance", err)
	}

	e.mu.Lock()
	cancel, running := e.inFlight[instanceID]
	e.mu.Unlock()
	if running {
		cancel()
	}

	e.publish(emit.Event{Type: emit.EventWorkflowCancelled, WorkflowInstanceID: instanceID})
	e.bus.UnsubscribeInstance(instanceID)
	return nil
}

// Pause moves a running instance to paused. The advancement loop observes
// the status on its next iteration and parks the instance.
func (e *Engine) Pause(ctx context.Context, instanceID int64) error {
	_, err := e.store.UpdateInstanceStatus(ctx, instanceID, store.StatusPaused, nil)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return WrapError(KindStateTransition, "instance not pausable", err)
		}
		return WrapError(KindDatabase, "pause instance", err)
	}
	e.publish(emit.Event{Type: emit.EventWorkflowPaused, WorkflowInstanceID: instanceID})
	return nil
}

// Resume transitions a paused instance back through the dispatch path.
func (e *Engine) Resume(ctx context.Context, instanceID int64) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return WrapError(KindDatabase, "load instance", err)
	}
	if inst.Status != store.StatusPaused {
		return Errorf(KindStateTransition, "instance %d is %s, not paused", instanceID, inst.Status)
	}
	e.publish(emit.Event{Type: emit.EventWorkflowResumed, WorkflowInstanceID: instanceID})
	return e.RunInstance(ctx, instanceID)
}

// Retry re-dispatches a failed instance, bounded by maxRetries.
func (e *Engine) Retry(ctx context.Context, instanceID int64) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return WrapError(KindDatabase, "load instance", err)
	}
	if inst.Status != store.StatusFailed {
		return Errorf(KindStateTransition, "instance %d is %s, not failed", instanceID, inst.Status)
	}
	if inst.MaxRetries > 0 && inst.RetryCount >= inst.MaxRetries {
		return Errorf(KindConflict, "instance %d exhausted %d retries", instanceID, inst.MaxRetries).WithCode("retries_exhausted")
	}

	// Rewind failed nodes so they dispatch again; completed nodes keep
	// their outputs and are not re-executed.
	nodes, err := e.store.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return WrapError(KindDatabase, "list node instances", err)
	}
	for _, ni := range nodes {
		if ni.ParentNodeInstanceID == 0 && ni.Status == store.NodeFailed {
			if err := e.store.ResetNodeInstance(ctx, ni.ID); err != nil {
				return WrapError(KindDatabase, "reset failed node", err)
			}
		}
	}

	if _, err := e.store.UpdateInstanceStatus(ctx, instanceID, store.StatusRunning, func(i *store.Instance) {
		i.RetryCount++
		i.ErrorMessage = ""
		i.ErrorDetails = nil
	}); err != nil {
		return WrapError(KindDatabase, "retry transition", err)
	}
	return e.RunInstance(ctx, instanceID)
}

// templateEnv builds the variable bag for template resolution and
// condition evaluation: instance inputs flat, the same bag under "input",
// and per-node outputs from contextData.
func (e *Engine) templateEnv(inst *store.Instance, extra map[string]any) map[string]any {
	env := make(map[string]any, len(inst.InputData)+len(inst.ContextData)+len(extra)+1)
	for k, v := range inst.InputData {
		env[k] = v
	}
	env["input"] = inst.InputData
	for k, v := range inst.ContextData {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}
