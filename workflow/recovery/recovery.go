// Package recovery provides the recovery service: it reclaims workflow
// instances abandoned by dead engines. Liveness is judged purely by
// last_heartbeat age; a reclaimed instance moves to interrupted and the
// engine poll loop re-dispatches it under a new owner.
package recovery

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow"
	"github.com/stratix/stratix-go/workflow/emit"
	"github.com/stratix/stratix-go/workflow/lock"
	"github.com/stratix/stratix-go/workflow/store"
)

const (
	// DefaultHeartbeatTimeout is how stale a heartbeat must be before an
	// instance counts as abandoned. Must exceed the engine's heartbeat
	// interval by a comfortable margin.
	DefaultHeartbeatTimeout = 90 * time.Second

	// DefaultScanInterval is the reclamation scan period. Kept at no less
	// than 1.5x the heartbeat timeout's engine-side interval.
	DefaultScanInterval = 60 * time.Second

	// scanBatch bounds how many stale instances one pass reclaims.
	scanBatch = 50
)

// Option configures a Service.
type Option func(*Service)

// WithHeartbeatTimeout overrides the staleness cutoff.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Service) { s.heartbeatTimeout = d }
}

// WithScanInterval overrides the scan period.
func WithScanInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *workflow.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEmitter attaches an event sink for workflow:recovered events.
func WithEmitter(e emit.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithRegistry lets the service consult executor idempotency: interrupted
// nodes of idempotent executors restart from pending instead of failing.
func WithRegistry(r *workflow.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// Service scans for expired locks and abandoned instances. Any replica
// may run one; the per-instance lock serializes reclamation the same way
// it serializes advancement.
type Service struct {
	store            store.Store
	locks            *lock.Manager
	registry         *workflow.Registry
	log              zerolog.Logger
	metrics          *workflow.Metrics
	emitter          emit.Emitter
	heartbeatTimeout time.Duration
	interval         time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a recovery Service over the given store. locks carries the
// reclaiming replica's owner identity.
func New(st store.Store, locks *lock.Manager, opts ...Option) (*Service, error) {
	if st == nil || locks == nil {
		return nil, workflow.NewError(workflow.KindValidation, "store and locks are required")
	}
	s := &Service{
		store:            st,
		locks:            locks,
		log:              zerolog.New(os.Stderr).With().Timestamp().Str("component", "recovery").Logger(),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		interval:         DefaultScanInterval,
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the periodic scan.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return workflow.NewError(workflow.KindConflict, "recovery already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.log.Info().Dur("interval", s.interval).Msg("recovery started")
	return nil
}

// Stop halts the scan loop.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info().Msg("recovery stopped")
	return nil
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.ScanOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("recovery scan")
			}
			cancel()
		}
	}
}

// ScanOnce performs one full recovery pass: expired-lock cleanup, then
// stale-instance reclamation. Returns the number of instances reclaimed.
func (s *Service) ScanOnce(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupExpiredLocks(ctx)
	if err != nil {
		return 0, workflow.WrapError(workflow.KindDatabase, "cleanup expired locks", err)
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("expired locks cleaned")
	}

	cutoff := time.Now().UTC().Add(-s.heartbeatTimeout)
	stale, err := s.store.FindStale(ctx, cutoff, scanBatch)
	if err != nil {
		return 0, workflow.WrapError(workflow.KindDatabase, "find stale instances", err)
	}

	reclaimed := 0
	for _, inst := range stale {
		ok, err := s.reclaim(ctx, inst)
		if err != nil {
			s.log.Error().Err(err).Int64("instance", inst.ID).Msg("reclaim")
			continue
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// reclaim moves one abandoned instance to interrupted. Returns false
// without error when another replica holds the instance (a live engine,
// or a competing recovery pass).
func (s *Service) reclaim(ctx context.Context, inst *store.Instance) (bool, error) {
	key := lock.InstanceKey(inst.ID)
	acquired, err := s.locks.Acquire(ctx, key, store.LockWorkflow, s.heartbeatTimeout)
	if err != nil {
		return false, workflow.WrapError(workflow.KindDatabase, "acquire instance lock", err)
	}
	if !acquired {
		// A live owner still holds the lease; the stale heartbeat is a
		// scan-boundary artifact, not a death.
		return false, nil
	}
	defer func() {
		if err := s.locks.Release(context.Background(), key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("release reclaim lock")
		}
	}()

	// Reread under the lock: the owner may have finished between the
	// scan and the acquire.
	inst, err = s.store.GetInstance(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, workflow.WrapError(workflow.KindDatabase, "reload instance", err)
	}
	if inst.Status != store.StatusRunning {
		// Already terminal, or interrupted by an earlier pass and waiting
		// for an engine to re-dispatch it.
		return false, nil
	}
	if inst.LastHeartbeat != nil && inst.LastHeartbeat.After(time.Now().UTC().Add(-s.heartbeatTimeout)) {
		return false, nil
	}

	if err := s.settleInFlightNodes(ctx, inst); err != nil {
		return false, err
	}

	lostEngine := inst.AssignedEngineID
	if _, err := s.store.UpdateInstanceStatus(ctx, inst.ID, store.StatusInterrupted, func(i *store.Instance) {
		i.AssignedEngineID = ""
		i.LockOwner = ""
		i.ErrorMessage = "engine lost: " + lostEngine
		i.ErrorDetails = map[string]any{"kind": string(workflow.KindEngineLost), "lostEngine": lostEngine}
	}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return false, nil
		}
		return false, workflow.WrapError(workflow.KindDatabase, "mark interrupted", err)
	}

	s.metrics.IncRecovery()
	if s.emitter != nil {
		s.emitter.Emit(emit.Event{
			Type:               emit.EventWorkflowRecovered,
			WorkflowInstanceID: inst.ID,
			Timestamp:          time.Now().UTC(),
			Payload:            map[string]any{"lostEngine": lostEngine},
		})
	}
	s.log.Warn().Int64("instance", inst.ID).Str("lost_engine", lostEngine).Msg("instance reclaimed")
	return true, nil
}

// settleInFlightNodes resolves node instances the dead engine left in
// running state. Nodes of idempotent executors reset to pending and
// restart from scratch. All others have the lost attempt recorded as
// failed with engine_lost (node row, then execution log), and are then
// rewound to pending so the next engine re-dispatches them with a fresh
// retry budget. Completed nodes (and their outputs) are never touched.
func (s *Service) settleInFlightNodes(ctx context.Context, inst *store.Instance) error {
	nodes, err := s.store.ListNodeInstances(ctx, inst.ID)
	if err != nil {
		return workflow.WrapError(workflow.KindDatabase, "list node instances", err)
	}

	def, err := s.store.GetDefinition(ctx, inst.WorkflowDefinitionID)
	if err != nil {
		return workflow.WrapError(workflow.KindDatabase, "load definition", err)
	}

	now := time.Now().UTC()
	for _, ni := range nodes {
		if ni.Status != store.NodeRunning {
			continue
		}
		if s.isIdempotentNode(def, ni.NodeID) {
			if err := s.store.ResetNodeInstance(ctx, ni.ID); err != nil {
				return workflow.WrapError(workflow.KindDatabase, "reset idempotent node", err)
			}
			continue
		}

		// Mark the lost attempt failed first: should this pass die between
		// the two writes, a failed engine_lost row blocks completion until
		// a later pass (or an operator retry) rewinds it.
		ni.Status = store.NodeFailed
		ni.ErrorMessage = string(workflow.KindEngineLost)
		ni.CompletedAt = &now
		if err := s.store.UpdateNodeInstance(ctx, ni); err != nil {
			return workflow.WrapError(workflow.KindDatabase, "fail orphaned node", err)
		}
		if err := s.store.AppendLog(ctx, &store.ExecutionLog{
			WorkflowInstanceID: inst.ID,
			NodeInstanceID:     ni.ID,
			Level:              "error",
			Message:            "node attempt lost with engine " + inst.AssignedEngineID,
			Data: map[string]any{
				"kind":       string(workflow.KindEngineLost),
				"nodeId":     ni.NodeID,
				"retryCount": ni.RetryCount,
			},
			Timestamp: now,
		}); err != nil {
			s.log.Warn().Err(err).Int64("node_instance", ni.ID).Msg("record lost attempt")
		}
		if err := s.store.ResetNodeInstance(ctx, ni.ID); err != nil {
			return workflow.WrapError(workflow.KindDatabase, "rewind lost node", err)
		}
	}
	return nil
}

func (s *Service) isIdempotentNode(def *store.Definition, nodeID string) bool {
	if s.registry == nil {
		return false
	}
	node := def.Node(nodeID)
	if node == nil || node.Executor == "" {
		return false
	}
	return s.registry.Idempotent(node.Executor)
}
