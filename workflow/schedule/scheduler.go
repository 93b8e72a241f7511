// Package schedule provides the cron-driven scheduler: a periodic scan
// that mints workflow instances from enabled schedules, bounded by
// per-schedule concurrency limits and serialized across replicas by the
// scheduler leader lease.
package schedule

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow"
	"github.com/stratix/stratix-go/workflow/lock"
	"github.com/stratix/stratix-go/workflow/store"
)

// DefaultScanInterval is how often the leader evaluates due schedules.
const DefaultScanInterval = 5 * time.Second

// leaderTTL is the leader lease duration; any replica takes over once it
// lapses.
const leaderTTL = 30 * time.Second

// cronParser accepts standard 5-field expressions (min hour dom mon dow).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// InstanceCreator mints workflow instances. *workflow.Engine satisfies it.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, req workflow.CreateInstanceRequest) (*store.Instance, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithScanInterval overrides the scan period (default 5s).
func WithScanInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *workflow.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler fires enabled schedules whose nextFireAt has passed. Exactly
// one replica fires at a time: the scan runs only while this scheduler
// holds the leader lease.
type Scheduler struct {
	store    store.Store
	creator  InstanceCreator
	locks    *lock.Manager
	log      zerolog.Logger
	metrics  *workflow.Metrics
	interval time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler. locks must share the store (and typically the
// owner identity) with the engine it schedules for.
func New(st store.Store, creator InstanceCreator, locks *lock.Manager, opts ...Option) (*Scheduler, error) {
	if st == nil || creator == nil || locks == nil {
		return nil, workflow.NewError(workflow.KindValidation, "store, creator, and locks are required")
	}
	s := &Scheduler{
		store:    st,
		creator:  creator,
		locks:    locks,
		log:      zerolog.New(os.Stderr).With().Timestamp().Str("component", "scheduler").Logger(),
		interval: DefaultScanInterval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateSchedule checks a schedule before it is persisted: exactly one
// target, a parseable cron expression, and a loadable timezone.
func ValidateSchedule(s *store.Schedule) error {
	if s.Name == "" {
		return workflow.NewError(workflow.KindValidation, "schedule name cannot be empty")
	}
	if (s.WorkflowDefinitionID == 0) == (s.ExecutorName == "") {
		return workflow.NewError(workflow.KindValidation,
			"exactly one of workflowDefinitionId and executorName must be set").WithCode("schedule_target")
	}
	if _, err := cronParser.Parse(s.CronExpression); err != nil {
		return workflow.WrapError(workflow.KindValidation, "invalid cron expression", err).WithCode("cron_syntax")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return workflow.WrapError(workflow.KindValidation, "unknown timezone", err).WithCode("timezone_unknown")
		}
	}
	return nil
}

// NextFire computes the fire time after from, in the schedule's timezone.
func NextFire(s *store.Schedule, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, workflow.WrapError(workflow.KindValidation, "invalid cron expression", err).WithCode("cron_syntax")
	}
	loc := time.UTC
	if s.Timezone != "" {
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, workflow.WrapError(workflow.KindValidation, "unknown timezone", err).WithCode("timezone_unknown")
		}
	}
	return sched.Next(from.In(loc)).UTC(), nil
}

// Start begins the leader-election and scan loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return workflow.NewError(workflow.KindConflict, "scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop halts the scan loop and surrenders the leader lease.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.locks.Release(ctx, lock.SchedulerLeaderKey); err != nil {
		s.log.Warn().Err(err).Msg("release leader lease")
	}
	s.log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			leader, err := s.ensureLeader(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("leader election")
			} else if leader {
				if err := s.ScanOnce(ctx); err != nil {
					s.log.Error().Err(err).Msg("schedule scan")
				}
			}
			cancel()
		}
	}
}

// ensureLeader holds or takes the scheduler leader lease.
func (s *Scheduler) ensureLeader(ctx context.Context) (bool, error) {
	held, err := s.locks.Held(ctx, lock.SchedulerLeaderKey)
	if err != nil {
		return false, err
	}
	if held {
		_, err := s.locks.Renew(ctx, lock.SchedulerLeaderKey, leaderTTL)
		return err == nil, err
	}
	return s.locks.Acquire(ctx, lock.SchedulerLeaderKey, store.LockResource, leaderTTL)
}

// ScanOnce evaluates every due schedule once. Exported so operators (and
// tests) can force a scan outside the ticker.
func (s *Scheduler) ScanOnce(ctx context.Context) error {
	// Scan boundary at second precision.
	now := time.Now().UTC().Truncate(time.Second)

	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return workflow.WrapError(workflow.KindDatabase, "scan due schedules", err)
	}

	// Mutex probes live for the whole scan so two schedules sharing a key
	// cannot both fire in one pass.
	var probed []string
	defer func() {
		for _, key := range probed {
			if err := s.locks.Release(context.Background(), key); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("release mutex probe")
			}
		}
	}()

	for _, sched := range due {
		if sched.NextFireAt == nil {
			// First sighting: compute the fire time and wait for it.
			if err := s.advanceFireTime(ctx, sched, now, false); err != nil {
				s.log.Error().Err(err).Str("schedule", sched.Name).Msg("compute next fire")
			}
			continue
		}

		key, err := s.fire(ctx, sched, now, false)
		if err != nil {
			s.log.Error().Err(err).Str("schedule", sched.Name).Msg("fire")
		}
		if key != "" {
			probed = append(probed, key)
		}
	}
	return nil
}

// TriggerNow fires a schedule immediately, bypassing the concurrency
// bound. overrideInput replaces the schedule's inputData when non-nil.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID int64, overrideInput map[string]any) (*store.Instance, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindNotFound, "schedule not found", err)
	}
	inputs := sched.InputData
	if overrideInput != nil {
		inputs = overrideInput
	}
	inst, err := s.mint(ctx, sched, inputs)
	if err != nil {
		s.record(ctx, sched.ID, 0, store.FireFailed, err.Error())
		return nil, err
	}
	s.record(ctx, sched.ID, inst.ID, store.FireSuccess, "")
	s.metrics.IncScheduleFire(string(store.FireSuccess))
	return inst, nil
}

// fire evaluates one due schedule: concurrency bound, mutex probe,
// instance creation, execution record, and fire-time advancement. The
// returned key, when non-empty, is a held mutex probe the caller releases
// at the end of the scan.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time, bypassBound bool) (heldKey string, err error) {
	// Whatever the outcome, a due schedule advances so it does not refire
	// every scan.
	defer func() {
		if aerr := s.advanceFireTime(ctx, sched, now, true); aerr != nil && err == nil {
			err = aerr
		}
	}()

	if !bypassBound && sched.MaxInstances > 0 {
		active, cerr := s.store.CountActiveForCreator(ctx, creatorTag(sched.ID))
		if cerr != nil {
			return "", workflow.WrapError(workflow.KindDatabase, "count active instances", cerr)
		}
		if active >= sched.MaxInstances {
			s.log.Debug().Str("schedule", sched.Name).Int("active", active).
				Msg("concurrency bound reached, skipping fire")
			s.record(ctx, sched.ID, 0, store.FireFailed, "max_instances_reached")
			s.metrics.IncScheduleFire(string(store.FireFailed))
			return "", nil
		}
	}

	if sched.MutexKey != "" {
		key := lock.MutexKey(sched.MutexKey)
		ok, lerr := s.locks.Acquire(ctx, key, store.LockMutex, s.interval*2)
		if lerr != nil {
			return "", workflow.WrapError(workflow.KindDatabase, "mutex probe", lerr)
		}
		if !ok {
			s.record(ctx, sched.ID, 0, store.FireFailed, "mutex_conflict")
			s.metrics.IncScheduleFire(string(store.FireFailed))
			s.metrics.IncLockConflict(string(store.LockMutex))
			return "", nil
		}
		heldKey = key
	}

	inst, err := s.mint(ctx, sched, sched.InputData)
	if err != nil {
		s.record(ctx, sched.ID, 0, store.FireFailed, err.Error())
		s.metrics.IncScheduleFire(string(store.FireFailed))
		return heldKey, err
	}
	s.record(ctx, sched.ID, inst.ID, store.FireSuccess, "")
	s.metrics.IncScheduleFire(string(store.FireSuccess))
	s.log.Info().Str("schedule", sched.Name).Int64("instance", inst.ID).Msg("schedule fired")
	return heldKey, nil
}

// mint creates the instance a firing produces.
func (s *Scheduler) mint(ctx context.Context, sched *store.Schedule, inputs map[string]any) (*store.Instance, error) {
	defID := sched.WorkflowDefinitionID
	if defID == 0 {
		var err error
		defID, err = s.ensureExecutorDefinition(ctx, sched.ExecutorName)
		if err != nil {
			return nil, err
		}
	}
	return s.creator.CreateInstance(ctx, workflow.CreateInstanceRequest{
		DefinitionID: defID,
		Name:         fmt.Sprintf("%s@%s", sched.Name, time.Now().UTC().Format(time.RFC3339)),
		InputData:    inputs,
		ContextData:  sched.ContextData,
		BusinessKey:  sched.BusinessKey,
		MutexKey:     sched.MutexKey,
		CreatedBy:    creatorTag(sched.ID),
	})
}

// ensureExecutorDefinition backs executor-only schedules with a
// single-node definition, created on first use.
func (s *Scheduler) ensureExecutorDefinition(ctx context.Context, executor string) (int64, error) {
	name := "executor:" + executor
	if def, err := s.store.GetDefinitionByName(ctx, name, 0); err == nil {
		return def.ID, nil
	}
	def := &store.Definition{
		Name:        name,
		Version:     1,
		Description: "generated wrapper for scheduled executor " + executor,
		Nodes: []store.NodeDefinition{
			{NodeID: "run", NodeType: store.NodeSimple, Executor: executor},
		},
		CreatedBy: "scheduler",
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		// A concurrent creator may have won the unique(name, version) race.
		if existing, gerr := s.store.GetDefinitionByName(ctx, name, 0); gerr == nil {
			return existing.ID, nil
		}
		return 0, workflow.WrapError(workflow.KindDatabase, "create executor wrapper definition", err)
	}
	return def.ID, nil
}

// advanceFireTime computes the next fire time; fired also stamps
// lastFiredAt.
func (s *Scheduler) advanceFireTime(ctx context.Context, sched *store.Schedule, now time.Time, fired bool) error {
	next, err := NextFire(sched, now)
	if err != nil {
		return err
	}
	if fired {
		sched.LastFiredAt = &now
	}
	sched.NextFireAt = &next
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return workflow.WrapError(workflow.KindDatabase, "advance fire time", err)
	}
	return nil
}

func (s *Scheduler) record(ctx context.Context, scheduleID, instanceID int64, status store.ScheduleExecutionStatus, errMsg string) {
	rec := &store.ScheduleExecution{
		ScheduleID:         scheduleID,
		WorkflowInstanceID: instanceID,
		FiredAt:            time.Now().UTC(),
		Status:             status,
		Error:              errMsg,
	}
	if err := s.store.RecordScheduleExecution(ctx, rec); err != nil {
		s.log.Warn().Err(err).Int64("schedule", scheduleID).Msg("record schedule execution")
	}
}

func creatorTag(scheduleID int64) string {
	return fmt.Sprintf("schedule:%d", scheduleID)
}
