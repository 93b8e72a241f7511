// Package control exposes the management surface of a Stratix deployment:
// definition and schedule CRUD, instance lifecycle commands, log and lock
// inspection, and engine statistics. Responses are HTTP-shaped envelopes;
// the transport (HTTP router, CLI, RPC) lives outside this module.
package control

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow"
	"github.com/stratix/stratix-go/workflow/schedule"
	"github.com/stratix/stratix-go/workflow/store"
)

// Response is the uniform envelope for every control operation.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

// Page wraps a paginated result set.
type Page struct {
	Items       any  `json:"items"`
	Total       int  `json:"total"`
	Page        int  `json:"page"`
	PageSize    int  `json:"pageSize"`
	TotalPages  int  `json:"totalPages"`
	HasNext     bool `json:"hasNext"`
	HasPrevious bool `json:"hasPrevious"`
}

// EngineStats is the aggregate view behind the statistics endpoint.
type EngineStats struct {
	Engines         int                          `json:"engines"`
	ActiveWorkflows int                          `json:"activeWorkflows"`
	StatusCounts    map[store.InstanceStatus]int `json:"statusCounts"`
}

// Option configures a Service.
type Option func(*Service)

// WithScheduler enables the schedule trigger endpoint.
func WithScheduler(sc *schedule.Scheduler) Option {
	return func(s *Service) { s.sched = sc }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service implements the control operations over a store and an engine.
type Service struct {
	store  store.Store
	engine *workflow.Engine
	sched  *schedule.Scheduler
	log    zerolog.Logger
}

// New creates a control Service. The engine is required: lifecycle
// commands delegate to it so locking and events stay in one place.
func New(st store.Store, eng *workflow.Engine, opts ...Option) (*Service, error) {
	if st == nil || eng == nil {
		return nil, workflow.NewError(workflow.KindValidation, "store and engine are required")
	}
	s := &Service{
		store:  st,
		engine: eng,
		log:    zerolog.New(os.Stderr).With().Timestamp().Str("component", "control").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) ok(data any) Response {
	return Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	}
}

// fail maps an error to the envelope. Structured errors carry their code
// (kind when no explicit code was set); store sentinels get stable codes.
func (s *Service) fail(err error) Response {
	resp := Response{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	}
	var we *workflow.Error
	switch {
	case errors.As(err, &we):
		resp.Error = we.Message
		resp.Code = we.Code
		if resp.Code == "" {
			resp.Code = string(we.Kind)
		}
	case errors.Is(err, store.ErrNotFound):
		resp.Code = string(workflow.KindNotFound)
	case errors.Is(err, store.ErrConflict):
		resp.Code = string(workflow.KindConflict)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrTerminal):
		resp.Code = string(workflow.KindStateTransition)
	default:
		resp.Code = string(workflow.KindInternal)
	}
	return resp
}

func paginate(items any, total, page, pageSize int) Page {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	totalPages := (total + pageSize - 1) / pageSize
	return Page{
		Items:       items,
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}

// --- definitions ---

// CreateDefinition validates and persists a workflow definition.
func (s *Service) CreateDefinition(ctx context.Context, def *store.Definition) Response {
	if err := workflow.ValidateDefinition(def, s.engine.Registry()); err != nil {
		return s.fail(err)
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return s.fail(err)
	}
	s.log.Info().Str("name", def.Name).Int("version", def.Version).Msg("definition created")
	return s.ok(def)
}

func (s *Service) GetDefinition(ctx context.Context, id int64) Response {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(def)
}

// ListDefinitions lists definitions, optionally restricted to one name.
func (s *Service) ListDefinitions(ctx context.Context, name string) Response {
	defs, err := s.store.ListDefinitions(ctx, name)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(defs)
}

// --- instances ---

// CreateInstance validates inputs against the definition and inserts a
// pending instance.
func (s *Service) CreateInstance(ctx context.Context, req workflow.CreateInstanceRequest) Response {
	inst, err := s.engine.CreateInstance(ctx, req)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(inst)
}

func (s *Service) GetInstance(ctx context.Context, id int64) Response {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(inst)
}

// ListInstances returns a filtered, paginated instance page.
func (s *Service) ListInstances(ctx context.Context, f store.InstanceFilter) Response {
	items, total, err := s.store.ListInstances(ctx, f)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(paginate(items, total, f.Page, f.PageSize))
}

// StartInstance runs a pending, scheduled, or recovered instance on the
// calling goroutine. The poll loop would pick it up eventually; starting
// through the API runs it now.
func (s *Service) StartInstance(ctx context.Context, id int64) Response {
	if err := s.engine.RunInstance(ctx, id); err != nil {
		return s.fail(err)
	}
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(inst)
}

func (s *Service) PauseInstance(ctx context.Context, id int64) Response {
	if err := s.engine.Pause(ctx, id); err != nil {
		return s.fail(err)
	}
	return s.ok(map[string]any{"id": id, "status": store.StatusPaused})
}

func (s *Service) ResumeInstance(ctx context.Context, id int64) Response {
	if err := s.engine.Resume(ctx, id); err != nil {
		return s.fail(err)
	}
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(inst)
}

func (s *Service) CancelInstance(ctx context.Context, id int64) Response {
	if err := s.engine.Cancel(ctx, id); err != nil {
		return s.fail(err)
	}
	return s.ok(map[string]any{"id": id, "status": store.StatusCancelled})
}

func (s *Service) RetryInstance(ctx context.Context, id int64) Response {
	if err := s.engine.Retry(ctx, id); err != nil {
		return s.fail(err)
	}
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(inst)
}

// DeleteInstance removes a terminal instance and its node instances and
// logs. Live instances must be cancelled first.
func (s *Service) DeleteInstance(ctx context.Context, id int64) Response {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	if !inst.Status.Terminal() && inst.Status != store.StatusFailed {
		return s.fail(workflow.Errorf(workflow.KindConflict,
			"instance %d is %s; cancel it before deleting", id, inst.Status).WithCode("instance_active"))
	}
	if err := s.store.DeleteInstance(ctx, id); err != nil {
		return s.fail(err)
	}
	s.log.Info().Int64("instance", id).Msg("instance deleted")
	return s.ok(map[string]any{"id": id, "deleted": true})
}

// BulkUpdateStatus sets the status of up to store.BulkStatusLimit
// instances in one statement. Transitions are not individually checked;
// callers restrict the id set to rows in a known status.
func (s *Service) BulkUpdateStatus(ctx context.Context, ids []int64, to store.InstanceStatus) Response {
	if len(ids) == 0 {
		return s.fail(workflow.NewError(workflow.KindValidation, "no instance ids given"))
	}
	if len(ids) > store.BulkStatusLimit {
		return s.fail(workflow.Errorf(workflow.KindValidation,
			"%d ids exceeds the limit of %d", len(ids), store.BulkStatusLimit).WithCode("bulk_limit"))
	}
	n, err := s.store.BulkUpdateInstanceStatus(ctx, ids, to)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(map[string]any{"updated": n, "status": to})
}

// --- logs and node instances ---

func (s *Service) GetLogs(ctx context.Context, instanceID int64, page, pageSize int) Response {
	logs, total, err := s.store.ListLogs(ctx, instanceID, page, pageSize)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(paginate(logs, total, page, pageSize))
}

func (s *Service) ListNodeInstances(ctx context.Context, instanceID int64) Response {
	nodes, err := s.store.ListNodeInstances(ctx, instanceID)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(nodes)
}

// NodeStats returns per-status node counts for an instance. Derived
// statistic only; it never drives transitions.
func (s *Service) NodeStats(ctx context.Context, instanceID int64) Response {
	stats, err := s.store.NodeStats(ctx, instanceID)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(stats)
}

// --- schedules ---

// CreateSchedule validates and persists a schedule with its first fire
// time precomputed so the API returns it immediately.
func (s *Service) CreateSchedule(ctx context.Context, sc *store.Schedule) Response {
	if err := schedule.ValidateSchedule(sc); err != nil {
		return s.fail(err)
	}
	next, err := schedule.NextFire(sc, time.Now().UTC())
	if err != nil {
		return s.fail(err)
	}
	sc.NextFireAt = &next
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return s.fail(err)
	}
	s.log.Info().Str("name", sc.Name).Str("cron", sc.CronExpression).Msg("schedule created")
	return s.ok(sc)
}

func (s *Service) GetSchedule(ctx context.Context, id int64) Response {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(sc)
}

func (s *Service) ListSchedules(ctx context.Context, enabledOnly bool) Response {
	scs, err := s.store.ListSchedules(ctx, enabledOnly)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(scs)
}

// UpdateSchedule revalidates and rewrites a schedule, recomputing the
// next fire time from the possibly-changed cron expression.
func (s *Service) UpdateSchedule(ctx context.Context, sc *store.Schedule) Response {
	if err := schedule.ValidateSchedule(sc); err != nil {
		return s.fail(err)
	}
	next, err := schedule.NextFire(sc, time.Now().UTC())
	if err != nil {
		return s.fail(err)
	}
	sc.NextFireAt = &next
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return s.fail(err)
	}
	return s.ok(sc)
}

func (s *Service) DeleteSchedule(ctx context.Context, id int64) Response {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return s.fail(err)
	}
	return s.ok(map[string]any{"id": id, "deleted": true})
}

// ToggleSchedule enables or disables a schedule. Enabling recomputes the
// next fire time so a long-disabled schedule does not fire immediately
// for every missed slot.
func (s *Service) ToggleSchedule(ctx context.Context, id int64, enabled bool) Response {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	sc.Enabled = enabled
	if enabled {
		next, err := schedule.NextFire(sc, time.Now().UTC())
		if err != nil {
			return s.fail(err)
		}
		sc.NextFireAt = &next
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return s.fail(err)
	}
	return s.ok(sc)
}

// TriggerSchedule fires a schedule immediately, bypassing the cron gate
// and the max-instances bound. Requires a scheduler.
func (s *Service) TriggerSchedule(ctx context.Context, id int64, overrideInput map[string]any) Response {
	if s.sched == nil {
		return s.fail(workflow.NewError(workflow.KindConflict, "no scheduler attached").WithCode("scheduler_unavailable"))
	}
	inst, err := s.sched.TriggerNow(ctx, id, overrideInput)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(inst)
}

func (s *Service) ListScheduleExecutions(ctx context.Context, scheduleID int64, limit int) Response {
	execs, err := s.store.ListScheduleExecutions(ctx, scheduleID, limit)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(execs)
}

// --- locks (operator-only) ---

func (s *Service) ListLocks(ctx context.Context) Response {
	locks, err := s.store.ListLocks(ctx)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(locks)
}

// CleanupLocks removes every expired lease and reports the count.
func (s *Service) CleanupLocks(ctx context.Context) Response {
	n, err := s.store.CleanupExpiredLocks(ctx)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(map[string]any{"removed": n})
}

// ForceReleaseLock deletes a lease regardless of owner or expiry. Used
// when an operator knows the holder is gone; a live holder loses its
// mutual exclusion guarantee.
func (s *Service) ForceReleaseLock(ctx context.Context, key string) Response {
	if err := s.store.ForceReleaseLock(ctx, key); err != nil {
		return s.fail(err)
	}
	s.log.Warn().Str("key", key).Msg("lock force-released")
	return s.ok(map[string]any{"key": key, "released": true})
}

// --- engines ---

func (s *Service) ListEngines(ctx context.Context) Response {
	engines, err := s.store.ListEngines(ctx)
	if err != nil {
		return s.fail(err)
	}
	return s.ok(engines)
}

// Health probes every executor implementing a health check. Executors
// without one are presumed healthy and omitted.
func (s *Service) Health(ctx context.Context) Response {
	probes := s.engine.Registry().HealthCheck(ctx)
	out := make(map[string]string, len(probes))
	healthy := true
	for name, err := range probes {
		if err != nil {
			out[name] = err.Error()
			healthy = false
		} else {
			out[name] = "ok"
		}
	}
	return s.ok(map[string]any{"healthy": healthy, "executors": out})
}

// Stats aggregates the engine registry and per-status instance counts.
func (s *Service) Stats(ctx context.Context) Response {
	engines, err := s.store.ListEngines(ctx)
	if err != nil {
		return s.fail(err)
	}
	stats := EngineStats{
		Engines:      len(engines),
		StatusCounts: make(map[store.InstanceStatus]int),
	}
	for _, e := range engines {
		stats.ActiveWorkflows += e.ActiveWorkflows
	}
	for _, st := range []store.InstanceStatus{
		store.StatusPending, store.StatusScheduled, store.StatusRunning,
		store.StatusPaused, store.StatusCompleted, store.StatusFailed,
		store.StatusCancelled, store.StatusInterrupted,
	} {
		_, total, err := s.store.ListInstances(ctx, store.InstanceFilter{
			Statuses: []store.InstanceStatus{st}, PageSize: 1,
		})
		if err != nil {
			return s.fail(err)
		}
		if total > 0 {
			stats.StatusCounts[st] = total
		}
	}
	return s.ok(stats)
}
