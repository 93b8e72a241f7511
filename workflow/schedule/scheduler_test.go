package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow"
	"github.com/stratix/stratix-go/workflow/lock"
	"github.com/stratix/stratix-go/workflow/store"
)

func newScheduler(t *testing.T, st store.Store) (*Scheduler, *workflow.Engine) {
	t.Helper()
	eng, err := workflow.New(st, workflow.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	locks := lock.NewManager(st, "scheduler-test", zerolog.Nop())
	s, err := New(st, eng, locks, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	return s, eng
}

func seedDefinition(t *testing.T, st store.Store) *store.Definition {
	t.Helper()
	def := &store.Definition{
		Name: "scheduled-wf", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "n", NodeType: store.NodeSimple, Executor: "noop"},
		},
	}
	if err := st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	return def
}

func seedSchedule(t *testing.T, st store.Store, s *store.Schedule) *store.Schedule {
	t.Helper()
	if s.CronExpression == "" {
		s.CronExpression = "* * * * *"
	}
	s.Enabled = true
	if err := st.CreateSchedule(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s
}

func duePast() *time.Time {
	past := time.Now().UTC().Add(-time.Minute)
	return &past
}

func countInstances(t *testing.T, st store.Store) int {
	t.Helper()
	_, total, err := st.ListInstances(context.Background(), store.InstanceFilter{PageSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	return total
}

func TestValidateSchedule(t *testing.T) {
	cases := []struct {
		name string
		s    store.Schedule
		code string
	}{
		{"Valid", store.Schedule{Name: "s", WorkflowDefinitionID: 1, CronExpression: "*/5 * * * *"}, ""},
		{"ValidExecutorTarget", store.Schedule{Name: "s", ExecutorName: "cleanup", CronExpression: "0 2 * * *"}, ""},
		{"EmptyName", store.Schedule{WorkflowDefinitionID: 1, CronExpression: "* * * * *"}, "?"},
		{"NoTarget", store.Schedule{Name: "s", CronExpression: "* * * * *"}, "schedule_target"},
		{"BothTargets", store.Schedule{Name: "s", WorkflowDefinitionID: 1, ExecutorName: "x", CronExpression: "* * * * *"}, "schedule_target"},
		{"BadCron", store.Schedule{Name: "s", WorkflowDefinitionID: 1, CronExpression: "not cron"}, "cron_syntax"},
		{"SixFields", store.Schedule{Name: "s", WorkflowDefinitionID: 1, CronExpression: "0 0 0 * * *"}, "cron_syntax"},
		{"BadTimezone", store.Schedule{Name: "s", WorkflowDefinitionID: 1, CronExpression: "* * * * *", Timezone: "Mars/Olympus"}, "timezone_unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchedule(&tc.s)
			if tc.code == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil {
				t.Fatal("invalid schedule accepted")
			}
		})
	}
}

func TestNextFire(t *testing.T) {
	t.Run("EveryFiveMinutes", func(t *testing.T) {
		s := &store.Schedule{CronExpression: "*/5 * * * *"}
		from := time.Date(2026, 8, 24, 10, 2, 30, 0, time.UTC)
		next, err := NextFire(s, from)
		if err != nil {
			t.Fatal(err)
		}
		want := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %s, want %s", next, want)
		}
	})

	t.Run("TimezoneApplies", func(t *testing.T) {
		// Daily at 09:00 New York time.
		s := &store.Schedule{CronExpression: "0 9 * * *", Timezone: "America/New_York"}
		from := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
		next, err := NextFire(s, from)
		if err != nil {
			t.Fatal(err)
		}
		// 09:00 EDT == 13:00 UTC in August.
		want := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %s, want %s", next, want)
		}
	})
}

func TestScanFiresDueSchedule(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	def := seedDefinition(t, st)
	ctx := context.Background()

	sched := seedSchedule(t, st, &store.Schedule{
		Name:                 "nightly",
		WorkflowDefinitionID: def.ID,
		NextFireAt:           duePast(),
		InputData:            map[string]any{"source": "cron"},
	})

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if got := countInstances(t, st); got != 1 {
		t.Fatalf("instances = %d, want 1", got)
	}
	insts, _, err := st.ListInstances(ctx, store.InstanceFilter{PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	inst := insts[0]
	if inst.CreatedBy != creatorTag(sched.ID) {
		t.Errorf("createdBy = %q", inst.CreatedBy)
	}
	if inst.InputData["source"] != "cron" {
		t.Errorf("inputData = %v", inst.InputData)
	}

	execs, err := st.ListScheduleExecutions(ctx, sched.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Status != store.FireSuccess {
		t.Fatalf("executions = %+v", execs)
	}
	if execs[0].WorkflowInstanceID != inst.ID {
		t.Errorf("execution instance id = %d, want %d", execs[0].WorkflowInstanceID, inst.ID)
	}

	reloaded, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LastFiredAt == nil {
		t.Error("lastFiredAt not stamped")
	}
	if reloaded.NextFireAt == nil || !reloaded.NextFireAt.After(time.Now().UTC()) {
		t.Errorf("nextFireAt not advanced: %v", reloaded.NextFireAt)
	}
}

func TestFirstSightingComputesNextWithoutFiring(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	def := seedDefinition(t, st)

	sched := seedSchedule(t, st, &store.Schedule{
		Name:                 "fresh",
		WorkflowDefinitionID: def.ID,
		// NextFireAt nil: never evaluated before.
	})

	if err := s.ScanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := countInstances(t, st); got != 0 {
		t.Fatalf("first sighting fired %d instances", got)
	}
	reloaded, err := st.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.NextFireAt == nil {
		t.Error("nextFireAt not computed")
	}
	if reloaded.LastFiredAt != nil {
		t.Error("lastFiredAt stamped without a fire")
	}
}

func TestScanIsIdempotentWithinTheMinute(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	def := seedDefinition(t, st)

	seedSchedule(t, st, &store.Schedule{
		Name:                 "minutely",
		WorkflowDefinitionID: def.ID,
		NextFireAt:           duePast(),
	})

	for i := 0; i < 3; i++ {
		if err := s.ScanOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := countInstances(t, st); got != 1 {
		t.Errorf("repeated scans created %d instances, want 1", got)
	}
}

func TestMaxInstancesBound(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	def := seedDefinition(t, st)
	ctx := context.Background()

	sched := seedSchedule(t, st, &store.Schedule{
		Name:                 "bounded",
		WorkflowDefinitionID: def.ID,
		MaxInstances:         1,
		NextFireAt:           duePast(),
	})

	// A prior firing still active.
	if err := st.CreateInstance(ctx, &store.Instance{
		WorkflowDefinitionID: def.ID,
		Name:                 "still-running",
		CreatedBy:            creatorTag(sched.ID),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := countInstances(t, st); got != 1 {
		t.Errorf("bound ignored: %d instances", got)
	}
	execs, err := st.ListScheduleExecutions(ctx, sched.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Status != store.FireFailed || execs[0].Error != "max_instances_reached" {
		t.Errorf("executions = %+v", execs)
	}
}

func TestMutexConflictBetweenSchedules(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	def := seedDefinition(t, st)
	ctx := context.Background()

	first := seedSchedule(t, st, &store.Schedule{
		Name: "mutex-a", WorkflowDefinitionID: def.ID,
		MutexKey: "K", NextFireAt: duePast(),
	})
	second := seedSchedule(t, st, &store.Schedule{
		Name: "mutex-b", WorkflowDefinitionID: def.ID,
		MutexKey: "K", NextFireAt: duePast(),
	})

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if got := countInstances(t, st); got != 1 {
		t.Fatalf("instances = %d, want exactly 1", got)
	}
	firstExecs, err := st.ListScheduleExecutions(ctx, first.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(firstExecs) != 1 || firstExecs[0].Status != store.FireSuccess {
		t.Errorf("first schedule executions = %+v", firstExecs)
	}
	secondExecs, err := st.ListScheduleExecutions(ctx, second.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(secondExecs) != 1 || secondExecs[0].Status != store.FireFailed || secondExecs[0].Error != "mutex_conflict" {
		t.Errorf("second schedule executions = %+v", secondExecs)
	}

	// The probe is released once the scan ends; the next minute can fire.
	locks, err := st.ListLocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 0 {
		t.Errorf("mutex probe leaked: %+v", locks)
	}
}

func TestTriggerNowBypassesBound(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	def := seedDefinition(t, st)
	ctx := context.Background()

	sched := seedSchedule(t, st, &store.Schedule{
		Name:                 "manual",
		WorkflowDefinitionID: def.ID,
		MaxInstances:         1,
		InputData:            map[string]any{"mode": "cron"},
	})
	if err := st.CreateInstance(ctx, &store.Instance{
		WorkflowDefinitionID: def.ID,
		Name:                 "active",
		CreatedBy:            creatorTag(sched.ID),
	}); err != nil {
		t.Fatal(err)
	}

	inst, err := s.TriggerNow(ctx, sched.ID, map[string]any{"mode": "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.InputData["mode"] != "manual" {
		t.Errorf("override ignored: %v", inst.InputData)
	}
	if got := countInstances(t, st); got != 2 {
		t.Errorf("instances = %d, want 2", got)
	}
}

func TestExecutorOnlyScheduleMintsWrapperDefinition(t *testing.T) {
	st := store.NewMemStore()
	s, _ := newScheduler(t, st)
	ctx := context.Background()

	sched := seedSchedule(t, st, &store.Schedule{
		Name:         "cleanup-job",
		ExecutorName: "cleanup",
		NextFireAt:   duePast(),
	})

	if err := s.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}

	def, err := st.GetDefinitionByName(ctx, "executor:cleanup", 0)
	if err != nil {
		t.Fatalf("wrapper definition missing: %v", err)
	}
	if len(def.Nodes) != 1 || def.Nodes[0].Executor != "cleanup" {
		t.Errorf("wrapper nodes = %+v", def.Nodes)
	}

	insts, _, err := st.ListInstances(ctx, store.InstanceFilter{PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 || insts[0].WorkflowDefinitionID != def.ID {
		t.Fatalf("instances = %+v", insts)
	}

	// Firing again reuses the wrapper instead of versioning it.
	reloaded, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	reloaded.NextFireAt = duePast()
	if err := st.UpdateSchedule(ctx, reloaded); err != nil {
		t.Fatal(err)
	}
	if err := s.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if again, err := st.GetDefinitionByName(ctx, "executor:cleanup", 0); err != nil || again.ID != def.ID {
		t.Errorf("wrapper re-created: %v %v", again, err)
	}
}

func TestLeaderElection(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	s1, _ := newScheduler(t, st)
	leader, err := s1.ensureLeader(ctx)
	if err != nil || !leader {
		t.Fatalf("first scheduler not leader: %v %v", leader, err)
	}

	// A second scheduler with a distinct owner cannot take the lease.
	eng2, err := workflow.New(st, workflow.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := New(st, eng2, lock.NewManager(st, "scheduler-other", zerolog.Nop()), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	leader, err = s2.ensureLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leader {
		t.Error("two schedulers hold the leader lease")
	}

	// Re-entrant leadership renews rather than conflicts.
	leader, err = s1.ensureLeader(ctx)
	if err != nil || !leader {
		t.Errorf("incumbent lost the lease: %v %v", leader, err)
	}
}
