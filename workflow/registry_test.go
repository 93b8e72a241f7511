package workflow

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type lifecycleExec struct {
	fakeExec
	initErr     error
	initialized bool
	destroyed   bool
	healthErr   error
}

func (l *lifecycleExec) Initialize(ctx context.Context) error {
	l.initialized = true
	return l.initErr
}

func (l *lifecycleExec) Destroy(ctx context.Context) error {
	l.destroyed = true
	return nil
}

func (l *lifecycleExec) HealthCheck(ctx context.Context) error { return l.healthErr }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	ex := &fakeExec{name: "echo"}
	if err := r.Register(ctx, ex); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get("echo")
	if err != nil {
		t.Fatal(err)
	}
	if got != Executor(ex) {
		t.Error("Get returned a different executor")
	}
	if !r.Has("echo") || r.Has("ghost") {
		t.Error("Has is inconsistent")
	}

	_, err = r.Get("ghost")
	var we *Error
	if !errors.As(err, &we) || we.Kind != KindNotFound {
		t.Errorf("unknown executor err = %v, want not_found", err)
	}
}

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	if err := r.Register(ctx, &fakeExec{name: "dup"}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(ctx, &fakeExec{name: "dup"})
	var we *Error
	if !errors.As(err, &we) || we.Code != "executor_duplicate" {
		t.Errorf("duplicate err = %v", err)
	}

	if err := r.Register(ctx, &fakeExec{name: ""}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(ctx, nil); err == nil {
		t.Error("nil executor accepted")
	}
}

func TestRegistryInitializeFailureRollsBack(t *testing.T) {
	r := NewRegistry()
	ex := &lifecycleExec{fakeExec: fakeExec{name: "flaky-init"}, initErr: errors.New("no connection")}

	if err := r.Register(context.Background(), ex); err == nil {
		t.Fatal("failing Initialize should abort registration")
	}
	if !ex.initialized {
		t.Error("Initialize never ran")
	}
	if r.Has("flaky-init") {
		t.Error("failed registration left the slot occupied")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(ctx, &fakeExec{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestRegistryHealthCheckAndShutdown(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	healthy := &lifecycleExec{fakeExec: fakeExec{name: "healthy"}}
	sick := &lifecycleExec{fakeExec: fakeExec{name: "sick"}, healthErr: errors.New("down")}
	plain := &fakeExec{name: "plain"}
	for _, ex := range []Executor{healthy, sick, plain} {
		if err := r.Register(ctx, ex); err != nil {
			t.Fatal(err)
		}
	}

	health := r.HealthCheck(ctx)
	if health["healthy"] != nil {
		t.Errorf("healthy executor reported %v", health["healthy"])
	}
	if health["sick"] == nil {
		t.Error("sick executor reported healthy")
	}
	if _, probed := health["plain"]; probed {
		t.Error("executor without HealthChecker was probed")
	}

	if err := r.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !healthy.destroyed || !sick.destroyed {
		t.Error("Shutdown skipped a Destroyer")
	}
}
