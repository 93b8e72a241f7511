package lock

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow/store"
)

func newManager(st store.Locks, owner string) *Manager {
	return NewManager(st, owner, zerolog.Nop())
}

func TestKeyConventions(t *testing.T) {
	if got := InstanceKey(42); got != "workflow:instance:42" {
		t.Errorf("InstanceKey = %q", got)
	}
	if got := BusinessKey("acct-9"); got != "business:acct-9" {
		t.Errorf("BusinessKey = %q", got)
	}
	if got := MutexKey("report"); got != "mutex:report" {
		t.Errorf("MutexKey = %q", got)
	}
}

func TestMutualExclusion(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	a := newManager(st, "engine-a")
	b := newManager(st, "engine-b")

	ok, err := a.Acquire(ctx, InstanceKey(1), store.LockWorkflow, time.Minute)
	if err != nil || !ok {
		t.Fatalf("a acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx, InstanceKey(1), store.LockWorkflow, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("both managers hold the instance lock")
	}

	// Re-acquisition by the same owner is also refused: the lease is a
	// single row, not reentrant.
	ok, err = a.Acquire(ctx, InstanceKey(1), store.LockWorkflow, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("lease should not be reentrant")
	}

	if err := a.Release(ctx, InstanceKey(1)); err != nil {
		t.Fatal(err)
	}
	ok, err = b.Acquire(ctx, InstanceKey(1), store.LockWorkflow, time.Minute)
	if err != nil || !ok {
		t.Fatalf("b acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestHeld(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	m := newManager(st, "engine-a")

	held, err := m.Held(ctx, "mutex:x")
	if err != nil || held {
		t.Fatalf("unheld lock reported held: %v %v", held, err)
	}
	if ok, _ := m.Acquire(ctx, "mutex:x", store.LockMutex, time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	held, err = m.Held(ctx, "mutex:x")
	if err != nil || !held {
		t.Fatalf("held = %v err = %v", held, err)
	}

	other := newManager(st, "engine-b")
	held, err = other.Held(ctx, "mutex:x")
	if err != nil || held {
		t.Fatalf("foreign manager reports held: %v %v", held, err)
	}
}

func TestAcquireWithRenewalKeepsLeaseAlive(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	m := newManager(st, "engine-a")

	ok, err := m.AcquireWithRenewal(ctx, InstanceKey(7), store.LockWorkflow, 90*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer m.Release(ctx, InstanceKey(7))

	// Well past the original TTL, the renewal loop must have extended it.
	time.Sleep(200 * time.Millisecond)
	held, err := m.Held(ctx, InstanceKey(7))
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("lease expired despite renewal loop")
	}
}

func TestReleaseStopsRenewal(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	m := newManager(st, "engine-a")

	if ok, _ := m.AcquireWithRenewal(ctx, "mutex:r", store.LockMutex, 60*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}
	if err := m.Release(ctx, "mutex:r"); err != nil {
		t.Fatal(err)
	}

	// With the loop stopped and the row deleted, another owner wins.
	other := newManager(st, "engine-b")
	ok, err := other.Acquire(ctx, "mutex:r", store.LockMutex, time.Minute)
	if err != nil || !ok {
		t.Fatalf("reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseAll(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	m := newManager(st, "engine-a")

	for _, key := range []string{"a", "b", "c"} {
		if ok, _ := m.AcquireWithRenewal(ctx, key, store.LockResource, time.Minute); !ok {
			t.Fatalf("acquire %q failed", key)
		}
	}
	m.ReleaseAll(ctx)

	locks, err := st.ListLocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 0 {
		t.Errorf("%d leases survived ReleaseAll", len(locks))
	}
}
