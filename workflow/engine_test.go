package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratix/stratix-go/workflow/emit"
	"github.com/stratix/stratix-go/workflow/lock"
	"github.com/stratix/stratix-go/workflow/store"
)

type fakeExec struct {
	name string
	fn   func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error)
}

func (f *fakeExec) Name() string        { return f.name }
func (f *fakeExec) Description() string { return "test executor" }
func (f *fakeExec) Version() string     { return "1.0.0" }
func (f *fakeExec) Execute(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
	return f.fn(ctx, ec)
}

func newTestEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	e, err := New(st, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func register(t *testing.T, e *Engine, execs ...Executor) {
	t.Helper()
	for _, ex := range execs {
		if err := e.Registry().Register(context.Background(), ex); err != nil {
			t.Fatal(err)
		}
	}
}

func mustDefinition(t *testing.T, st store.Store, def *store.Definition) *store.Definition {
	t.Helper()
	if err := st.CreateDefinition(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	return def
}

func mustCreate(t *testing.T, e *Engine, req CreateInstanceRequest) *store.Instance {
	t.Helper()
	inst, err := e.CreateInstance(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func mustInstance(t *testing.T, st store.Store, id int64) *store.Instance {
	t.Helper()
	inst, err := st.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func nodeByID(t *testing.T, st store.Store, instanceID int64, nodeID string) *store.NodeInstance {
	t.Helper()
	nodes, err := st.ListNodeInstances(context.Background(), instanceID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ni := range nodes {
		if ni.NodeID == nodeID {
			return ni
		}
	}
	t.Fatalf("no node instance for %q", nodeID)
	return nil
}

func TestRunInstanceHappyPath(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	ctx := context.Background()

	register(t, e,
		&fakeExec{name: "fetch", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			return &ExecutionResult{Success: true, Data: map[string]any{
				"orderId": ec.Config["orderId"],
				"total":   42.5,
			}}, nil
		}},
		&fakeExec{name: "charge", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			// Template-resolved input from the upstream node's output.
			if got := ec.Config["amount"]; got != 42.5 {
				t.Errorf("amount = %v, want 42.5", got)
			}
			return &ExecutionResult{Success: true, Data: map[string]any{"charged": true}}, nil
		}},
	)

	def := mustDefinition(t, st, &store.Definition{
		Name: "billing", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "fetch", NodeType: store.NodeSimple, Executor: "fetch",
				InputData: map[string]any{"orderId": "${orderId}"}},
			{NodeID: "charge", NodeType: store.NodeSimple, Executor: "charge",
				DependsOn: []string{"fetch"},
				InputData: map[string]any{"amount": "${fetch.total}"}},
		},
		Outputs: []store.OutputDecl{{Name: "charged", Source: "${charge.charged}"}},
	})

	buf := emit.NewBufferedEmitter()
	if _, err := e.Bus().Subscribe(emit.EventWorkflowCompleted, buf.Emit); err != nil {
		t.Fatal(err)
	}

	inst := mustCreate(t, e, CreateInstanceRequest{
		DefinitionID: def.ID,
		InputData:    map[string]any{"orderId": "ord-1"},
	})
	if err := e.RunInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("lifecycle timestamps missing")
	}
	if got.OutputData["charged"] != true {
		t.Errorf("outputData = %v", got.OutputData)
	}
	fetchOut, _ := got.ContextData["fetch"].(map[string]any)
	if fetchOut["orderId"] != "ord-1" {
		t.Errorf("context bag missing fetch output: %v", got.ContextData)
	}
	if len(buf.History(inst.ID)) != 1 {
		t.Errorf("expected one completion event, got %d", len(buf.History(inst.ID)))
	}

	// The instance lease must be gone once the run settles.
	held, err := e.Locks().Held(ctx, lock.InstanceKey(inst.ID))
	if err != nil {
		t.Fatal(err)
	}
	if held {
		t.Error("instance lock survived the run")
	}
}

func TestRunInstanceRetryThenSucceed(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	var calls atomic.Int32

	register(t, e, &fakeExec{name: "flaky", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		if calls.Add(1) < 3 {
			return &ExecutionResult{Success: false, Error: "downstream 503", RetryDelay: time.Millisecond}, nil
		}
		return &ExecutionResult{Success: true, Data: map[string]any{"ok": true}}, nil
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "flaky-flow", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "call", NodeType: store.NodeSimple, Executor: "flaky", MaxRetries: 3},
		},
	})

	var retries atomic.Int32
	if _, err := e.Bus().Subscribe(emit.EventNodeRetrying, func(emit.Event) { retries.Add(1) }); err != nil {
		t.Fatal(err)
	}

	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	ni := nodeByID(t, st, inst.ID, "call")
	if ni.Status != store.NodeCompleted {
		t.Errorf("node status = %s", ni.Status)
	}
	if ni.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", ni.RetryCount)
	}
	if retries.Load() != 2 {
		t.Errorf("retry events = %d, want 2", retries.Load())
	}
}

func TestRunInstanceExhaustedRetriesFailsInstance(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "broken", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: false, Error: "always down", RetryDelay: time.Millisecond}, nil
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "doomed", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "call", NodeType: store.NodeSimple, Executor: "broken", MaxRetries: 1},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorDetails["nodeId"] != "call" {
		t.Errorf("errorDetails = %v", got.ErrorDetails)
	}
	if ni := nodeByID(t, st, inst.ID, "call"); ni.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", ni.RetryCount)
	}
}

func TestNonRetryableFailureSkipsRetryLoop(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	var calls atomic.Int32

	register(t, e, &fakeExec{name: "fatal", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		calls.Add(1)
		no := false
		return &ExecutionResult{Success: false, Error: "bad input", ShouldRetry: &no}, nil
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "fatal-flow", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "n", NodeType: store.NodeSimple, Executor: "fatal", MaxRetries: 5},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("executor ran %d times, want 1", calls.Load())
	}
}

func TestErrorHandlingContinue(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e,
		&fakeExec{name: "fails", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			no := false
			return &ExecutionResult{Success: false, Error: "optional step down", ShouldRetry: &no}, nil
		}},
		&fakeExec{name: "works", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			return &ExecutionResult{Success: true, Data: map[string]any{"done": true}}, nil
		}},
	)

	t.Run("IndependentSiblingCompletes", func(t *testing.T) {
		def := mustDefinition(t, st, &store.Definition{
			Name: "tolerant", Version: 1,
			ErrorHandling: store.ErrorContinue,
			Nodes: []store.NodeDefinition{
				{NodeID: "optional", NodeType: store.NodeSimple, Executor: "fails"},
				{NodeID: "main", NodeType: store.NodeSimple, Executor: "works"},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		if got := mustInstance(t, st, inst.ID); got.Status != store.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		if ni := nodeByID(t, st, inst.ID, "optional"); ni.Status != store.NodeFailed {
			t.Errorf("optional node = %s, want failed", ni.Status)
		}
	})

	t.Run("BlockedDependentFailsInstance", func(t *testing.T) {
		def := mustDefinition(t, st, &store.Definition{
			Name: "blocked", Version: 1,
			ErrorHandling: store.ErrorContinue,
			Nodes: []store.NodeDefinition{
				{NodeID: "first", NodeType: store.NodeSimple, Executor: "fails"},
				{NodeID: "second", NodeType: store.NodeSimple, Executor: "works", DependsOn: []string{"first"}},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		if got := mustInstance(t, st, inst.ID); got.Status != store.StatusFailed {
			t.Fatalf("status = %s, want failed", got.Status)
		}
	})
}

func TestUnrewoundFailedNodeNeverCompletesInstance(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	register(t, e, &fakeExec{name: "works", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true}, nil
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "abandoned-failure", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "broken", NodeType: store.NodeSimple, Executor: "works"},
			{NodeID: "ok", NodeType: store.NodeSimple, Executor: "works"},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})

	// A previous owner left "broken" terminally failed without rewinding
	// it. "broken" has no dependents, so only the settle path can notice.
	ctx := context.Background()
	if _, err := st.UpdateInstanceStatus(ctx, inst.ID, store.StatusRunning, func(i *store.Instance) {}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateNodeInstance(ctx, &store.NodeInstance{
		WorkflowInstanceID: inst.ID, NodeID: "broken",
		NodeType: store.NodeSimple, Status: store.NodeFailed,
		ErrorMessage: "engine_lost",
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.RunInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed (a failed node must never settle as completed)", got.Status)
	}
	// Independent work still ran before the instance settled.
	if ni := nodeByID(t, st, inst.ID, "ok"); ni.Status != store.NodeCompleted {
		t.Errorf("ok node = %s, want completed", ni.Status)
	}
}

func TestConditionSkipsNodeAndUnblocksDependents(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "work", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true, Data: map[string]any{"ran": ec.Node.NodeID}}, nil
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "conditional", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "premium", NodeType: store.NodeSimple, Executor: "work",
				Condition: `tier == "premium"`},
			{NodeID: "finish", NodeType: store.NodeSimple, Executor: "work",
				DependsOn: []string{"premium"}},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{
		DefinitionID: def.ID,
		InputData:    map[string]any{"tier": "basic"},
	})
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if ni := nodeByID(t, st, inst.ID, "premium"); ni.Status != store.NodeSkipped {
		t.Errorf("premium = %s, want skipped", ni.Status)
	}
	if ni := nodeByID(t, st, inst.ID, "finish"); ni.Status != store.NodeCompleted {
		t.Errorf("finish = %s, want completed", ni.Status)
	}
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	started := make(chan struct{})
	register(t, e, &fakeExec{name: "slow", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &ExecutionResult{Success: true, Data: map[string]any{"late": true}}, nil
		}
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "cancellable", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "slow", NodeType: store.NodeSimple, Executor: "slow"},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})

	done := make(chan error, 1)
	go func() { done <- e.RunInstance(context.Background(), inst.ID) }()

	<-started
	if err := e.Cancel(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	<-done

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("cancelled instance missing completedAt")
	}
	// The slow node's output must not have been merged.
	if _, ok := got.ContextData["slow"]; ok {
		t.Error("cancelled run merged executor output")
	}

	// Terminal finality: no further transitions.
	if err := e.Cancel(context.Background(), inst.ID); err == nil {
		t.Error("second cancel should fail")
	}
}

func TestNodeTimeout(t *testing.T) {
	st := store.NewMemStore()
	// Sub-second timeouts are not expressible per node; use the engine
	// default.
	e := newTestEngine(t, st, WithDefaultNodeTimeout(50*time.Millisecond))

	register(t, e, &fakeExec{name: "hang", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &ExecutionResult{Success: true}, nil
		}
	}})

	def := mustDefinition(t, st, &store.Definition{
		Name: "timed", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "hang", NodeType: store.NodeSimple, Executor: "hang"},
		},
	})

	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorDetails["kind"] != string(KindTimeout) {
		t.Errorf("error kind = %v, want timeout", got.ErrorDetails["kind"])
	}
}

func TestParallelNode(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e,
		&fakeExec{name: "fast", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			return &ExecutionResult{Success: true, Data: map[string]any{"who": "fast"}}, nil
		}},
		&fakeExec{name: "slow", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				return &ExecutionResult{Success: true, Data: map[string]any{"who": "slow"}}, nil
			}
		}},
	)

	t.Run("AllJoinCollectsEveryBranch", func(t *testing.T) {
		def := mustDefinition(t, st, &store.Definition{
			Name: "fanout-all", Version: 1,
			Nodes: []store.NodeDefinition{
				{NodeID: "fan", NodeType: store.NodeParallel, JoinType: store.JoinAll,
					Children: []store.NodeDefinition{
						{NodeID: "a", NodeType: store.NodeSimple, Executor: "fast"},
						{NodeID: "b", NodeType: store.NodeSimple, Executor: "fast"},
					}},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		got := mustInstance(t, st, inst.ID)
		if got.Status != store.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		fanOut, _ := got.ContextData["fan"].(map[string]any)
		if fanOut["a"] == nil || fanOut["b"] == nil {
			t.Errorf("fan output = %v", fanOut)
		}
	})

	t.Run("AnyJoinCompletesOnFirstSuccess", func(t *testing.T) {
		def := mustDefinition(t, st, &store.Definition{
			Name: "fanout-any", Version: 1,
			Nodes: []store.NodeDefinition{
				{NodeID: "race", NodeType: store.NodeParallel, JoinType: store.JoinAny,
					Children: []store.NodeDefinition{
						{NodeID: "quick", NodeType: store.NodeSimple, Executor: "fast"},
						{NodeID: "laggard", NodeType: store.NodeSimple, Executor: "slow"},
					}},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
		start := time.Now()
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
			t.Errorf("any-join waited for the slow branch: %s", elapsed)
		}
		got := mustInstance(t, st, inst.ID)
		if got.Status != store.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		raceOut, _ := got.ContextData["race"].(map[string]any)
		if raceOut["winner"] != "quick" {
			t.Errorf("winner = %v", raceOut["winner"])
		}
	})

	t.Run("AllJoinFailsWhenBranchFails", func(t *testing.T) {
		register(t, e, &fakeExec{name: "fails", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			no := false
			return &ExecutionResult{Success: false, Error: "branch down", ShouldRetry: &no}, nil
		}})
		def := mustDefinition(t, st, &store.Definition{
			Name: "fanout-fail", Version: 1,
			Nodes: []store.NodeDefinition{
				{NodeID: "fan", NodeType: store.NodeParallel,
					Children: []store.NodeDefinition{
						{NodeID: "ok", NodeType: store.NodeSimple, Executor: "fast"},
						{NodeID: "bad", NodeType: store.NodeSimple, Executor: "fails"},
					}},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		if got := mustInstance(t, st, inst.ID); got.Status != store.StatusFailed {
			t.Fatalf("status = %s, want failed", got.Status)
		}
	})
}

func TestLoopNode(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "collect", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true, Data: map[string]any{
			"item":  ec.Config["item"],
			"index": ec.Config["index"],
		}}, nil
	}})

	t.Run("StaticCount", func(t *testing.T) {
		def := mustDefinition(t, st, &store.Definition{
			Name: "loop-static", Version: 1,
			Nodes: []store.NodeDefinition{
				{NodeID: "iterate", NodeType: store.NodeLoop, LoopCount: 3,
					Children: []store.NodeDefinition{
						{NodeID: "body", NodeType: store.NodeSimple, Executor: "collect",
							InputData: map[string]any{"item": "${item}", "index": "${index}"}},
					}},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		got := mustInstance(t, st, inst.ID)
		if got.Status != store.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		// The store round-trips JSON, so numbers come back as float64.
		loopOut, _ := got.ContextData["iterate"].(map[string]any)
		if loopOut["iterations"] != float64(3) {
			t.Errorf("iterations = %v", loopOut["iterations"])
		}
	})

	t.Run("DynamicSourceWithItemVar", func(t *testing.T) {
		def := mustDefinition(t, st, &store.Definition{
			Name: "loop-dynamic", Version: 1,
			Nodes: []store.NodeDefinition{
				{NodeID: "each", NodeType: store.NodeLoop,
					SourceExpression: "orders", ItemVar: "order",
					Children: []store.NodeDefinition{
						{NodeID: "body", NodeType: store.NodeSimple, Executor: "collect",
							InputData: map[string]any{"item": "${order}", "index": "${index}"}},
					}},
			},
		})
		inst := mustCreate(t, e, CreateInstanceRequest{
			DefinitionID: def.ID,
			InputData:    map[string]any{"orders": []any{"o1", "o2"}},
		})
		if err := e.RunInstance(context.Background(), inst.ID); err != nil {
			t.Fatal(err)
		}
		got := mustInstance(t, st, inst.ID)
		if got.Status != store.StatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		eachOut, _ := got.ContextData["each"].(map[string]any)
		results, _ := eachOut["results"].([]any)
		if len(results) != 2 {
			t.Fatalf("results = %v", results)
		}
		first, _ := results[0].(map[string]any)
		body, _ := first["body"].(map[string]any)
		if body["item"] != "o1" {
			t.Errorf("first iteration item = %v", body["item"])
		}
	})
}

func TestSubprocessNode(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "double", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		n, _ := ec.Config["n"].(float64)
		if n == 0 {
			if i, ok := ec.Config["n"].(int); ok {
				n = float64(i)
			}
		}
		return &ExecutionResult{Success: true, Data: map[string]any{"doubled": n * 2}}, nil
	}})

	mustDefinition(t, st, &store.Definition{
		Name: "doubler", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "calc", NodeType: store.NodeSimple, Executor: "double",
				InputData: map[string]any{"n": "${n}"}},
		},
		Outputs: []store.OutputDecl{{Name: "result", Source: "${calc.doubled}"}},
	})

	parent := mustDefinition(t, st, &store.Definition{
		Name: "parent", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "sub", NodeType: store.NodeSubprocess,
				SubWorkflowName:   "doubler",
				WaitForCompletion: true,
				InputMapping:      map[string]string{"n": "${value}"},
				OutputMapping:     map[string]string{"answer": "${result}"}},
		},
	})

	inst := mustCreate(t, e, CreateInstanceRequest{
		DefinitionID: parent.ID,
		InputData:    map[string]any{"value": 21},
	})
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
	}
	subOut, _ := got.ContextData["sub"].(map[string]any)
	if subOut["answer"] != float64(42) {
		t.Errorf("answer = %v (%T)", subOut["answer"], subOut["answer"])
	}

	// The child ran to completion under its own instance. (The store
	// round-trips JSON, so the id comes back as float64.)
	childID, _ := subOut["subprocessInstanceId"].(float64)
	if childID == 0 {
		t.Fatalf("no subprocess instance id in %v", subOut)
	}
	if ci := mustInstance(t, st, int64(childID)); ci.Status != store.StatusCompleted {
		t.Errorf("child status = %s", ci.Status)
	}
}

func TestRunInstanceMutualExclusion(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "noop", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true}, nil
	}})
	def := mustDefinition(t, st, &store.Definition{
		Name: "exclusive", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "n", NodeType: store.NodeSimple, Executor: "noop"},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})

	// A foreign engine holds the instance lease.
	other := lock.NewManager(st, "engine-other", zerolog.Nop())
	if ok, _ := other.Acquire(context.Background(), lock.InstanceKey(inst.ID), store.LockWorkflow, time.Minute); !ok {
		t.Fatal("setup: foreign acquire failed")
	}

	err := e.RunInstance(context.Background(), inst.ID)
	var we *Error
	if !errors.As(err, &we) || we.Code != "instance_locked" {
		t.Fatalf("err = %v, want instance_locked conflict", err)
	}
	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusPending {
		t.Errorf("losing engine mutated the instance: %s", got.Status)
	}

	// After the lease clears, the run proceeds.
	if err := other.Release(context.Background(), lock.InstanceKey(inst.ID)); err != nil {
		t.Fatal(err)
	}
	if err := e.RunInstance(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestBusinessKeyExclusion(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "noop", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true}, nil
	}})
	def := mustDefinition(t, st, &store.Definition{
		Name: "keyed", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "n", NodeType: store.NodeSimple, Executor: "noop"},
		},
	})

	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID, BusinessKey: "acct-7"})

	other := lock.NewManager(st, "engine-other", zerolog.Nop())
	if ok, _ := other.Acquire(context.Background(), lock.BusinessKey("acct-7"), store.LockBusiness, time.Minute); !ok {
		t.Fatal("setup: foreign acquire failed")
	}

	err := e.RunInstance(context.Background(), inst.ID)
	var we *Error
	if !errors.As(err, &we) || we.Code != "business_conflict" {
		t.Fatalf("err = %v, want business_conflict", err)
	}
	// The instance lock must have been released for the next attempt.
	if held, _ := e.Locks().Held(context.Background(), lock.InstanceKey(inst.ID)); held {
		t.Error("instance lock leaked after business conflict")
	}
}

func TestPauseAndResume(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	register(t, e, &fakeExec{name: "noop", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true, Data: map[string]any{"ok": true}}, nil
	}})
	def := mustDefinition(t, st, &store.Definition{
		Name: "pausable", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "n", NodeType: store.NodeSimple, Executor: "noop"},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID})

	// Move to running first; pending instances cannot pause.
	if err := e.Pause(context.Background(), inst.ID); err == nil {
		t.Fatal("pausing a pending instance should fail")
	}
	if _, err := st.UpdateInstanceStatus(context.Background(), inst.ID, store.StatusRunning, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	if err := e.Resume(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}
	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusCompleted {
		t.Errorf("status after resume = %s, want completed", got.Status)
	}
}

func TestRetryRewindsOnlyFailedNodes(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)
	ctx := context.Background()

	no := false
	var okRuns atomic.Int32
	var broken atomic.Bool
	broken.Store(true)
	register(t, e,
		&fakeExec{name: "steady", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			okRuns.Add(1)
			return &ExecutionResult{Success: true, Data: map[string]any{"ok": true}}, nil
		}},
		&fakeExec{name: "flaky", fn: func(ctx context.Context, ec *ExecutionContext) (*ExecutionResult, error) {
			if broken.Load() {
				return &ExecutionResult{Success: false, Error: "downstream down", ShouldRetry: &no}, nil
			}
			return &ExecutionResult{Success: true, Data: map[string]any{"sent": true}}, nil
		}},
	)

	def := mustDefinition(t, st, &store.Definition{
		Name: "retryable", Version: 1,
		Nodes: []store.NodeDefinition{
			{NodeID: "prepare", NodeType: store.NodeSimple, Executor: "steady"},
			{NodeID: "send", NodeType: store.NodeSimple, Executor: "flaky",
				DependsOn: []string{"prepare"}},
		},
	})
	inst := mustCreate(t, e, CreateInstanceRequest{DefinitionID: def.ID, MaxRetries: 1})

	if err := e.RunInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if got := mustInstance(t, st, inst.ID); got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if okRuns.Load() != 1 {
		t.Fatalf("prepare ran %d times, want 1", okRuns.Load())
	}

	broken.Store(false)
	if err := e.Retry(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	got := mustInstance(t, st, inst.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status after retry = %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.RetryCount != 1 {
		t.Errorf("instance retryCount = %d, want 1", got.RetryCount)
	}
	// The completed node keeps its single row and does not re-execute;
	// the failed node's row is rewound in place, not duplicated.
	if okRuns.Load() != 1 {
		t.Errorf("prepare re-executed: %d runs", okRuns.Load())
	}
	nodes, err := st.ListNodeInstances(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("node rows = %d, want 2", len(nodes))
	}
	if ni := nodeByID(t, st, inst.ID, "send"); ni.Status != store.NodeCompleted {
		t.Errorf("send node = %s, want completed", ni.Status)
	}

	// RetryCount has met MaxRetries; a further retry is refused even
	// though the instance is no longer failed anyway.
	if err := e.Retry(ctx, inst.ID); err == nil {
		t.Error("retry of a completed instance should fail")
	}
}

func TestCreateInstanceValidatesInputs(t *testing.T) {
	st := store.NewMemStore()
	e := newTestEngine(t, st)

	def := mustDefinition(t, st, &store.Definition{
		Name: "strict-inputs", Version: 1,
		Inputs: []store.InputDecl{
			{Name: "orderId", Type: "string", Required: true},
			{Name: "attempts", Type: "number", Default: 3},
		},
		Nodes: []store.NodeDefinition{
			{NodeID: "n", NodeType: store.NodeSimple, Executor: "noop"},
		},
	})

	if _, err := e.CreateInstance(context.Background(), CreateInstanceRequest{DefinitionID: def.ID}); err == nil {
		t.Fatal("missing required input accepted")
	}

	inst := mustCreate(t, e, CreateInstanceRequest{
		DefinitionID: def.ID,
		InputData:    map[string]any{"orderId": "o-1"},
	})
	if inst.InputData["attempts"] != float64(3) {
		t.Errorf("default not applied: %v", inst.InputData)
	}
	if inst.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", inst.Status)
	}
}
