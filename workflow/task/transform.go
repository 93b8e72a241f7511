package task

import (
	"context"
	"fmt"

	"github.com/stratix/stratix-go/workflow"
)

// Transform reshapes context data without calling anything. Its config
// carries a "mappings" object whose values are template expressions; by
// the time Execute runs, the engine has already resolved them against
// the instance context, so the executor just lifts the mapping into the
// node output.
//
//	{"mappings": {"orderId": "${fetch.id}", "total": "${fetch.amount}"}}
type Transform struct{}

func (Transform) Name() string        { return "transform" }
func (Transform) Description() string { return "reshapes context data via template mappings" }
func (Transform) Version() string     { return "1.0.0" }

// Idempotent: pure data movement.
func (Transform) Idempotent() bool { return true }

func (Transform) ValidateConfig(config map[string]any) error {
	raw, ok := config["mappings"]
	if !ok {
		return fmt.Errorf("mappings object is required")
	}
	if _, ok := raw.(map[string]any); !ok {
		return fmt.Errorf("mappings must be an object, got %T", raw)
	}
	return nil
}

func (Transform) Execute(ctx context.Context, ec *workflow.ExecutionContext) (*workflow.ExecutionResult, error) {
	mappings := ec.Config["mappings"].(map[string]any)
	out := make(map[string]any, len(mappings))
	for key, value := range mappings {
		out[key] = value
	}
	return &workflow.ExecutionResult{Success: true, Data: out}, nil
}
