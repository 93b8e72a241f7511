// Package task provides the built-in executors: echo, delay, http,
// transform, and llm. They register with an engine like any plug-in
// executor and cover the common units of work so simple workflows need
// no custom code.
package task

import (
	"context"

	"github.com/stratix/stratix-go/workflow"
)

// Echo returns its resolved config. With a "msg" key it returns
// {out: msg}; otherwise the whole config is echoed. Used for wiring
// tests and as the terminal node of notification-free workflows.
type Echo struct{}

func (Echo) Name() string        { return "echo" }
func (Echo) Description() string { return "returns its resolved input" }
func (Echo) Version() string     { return "1.0.0" }

// Idempotent: echoing has no side effects; restarts are free.
func (Echo) Idempotent() bool { return true }

func (Echo) Execute(ctx context.Context, ec *workflow.ExecutionContext) (*workflow.ExecutionResult, error) {
	if msg, ok := ec.Config["msg"]; ok {
		return &workflow.ExecutionResult{Success: true, Data: map[string]any{"out": msg}}, nil
	}
	out := make(map[string]any, len(ec.Config))
	for k, v := range ec.Config {
		out[k] = v
	}
	return &workflow.ExecutionResult{Success: true, Data: out}, nil
}
