package task

import (
	"context"
	"fmt"
	"time"

	"github.com/stratix/stratix-go/workflow"
)

// Delay pauses the node for a configured duration. Config takes either
// "duration" (a Go duration string like "90s") or "seconds" (number).
// Cancellation interrupts the wait.
type Delay struct{}

func (Delay) Name() string        { return "delay" }
func (Delay) Description() string { return "waits for a configured duration" }
func (Delay) Version() string     { return "1.0.0" }

// Idempotent: an interrupted wait simply restarts.
func (Delay) Idempotent() bool { return true }

func (Delay) ValidateConfig(config map[string]any) error {
	_, err := delayFromConfig(config)
	return err
}

func (Delay) Execute(ctx context.Context, ec *workflow.ExecutionContext) (*workflow.ExecutionResult, error) {
	d, err := delayFromConfig(ec.Config)
	if err != nil {
		no := false
		return &workflow.ExecutionResult{Success: false, Error: err.Error(), ShouldRetry: &no}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return &workflow.ExecutionResult{Success: true, Data: map[string]any{"waited": d.String()}}, nil
}

func delayFromConfig(config map[string]any) (time.Duration, error) {
	if raw, ok := config["duration"]; ok {
		s, ok := raw.(string)
		if !ok {
			return 0, fmt.Errorf("duration must be a string, got %T", raw)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("duration %q is negative", s)
		}
		return d, nil
	}
	if raw, ok := config["seconds"]; ok {
		secs, ok := raw.(float64)
		if !ok {
			if n, isInt := raw.(int); isInt {
				secs, ok = float64(n), true
			}
		}
		if !ok {
			return 0, fmt.Errorf("seconds must be a number, got %T", raw)
		}
		if secs < 0 {
			return 0, fmt.Errorf("seconds is negative")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("config requires duration or seconds")
}
