package workflow

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy indicates a RetryPolicy that violates its
// constraints (MaxAttempts < 1, or MaxDelay < BaseDelay).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry configuration for transient node
// failures.
//
// When a node execution fails retryably, the policy determines how long to
// wait before the next attempt. Exponential backoff with jitter avoids
// thundering herd effects when many nodes fail together.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts including
	// the initial one. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is applied to nodes that set maxRetries without
// further tuning.
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxRetries + 1,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before retrying a failed node
// execution using exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). Example delays with base=1s,
// maxDelay=30s: 1-2s, 2-3s, 4-5s, 8-9s, ..., 30-31s capped.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	// Clamp the shift: past 30 doublings the delay is either capped or
	// saturated anyway, and an unclamped shift wraps negative.
	shift := uint(attempt)
	if shift > 30 {
		shift = 30
	}
	exponentialDelay := base << shift
	if exponentialDelay < base {
		exponentialDelay = time.Duration(math.MaxInt64)
	}
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	if exponentialDelay > time.Duration(math.MaxInt64)-jitter {
		return time.Duration(math.MaxInt64)
	}
	return exponentialDelay + jitter
}
