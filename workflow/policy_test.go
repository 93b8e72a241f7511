package workflow

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicyValidate(t *testing.T) {
	cases := []struct {
		name   string
		policy RetryPolicy
		ok     bool
	}{
		{"Default", DefaultRetryPolicy(3), true},
		{"SingleAttempt", RetryPolicy{MaxAttempts: 1}, true},
		{"ZeroAttempts", RetryPolicy{MaxAttempts: 0}, false},
		{"MaxBelowBase", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Second}, false},
		{"UncappedGrowth", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("err = %v, want ErrInvalidRetryPolicy", err)
			}
		})
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Second
	maxDelay := 30 * time.Second

	for attempt := 0; attempt < 8; attempt++ {
		d := computeBackoff(attempt, base, maxDelay, rng)

		exp := base * (1 << attempt)
		if exp > maxDelay {
			exp = maxDelay
		}
		if d < exp {
			t.Errorf("attempt %d: delay %s below exponential floor %s", attempt, d, exp)
		}
		if d >= exp+base {
			t.Errorf("attempt %d: delay %s exceeds floor+jitter ceiling %s", attempt, d, exp+base)
		}
	}
}

func TestComputeBackoffCapsAtMaxDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := computeBackoff(20, time.Second, 30*time.Second, rng)
	if d >= 31*time.Second {
		t.Errorf("capped delay %s exceeds max+jitter", d)
	}
}

func TestComputeBackoffLargeAttemptStaysPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// Past the point where the shift would wrap, delays stay at the cap
	// instead of going negative (which time.After treats as zero).
	for _, attempt := range []int{34, 40, 63, 100} {
		d := computeBackoff(attempt, time.Second, 30*time.Second, rng)
		if d < 30*time.Second || d >= 31*time.Second {
			t.Errorf("attempt %d: delay %s, want capped in [30s, 31s)", attempt, d)
		}
	}

	// Uncapped growth saturates rather than wrapping.
	if d := computeBackoff(100, time.Hour, 0, rng); d <= 0 {
		t.Errorf("uncapped large attempt wrapped to %s", d)
	}
}

func TestComputeBackoffDefaultsBase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := computeBackoff(0, 0, 0, rng)
	if d < time.Second || d >= 2*time.Second {
		t.Errorf("zero base should default to 1s: got %s", d)
	}
}
