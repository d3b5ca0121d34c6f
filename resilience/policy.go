// Package resilience keeps the runtime alive under partial failure: retry
// policies with backoff, heartbeat monitoring, fallbacks with safe defaults,
// an on-disk failure queue, and system health grading. The monitor loops are
// guarded so that no failure inside them can crash the process.
package resilience

import (
	"fmt"
	"math/rand"
	"time"
)

// Priority classifies agents and operations for retry budgets and heartbeat
// thresholds. The set is closed.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Known reports whether p is a declared priority.
func (p Priority) Known() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// HeartbeatThreshold returns how long an agent of this priority may go
// without a heartbeat before a miss is recorded.
func (p Priority) HeartbeatThreshold() time.Duration {
	switch p {
	case PriorityCritical:
		return 30 * time.Second
	case PriorityHigh:
		return 60 * time.Second
	case PriorityLow:
		return 300 * time.Second
	default:
		return 120 * time.Second
	}
}

// BackoffKind selects the delay formula between attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds repeated attempts of one operation. Timeout bounds a
// single attempt, not the whole sequence.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffKind   `json:"backoff"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      float64       `json:"jitter"`
	Timeout     time.Duration `json:"timeout"`
}

// Validate checks policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff kind %q", p.Backoff)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be in [0,1], got %v", p.Jitter)
	}
	return nil
}

// Delay returns the wait before re-running attempt n (1-based: the delay
// after the n-th attempt failed). Jitter of zero makes the result
// deterministic.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = time.Duration(attempt) * p.BaseDelay
	case BackoffExponential:
		shift := attempt - 1
		if shift > 20 {
			// Past 2^20 the cap always wins; avoid shift overflow.
			shift = 20
		}
		delay = p.BaseDelay << uint(shift)
	default:
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// PolicyFor returns the default retry policy for an agent priority.
func PolicyFor(priority Priority) RetryPolicy {
	switch priority {
	case PriorityCritical:
		return RetryPolicy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2, Timeout: 60 * time.Second}
	case PriorityHigh:
		return RetryPolicy{MaxAttempts: 4, Backoff: BackoffExponential, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Jitter: 0.2, Timeout: 60 * time.Second}
	case PriorityLow:
		return RetryPolicy{MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Second, Jitter: 0.1, Timeout: 120 * time.Second}
	default:
		return RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 2 * time.Second, MaxDelay: 45 * time.Second, Jitter: 0.2, Timeout: 90 * time.Second}
	}
}
