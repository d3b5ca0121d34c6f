package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Operation is any unit of work the controller can wrap. Implementations
// should honor ctx cancellation; those that do not are still bounded by the
// attempt timeout.
type Operation func(ctx context.Context) (any, error)

// FallbackSpec declares the degraded path for an agent when all primary
// attempts exhaust.
type FallbackSpec struct {
	// Fallback is the alternative operation; may be nil.
	Fallback Operation

	// DegradationLevel records how far service quality drops (1 = mild).
	DegradationLevel int

	// QueueOnFail persists the job to the failure queue when the fallback
	// also fails.
	QueueOnFail bool

	// Notify marks the failure for operator attention in the audit stream.
	Notify bool

	// SafeDefault is returned to callers when nothing else succeeded.
	SafeDefault any
}

// Job names an operation for auditing and requeueing.
type Job struct {
	Name    string
	Payload map[string]any
	Op      Operation
}

// Outcome is the well-typed result of a resilient execution. Callers never
// observe a panic or raw failure from Execute: either Value carries the
// primary/fallback output, or it carries the declared safe default with
// Degraded set.
type Outcome struct {
	Value        any
	Attempts     int
	UsedFallback bool
	Degraded     bool
	Queued       bool
	FailureKind  string
	LastError    string
}

// Execute runs a job with the agent's retry policy, then fallback, then
// failure queue, finally returning the declared safe default. This is the
// universal invocation wrapper for anything that can fail.
func (c *Controller) Execute(ctx context.Context, agentID string, job Job) Outcome {
	policy := c.policyFor(agentID)
	outcome := Outcome{}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		value, err := c.runAttempt(ctx, job.Op, policy.Timeout)
		if err == nil {
			c.agents.markSuccess(agentID, time.Now().UTC())
			outcome.Value = value
			return outcome
		}

		outcome.LastError = err.Error()
		outcome.FailureKind = classify(err)
		c.agents.markFailure(agentID, err.Error())
		c.notifyFailure(agentID, outcome.FailureKind)
		if c.audit != nil {
			c.audit.Failure("operation_failed", agentID, "", map[string]any{
				"error_type": outcome.FailureKind,
				"operation":  job.Name,
				"attempt":    attempt,
				"error":      err.Error(),
			})
		}
		c.logger.Warn("Operation attempt failed",
			"agent_id", agentID,
			"operation", job.Name,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"error", err)

		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Delay(attempt)
		if c.audit != nil {
			c.audit.Retry("retry_scheduled", agentID, "", map[string]any{
				"operation": job.Name,
				"attempt":   attempt,
				"delay":     delay.String(),
			})
		}
		c.sleep(ctx, delay)
		if ctx.Err() != nil {
			break
		}
	}

	// Primary exhausted; try the declared fallback.
	c.mu.RLock()
	spec, hasSpec := c.fallbacks[agentID]
	c.mu.RUnlock()

	if hasSpec && spec.Fallback != nil {
		value, err := c.runAttempt(ctx, spec.Fallback, policy.Timeout)
		if err == nil {
			outcome.Value = value
			outcome.UsedFallback = true
			outcome.Degraded = spec.DegradationLevel > 0
			return outcome
		}
		outcome.LastError = err.Error()
		c.logger.Warn("Fallback failed",
			"agent_id", agentID,
			"operation", job.Name,
			"error", err)
	}

	if hasSpec && spec.QueueOnFail {
		if _, err := c.queue.Enqueue(QueuedJob{
			AgentID:   agentID,
			Operation: job.Name,
			Payload:   job.Payload,
		}); err != nil {
			c.logger.Error("Failed to enqueue job after fallback failure",
				"agent_id", agentID,
				"operation", job.Name,
				"error", err)
		} else {
			outcome.Queued = true
		}
	}

	outcome.Degraded = true
	if hasSpec {
		outcome.Value = spec.SafeDefault
	}
	return outcome
}

// runAttempt runs op once under the attempt timeout, converting panics into
// errors so nothing escapes the wrapper.
func (c *Controller) runAttempt(ctx context.Context, op Operation, timeout time.Duration) (value any, err error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Operation panicked",
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
				done <- result{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, opErr := op(attemptCtx)
		done <- result{value: v, err: opErr}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-attemptCtx.Done():
		// The goroutine may still be running; its late result is discarded
		// through the buffered channel.
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("operation timeout: %w", attemptCtx.Err())
		}
		return nil, attemptCtx.Err()
	}
}

func (c *Controller) policyFor(agentID string) RetryPolicy {
	c.mu.RLock()
	if policy, ok := c.policies[agentID]; ok {
		c.mu.RUnlock()
		return policy
	}
	c.mu.RUnlock()
	priority := PriorityNormal
	if agent, ok := c.agents.get(agentID); ok {
		priority = agent.Priority
	}
	return PolicyFor(priority)
}

func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "operation_timeout"
	default:
		return "upstream_failure"
	}
}
