package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, Backoff: BackoffFixed, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
		assert.Equal(t, 2*time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(4))
	})

	t.Run("linear caps at max", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 10, Backoff: BackoffLinear, BaseDelay: 3 * time.Second, MaxDelay: 10 * time.Second}
		assert.Equal(t, 3*time.Second, p.Delay(1))
		assert.Equal(t, 6*time.Second, p.Delay(2))
		assert.Equal(t, 9*time.Second, p.Delay(3))
		assert.Equal(t, 10*time.Second, p.Delay(4))
	})

	t.Run("exponential caps at max", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 10, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
		assert.Equal(t, 1*time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(2))
		assert.Equal(t, 4*time.Second, p.Delay(3))
		assert.Equal(t, 8*time.Second, p.Delay(4))
		assert.Equal(t, 8*time.Second, p.Delay(9))
	})

	t.Run("zero jitter is deterministic", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0}
		first := p.Delay(3)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, p.Delay(3))
		}
	})

	t.Run("jitter bounded", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 8 * time.Second, Jitter: 0.5}
		for i := 0; i < 100; i++ {
			d := p.Delay(4)
			assert.GreaterOrEqual(t, d, 8*time.Second)
			assert.LessOrEqual(t, d, 12*time.Second)
		}
	})

	t.Run("attempt below one", func(t *testing.T) {
		p := PolicyFor(PriorityNormal)
		assert.Equal(t, time.Duration(0), p.Delay(0))
	})
}

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, PolicyFor(PriorityCritical).Validate())
	require.NoError(t, PolicyFor(PriorityHigh).Validate())
	require.NoError(t, PolicyFor(PriorityNormal).Validate())
	require.NoError(t, PolicyFor(PriorityLow).Validate())

	assert.Error(t, RetryPolicy{MaxAttempts: 0, Backoff: BackoffFixed}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Backoff: "bogus"}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed, Jitter: 1.5}.Validate())
}

func TestHeartbeatThresholds(t *testing.T) {
	assert.Equal(t, 30*time.Second, PriorityCritical.HeartbeatThreshold())
	assert.Equal(t, 60*time.Second, PriorityHigh.HeartbeatThreshold())
	assert.Equal(t, 120*time.Second, PriorityNormal.HeartbeatThreshold())
	assert.Equal(t, 300*time.Second, PriorityLow.HeartbeatThreshold())
}

func TestGrade(t *testing.T) {
	healthy := []AgentHealth{
		{AgentID: "a", Status: AgentRunning, Priority: PriorityNormal},
	}
	assert.Equal(t, GradeHealthy, grade(healthy, GradeHealthy))

	oneLow := []AgentHealth{
		{AgentID: "a", Status: AgentFailed, Priority: PriorityLow},
	}
	assert.Equal(t, GradeDegraded1, grade(oneLow, GradeHealthy))

	oneHigh := []AgentHealth{
		{AgentID: "a", Status: AgentFailed, Priority: PriorityHigh},
	}
	assert.Equal(t, GradeDegraded2, grade(oneHigh, GradeHealthy))

	multi := []AgentHealth{
		{AgentID: "a", Status: AgentFailed, Priority: PriorityLow},
		{AgentID: "b", Status: AgentFailed, Priority: PriorityNormal},
	}
	assert.Equal(t, GradeDegraded2, grade(multi, GradeHealthy))

	critical := []AgentHealth{
		{AgentID: "a", Status: AgentFailed, Priority: PriorityCritical},
		{AgentID: "b", Status: AgentRunning, Priority: PriorityNormal},
	}
	assert.Equal(t, GradeDegraded3, grade(critical, GradeHealthy))

	// Recovering from a degraded grade passes through recovery.
	assert.Equal(t, GradeRecovery, grade(healthy, GradeDegraded2))
	assert.Equal(t, GradeHealthy, grade(healthy, GradeRecovery))
}
