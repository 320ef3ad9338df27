package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlan(t *testing.T) {
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	policy := Policy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: 30 * time.Second}

	plan := NewPlan("rec-1", policy, now)
	require.Len(t, plan.Schedule, 5)

	assert.Equal(t, time.Duration(0), plan.Schedule[0].Delay)
	assert.True(t, plan.Schedule[0].ScheduledAt.Equal(now))

	// 100, 200, 400, 800ms before attempts 1..4
	want := []time.Duration{0, 100, 200, 400, 800}
	at := now
	for i, ms := range want {
		d := ms * time.Millisecond
		assert.Equal(t, d, plan.Delay(i), "attempt %d", i)
		at = at.Add(d)
		assert.True(t, plan.Schedule[i].ScheduledAt.Equal(at), "attempt %d", i)
	}
	assert.True(t, at.Equal(now.Add(1500*time.Millisecond)))
	assert.Equal(t, time.Duration(0), plan.Delay(99))
}

func TestComputeBackoff_Cap(t *testing.T) {
	policy := Policy{MaxAttempts: 10, Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, 5*time.Second, ComputeBackoff(BackoffParams{Key: "k", AttemptIndex: 8}, policy))
	assert.Equal(t, 5*time.Second, ComputeBackoff(BackoffParams{Key: "k", AttemptIndex: 100}, policy))
}

func TestComputeDeterministicJitter(t *testing.T) {
	policy := Policy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: time.Second, Jitter: 250 * time.Millisecond}
	p := BackoffParams{Key: "rec-1", AttemptIndex: 2}

	j1 := ComputeDeterministicJitter(p, policy)
	j2 := ComputeDeterministicJitter(p, policy)
	assert.Equal(t, j1, j2)
	assert.GreaterOrEqual(t, j1, int64(0))
	assert.Less(t, j1, int64(250))

	d := ComputeBackoff(p, policy)
	assert.Equal(t, 400*time.Millisecond+time.Duration(j1)*time.Millisecond, d)

	policy.Jitter = 0
	assert.Zero(t, ComputeDeterministicJitter(p, policy))
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxAttempts: 0}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Base: -1}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Base: time.Minute, Max: time.Second}.Validate())
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
