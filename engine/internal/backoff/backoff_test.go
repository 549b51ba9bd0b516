package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/engine/models"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestParsePolicyExponential(t *testing.T) {
	p, err := ParsePolicy("E,3000,300000,2,1")
	require.NoError(t, err)
	assert.Equal(t, models.BackoffExponential, p.Kind)
	assert.Equal(t, int64(3000), p.InitialMs)
	assert.Equal(t, int64(300000), p.MaxMs)
	assert.Equal(t, 2.0, p.Factor)
	assert.Equal(t, 1.0, p.Jitter)
}

func TestParsePolicyLinear(t *testing.T) {
	p, err := ParsePolicy("L,500,10000")
	require.NoError(t, err)
	assert.Equal(t, models.BackoffLinear, p.Kind)
	assert.Equal(t, int64(500), p.StepMs)
	assert.Equal(t, int64(10000), p.MaxMs)
}

func TestParsePolicyRejectsMalformed(t *testing.T) {
	_, err := ParsePolicy("E,3000,300000")
	assert.Error(t, err)
	_, err = ParsePolicy("X,1,2")
	assert.Error(t, err)
}

func TestOnFailureFirstAttemptWithinJitterRange(t *testing.T) {
	policy, err := ParsePolicy("E,3000,300000,2,1")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(0, 0)}
	tr := New().WithClock(clock).WithRand(func() float64 { return 0.5 })
	state := tr.OnFailure("endpoint-a", policy)

	assert.Equal(t, 3000*time.Millisecond, state.CurrentDelay)
	assert.Equal(t, 1, state.ConsecutiveFailures)

	trLow := New().WithClock(clock).WithRand(func() float64 { return 0 })
	low := trLow.OnFailure("endpoint-a", policy)
	assert.Equal(t, 1500*time.Millisecond, low.CurrentDelay)

	trHigh := New().WithClock(clock).WithRand(func() float64 { return 1 })
	high := trHigh.OnFailure("endpoint-a", policy)
	assert.Equal(t, 4500*time.Millisecond, high.CurrentDelay)
}

func TestDelayClampedToMax(t *testing.T) {
	policy, err := ParsePolicy("E,3000,5000,2,0")
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(0, 0)}
	tr := New().WithClock(clock).WithRand(func() float64 { return 0 })

	var last models.BackoffState
	for i := 0; i < 5; i++ {
		last = tr.OnFailure("endpoint-a", policy)
	}
	assert.Equal(t, 5000*time.Millisecond, last.CurrentDelay)
}

func TestOnSuccessResetsState(t *testing.T) {
	policy, err := ParsePolicy("E,3000,300000,2,0")
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(0, 0)}
	tr := New().WithClock(clock)
	tr.OnFailure("endpoint-a", policy)
	require.NotZero(t, tr.State("endpoint-a").ConsecutiveFailures)

	tr.OnSuccess("endpoint-a")
	assert.Zero(t, tr.State("endpoint-a").ConsecutiveFailures)
}

func TestAllowedReflectsNextAllowedTime(t *testing.T) {
	policy, err := ParsePolicy("E,1000,10000,2,0")
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(0, 0)}
	tr := New().WithClock(clock)

	assert.True(t, tr.Allowed("endpoint-a"))
	tr.OnFailure("endpoint-a", policy)
	assert.False(t, tr.Allowed("endpoint-a"))

	clock.now = clock.now.Add(2 * time.Second)
	assert.True(t, tr.Allowed("endpoint-a"))
}
