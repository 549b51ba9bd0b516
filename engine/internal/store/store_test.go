package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/engine/models"
)

func TestPutReserveRelease(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	id, err := s.Put([]byte("payload"), models.PriorityNormal, "T1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	reserved := s.Reserve(1<<20, 0)
	require.Len(t, reserved, 1)
	assert.Equal(t, id, reserved[0].ID)

	// reserved items are not returned again
	assert.Empty(t, s.Reserve(1<<20, 0))

	s.Release([]string{id}, models.Accepted, time.Time{})
	assert.Equal(t, 0, s.Stats().ItemCount)
}

func TestReservePrefersHigherPriority(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	lowID, _ := s.Put([]byte("low"), models.PriorityBackground, "T1")
	highID, _ := s.Put([]byte("high"), models.PriorityImmediate, "T1")

	reserved := s.Reserve(1<<20, 1)
	require.Len(t, reserved, 1)
	assert.Equal(t, highID, reserved[0].ID)
	_ = lowID
}

func TestReleaseRetryableClearsReservationAndBumpsRetryCount(t *testing.T) {
	s, err := New(Config{MaxRetryCount: 3})
	require.NoError(t, err)

	id, _ := s.Put([]byte("x"), models.PriorityNormal, "T1")
	s.Reserve(1<<20, 0)
	s.Release([]string{id}, models.RejectedRetryable, time.Now())

	reserved := s.Reserve(1<<20, 0)
	require.Len(t, reserved, 1)
	assert.Equal(t, 1, reserved[0].RetryCount)
}

func TestMaxRetriesExceededDropsItem(t *testing.T) {
	s, err := New(Config{MaxRetryCount: 2})
	require.NoError(t, err)

	id, _ := s.Put([]byte("x"), models.PriorityNormal, "T1")
	var dropped []string
	for i := 0; i < 3; i++ {
		s.Reserve(1<<20, 0)
		dropped = s.Release([]string{id}, models.RejectedRetryable, time.Now())
	}

	assert.Equal(t, 0, s.Stats().ItemCount)
	assert.Equal(t, uint64(1), s.Stats().DroppedMaxRetries)
	assert.Equal(t, []string{id}, dropped, "Release must report the dropped id on the call that exceeds maxRetryCount")
}

func TestReleaseBelowMaxRetryCountReportsNoDrops(t *testing.T) {
	s, err := New(Config{MaxRetryCount: 2})
	require.NoError(t, err)

	id, _ := s.Put([]byte("x"), models.PriorityNormal, "T1")
	s.Reserve(1<<20, 0)
	dropped := s.Release([]string{id}, models.RejectedRetryable, time.Now())
	assert.Empty(t, dropped)
}

func TestReleaseDeferredClearsReservationWithoutBumpingRetryCount(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	id, _ := s.Put([]byte("x"), models.PriorityNormal, "T1")
	s.Reserve(1<<20, 0)
	dropped := s.Release([]string{id}, models.Deferred, time.Time{})
	assert.Empty(t, dropped)

	reserved := s.Reserve(1<<20, 0)
	require.Len(t, reserved, 1)
	assert.Equal(t, 0, reserved[0].RetryCount, "Deferred must not count as a retry attempt")
}

func TestDiskPressureRejectsLowPriorityPuts(t *testing.T) {
	s, err := New(Config{DiskSizeLimitBytes: 10, DiskFullNotifyPercent: 50})
	require.NoError(t, err)

	_, err = s.Put([]byte("123456"), models.PriorityBackground, "T1")
	require.NoError(t, err)

	_, err = s.Put([]byte("x"), models.PriorityNormal, "T1")
	assert.Error(t, err)
	assert.True(t, models.IsKind(err, models.StoreFull))
}

func TestImmediatePriorityEvictsLowerPriorityUnderDiskBudget(t *testing.T) {
	s, err := New(Config{DiskSizeLimitBytes: 8})
	require.NoError(t, err)

	bgID, err := s.Put([]byte("12345"), models.PriorityBackground, "T1")
	require.NoError(t, err)

	immID, err := s.Put([]byte("123456"), models.PriorityImmediate, "T1")
	require.NoError(t, err)

	stats := s.Stats()
	assert.LessOrEqual(t, stats.TotalBytes, int64(8))

	reserved := s.Reserve(1<<20, 0)
	ids := map[string]bool{}
	for _, r := range reserved {
		ids[r.ID] = true
	}
	assert.True(t, ids[immID], "immediate item must be persisted")
	assert.False(t, ids[bgID], "background item must be evicted to make room")
	assert.Equal(t, uint64(1), s.Stats().EvictedForSpace)
}

func TestMemoryPressureNotifiesOverThreshold(t *testing.T) {
	s, err := New(Config{MemorySizeLimitBytes: 10, MemoryFullNotifyPercent: 50})
	require.NoError(t, err)

	_, err = s.Put([]byte("123456"), models.PriorityNormal, "T1")
	require.NoError(t, err)

	select {
	case sig := <-s.MemoryPressure():
		assert.NotEmpty(t, sig.Reason)
	default:
		t.Fatal("expected a memory pressure signal")
	}
}

func TestDurabilityLogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/store.log"

	s, err := New(Config{CheckpointPath: path})
	require.NoError(t, err)
	id, err := s.Put([]byte("durable"), models.PriorityHigh, "T1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(Config{CheckpointPath: path})
	require.NoError(t, err)
	reserved := s2.Reserve(1<<20, 0)
	require.Len(t, reserved, 1)
	assert.Equal(t, id, reserved[0].ID)
}
