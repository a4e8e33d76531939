package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFires(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Bool
	s.After(10*time.Millisecond, func() { fired.Store(true) })

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestStopCancelsPendingOneShots(t *testing.T) {
	s := New()

	var fired atomic.Bool
	s.After(50*time.Millisecond, func() { fired.Store(true) })
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestAfterIgnoredOnceStopped(t *testing.T) {
	s := New()
	s.Stop()

	var fired atomic.Bool
	s.After(time.Millisecond, func() { fired.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestEveryRejectsBadSpec(t *testing.T) {
	s := New()
	defer s.Stop()

	assert.Error(t, s.Every("not a cron spec", func() {}))
	assert.NoError(t, s.Every("0 3 * * *", func() {}))
}

func TestEveryRuns(t *testing.T) {
	s := New()
	defer s.Stop()

	var count atomic.Int32
	// @every accepts sub-minute intervals unlike standard specs.
	require.NoError(t, s.Every("@every 20ms", func() { count.Add(1) }))
	s.Start()

	require.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
