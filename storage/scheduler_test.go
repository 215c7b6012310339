package storage

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerSchedulerRunsPeriodically(t *testing.T) {
	s := NewTickerScheduler(log.NewNopLogger())

	var runs atomic.Int64
	s.Schedule("counter", func() { runs.Add(1) }, time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, time.Second, time.Millisecond)

	s.Shutdown()

	// No more runs after shutdown.
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestTickerSchedulerShutdownBeforeInitialDelay(t *testing.T) {
	s := NewTickerScheduler(log.NewNopLogger())

	var runs atomic.Int64
	s.Schedule("never", func() { runs.Add(1) }, time.Hour, time.Hour)

	s.Shutdown()
	assert.Equal(t, int64(0), runs.Load())

	// Scheduling after shutdown is a no-op.
	s.Schedule("late", func() { runs.Add(1) }, time.Millisecond, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(0), runs.Load())
}
