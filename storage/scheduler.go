package storage

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TickerScheduler runs each scheduled task on its own goroutine: once after
// the initial delay, then on every period tick until Shutdown.
type TickerScheduler struct {
	logger log.Logger

	mu       sync.Mutex
	stopc    chan struct{}
	wg       sync.WaitGroup
	shutdown bool
}

func NewTickerScheduler(logger log.Logger) *TickerScheduler {
	return &TickerScheduler{
		logger: logger,
		stopc:  make(chan struct{}),
	}
}

func (s *TickerScheduler) Schedule(name string, task func(), initialDelay time.Duration, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		level.Error(s.logger).Log("msg", "scheduler is shut down, dropping task", "task", name)
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(initialDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.stopc:
			return
		}

		task()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				task()
			case <-s.stopc:
				return
			}
		}
	}()
}

// Shutdown stops all tasks and waits for any in-flight run to finish.
func (s *TickerScheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	close(s.stopc)
	s.mu.Unlock()

	s.wg.Wait()
}
