package wallet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FlushScheduler runs the periodic flush and cache sweep loops for a Service.
type FlushScheduler struct {
	service   *Service
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
	finished  chan struct{}
}

// NewFlushScheduler builds a scheduler bound to the service's configured
// flush and sweep intervals.
func NewFlushScheduler(service *Service) *FlushScheduler {
	return &FlushScheduler{
		service:  service,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the background loops. The loops exit when ctx is cancelled
// or Stop is called.
func (scheduler *FlushScheduler) Start(ctx context.Context) {
	scheduler.startOnce.Do(func() {
		scheduler.started.Store(true)
		go scheduler.run(ctx)
	})
}

// Stop halts the loops and waits for the in-flight cycle to finish.
func (scheduler *FlushScheduler) Stop() {
	scheduler.stopOnce.Do(func() {
		close(scheduler.done)
	})
	if scheduler.started.Load() {
		<-scheduler.finished
	}
}

// FlushNow drains the dirty set outside the periodic cadence.
func (scheduler *FlushScheduler) FlushNow(ctx context.Context) (int, error) {
	return scheduler.service.FlushAll(ctx)
}

func (scheduler *FlushScheduler) run(ctx context.Context) {
	defer close(scheduler.finished)

	flushTicker := time.NewTicker(scheduler.service.config.FlushInterval)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(scheduler.service.config.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduler.done:
			return
		case <-flushTicker.C:
			// Errors are logged by the service; entries stay dirty and the
			// next tick retries them.
			_, _ = scheduler.service.FlushDirty(ctx)
		case <-sweepTicker.C:
			scheduler.service.SweepCache(ctx)
		}
	}
}
