package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// TimeoutManager sweeps the running-job table on its own cadence so that
// an overrunning job is detected within roughly one poll interval of its
// deadline, not only when it happens to complete.
type TimeoutManager struct {
	logger     *zap.Logger
	interval   time.Duration
	dispatcher *Dispatcher

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTimeoutManager creates a manager sweeping at the given interval.
func NewTimeoutManager(d *Dispatcher, interval time.Duration, logger *zap.Logger) *TimeoutManager {
	return &TimeoutManager{
		logger:     logger,
		interval:   interval,
		dispatcher: d,
	}
}

// Start launches the sweep loop. Idempotent.
func (tm *TimeoutManager) Start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started {
		return
	}
	tm.started = true
	tm.stopCh = make(chan struct{})

	tm.wg.Add(1)
	go tm.sweepLoop(tm.stopCh)
	tm.logger.Info("Timeout manager started", zap.Duration("interval", tm.interval))
}

// Stop halts the sweep loop. Idempotent.
func (tm *TimeoutManager) Stop() {
	tm.mu.Lock()
	if !tm.started {
		tm.mu.Unlock()
		return
	}
	tm.started = false
	close(tm.stopCh)
	tm.mu.Unlock()

	tm.wg.Wait()
	tm.logger.Info("Timeout manager stopped")
}

// Healthy reports whether the sweep loop is live.
func (tm *TimeoutManager) Healthy() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.started {
		return models.ErrNotRunning
	}
	return nil
}

func (tm *TimeoutManager) sweepLoop(stopCh chan struct{}) {
	defer tm.wg.Done()

	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			tm.dispatcher.ExpireOverdue(now)
		}
	}
}
