package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// PlanSource is the external execution-plan store the monitor polls. It is
// written to by an unrelated submission front end; the monitor only reads
// plans it has not dispatched yet.
type PlanSource interface {
	FetchPlans(ctx context.Context, max int) ([]*models.ExecutionPlan, error)
}

// Submitter is the slice of the dispatcher the monitor needs.
type Submitter interface {
	Submit(tc models.TestCase, priority models.JobPriority, impactScore float64) (uuid.UUID, error)
}

// Stats summarizes the monitor's polling activity.
type Stats struct {
	LastPollPlans   int       `json:"last_poll_plans"`
	TotalPlans      int64     `json:"total_plans"`
	TotalJobs       int64     `json:"total_jobs"`
	LastPollAt      time.Time `json:"last_poll_at"`
	ConsecutiveErrs int       `json:"consecutive_errors"`
}

// QueueMonitor bridges the external submission source to the dispatcher:
// each poll it fetches newly created plans, converts every test case into
// a job, and reports how many new plans it discovered.
type QueueMonitor struct {
	logger    *zap.Logger
	interval  time.Duration
	source    PlanSource
	submitter Submitter
	fetchMax  int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	seen    map[uuid.UUID]struct{}
	stats   Stats
	lastErr error
}

// New creates a queue monitor polling source at the given interval.
func New(source PlanSource, submitter Submitter, interval time.Duration, logger *zap.Logger) *QueueMonitor {
	return &QueueMonitor{
		logger:    logger,
		interval:  interval,
		source:    source,
		submitter: submitter,
		fetchMax:  16,
		seen:      make(map[uuid.UUID]struct{}),
	}
}

// Start launches the polling loop. Idempotent.
func (qm *QueueMonitor) Start() {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.started {
		return
	}
	qm.started = true
	qm.stopCh = make(chan struct{})

	qm.wg.Add(1)
	go qm.pollLoop(qm.stopCh)
	qm.logger.Info("Queue monitor started", zap.Duration("interval", qm.interval))
}

// Stop halts the polling loop. Idempotent.
func (qm *QueueMonitor) Stop() {
	qm.mu.Lock()
	if !qm.started {
		qm.mu.Unlock()
		return
	}
	qm.started = false
	close(qm.stopCh)
	qm.mu.Unlock()

	qm.wg.Wait()
	qm.logger.Info("Queue monitor stopped")
}

// Healthy reports monitor health: degraded after repeated failed polls,
// recovered by the next successful one.
func (qm *QueueMonitor) Healthy() error {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if !qm.started {
		return models.ErrNotRunning
	}
	if qm.stats.ConsecutiveErrs >= 3 {
		return qm.lastErr
	}
	return nil
}

// Stats returns a snapshot of polling activity.
func (qm *QueueMonitor) Stats() Stats {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.stats
}

func (qm *QueueMonitor) pollLoop(stopCh chan struct{}) {
	defer qm.wg.Done()

	ticker := time.NewTicker(qm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			qm.Poll(context.Background())
		}
	}
}

// Poll fetches new plans once and submits their test cases. Returns the
// number of new plans discovered. Errors degrade health but never stop the
// loop; the source is an external collaborator that may flap.
func (qm *QueueMonitor) Poll(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, qm.interval)
	defer cancel()

	plans, err := qm.source.FetchPlans(ctx, qm.fetchMax)
	if err != nil {
		qm.mu.Lock()
		qm.lastErr = err
		qm.stats.ConsecutiveErrs++
		qm.mu.Unlock()
		qm.logger.Error("Failed to poll execution plan source", zap.Error(err))
		return 0
	}

	discovered := 0
	jobs := 0
	for _, plan := range plans {
		qm.mu.Lock()
		_, dup := qm.seen[plan.PlanID]
		if !dup {
			qm.seen[plan.PlanID] = struct{}{}
		}
		qm.mu.Unlock()
		if dup {
			continue
		}
		discovered++

		for _, tc := range plan.TestCases {
			if _, err := qm.submitter.Submit(tc, plan.Priority, plan.ImpactScore); err != nil {
				qm.logger.Error("Failed to submit test case from plan",
					zap.String("plan_id", plan.PlanID.String()),
					zap.String("test_case", tc.ID),
					zap.Error(err),
				)
				continue
			}
			jobs++
		}
		qm.logger.Info("Execution plan converted to jobs",
			zap.String("plan_id", plan.PlanID.String()),
			zap.String("priority", plan.Priority.String()),
			zap.Int("test_cases", len(plan.TestCases)),
		)
	}

	qm.mu.Lock()
	qm.lastErr = nil
	qm.stats.ConsecutiveErrs = 0
	qm.stats.LastPollPlans = discovered
	qm.stats.TotalPlans += int64(discovered)
	qm.stats.TotalJobs += int64(jobs)
	qm.stats.LastPollAt = time.Now().UTC()
	qm.mu.Unlock()

	return discovered
}
