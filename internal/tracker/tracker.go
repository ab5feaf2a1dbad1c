package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// transitionHistoryLimit bounds the in-memory transition log; the oldest
// records are discarded first.
const transitionHistoryLimit = 10000

// Transition records one job state change with its timestamp.
type Transition struct {
	JobID  uuid.UUID       `json:"job_id"`
	From   models.JobState `json:"from,omitempty"`
	To     models.JobState `json:"to"`
	Detail string          `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}

// Metrics is the aggregate view the tracker exposes for monitoring.
type Metrics struct {
	ActiveTests          int64                      `json:"active_tests"`
	QueuedTests          int64                      `json:"queued_tests"`
	CompletedTests       int64                      `json:"completed_tests"`
	FailedTests          int64                      `json:"failed_tests"`
	TimedOutTests        int64                      `json:"timed_out_tests"`
	CancelledTests       int64                      `json:"cancelled_tests"`
	AverageExecutionTime time.Duration              `json:"average_execution_time"`
	ComputeCost          map[string]decimal.Decimal `json:"compute_cost"`
}

// Tracker records every job state transition and keeps running aggregates.
// Compute usage is accounted per backend kind with decimal arithmetic so
// long-running cost sums do not drift.
type Tracker struct {
	mu     sync.Mutex
	logger *zap.Logger

	transitions []Transition
	byJob       map[uuid.UUID][]int

	active    int64
	queued    int64
	completed int64
	failed    int64
	timedOut  int64
	cancelled int64

	totalExecTime time.Duration
	execSamples   int64

	hourlyRate decimal.Decimal
	cost       map[models.BackendKind]decimal.Decimal
}

// New creates a tracker. hourlyRate is the per-hour compute usage rate
// applied to finished executions.
func New(logger *zap.Logger, hourlyRate decimal.Decimal) *Tracker {
	return &Tracker{
		logger:     logger,
		byJob:      make(map[uuid.UUID][]int),
		hourlyRate: hourlyRate,
		cost:       make(map[models.BackendKind]decimal.Decimal),
	}
}

// RecordTransition appends a transition and updates the aggregate counters.
func (t *Tracker) RecordTransition(jobID uuid.UUID, from, to models.JobState, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.transitions) >= transitionHistoryLimit {
		// Drop the oldest record. The index map is rebuilt lazily only for
		// jobs still referenced; stale indexes are tolerated since history
		// lookups re-check the job ID.
		t.transitions = t.transitions[1:]
		for id, idxs := range t.byJob {
			for i := range idxs {
				idxs[i]--
			}
			if len(idxs) > 0 && idxs[0] < 0 {
				t.byJob[id] = idxs[1:]
			}
			if len(t.byJob[id]) == 0 {
				delete(t.byJob, id)
			}
		}
	}

	t.transitions = append(t.transitions, Transition{
		JobID:  jobID,
		From:   from,
		To:     to,
		Detail: detail,
		At:     time.Now().UTC(),
	})
	t.byJob[jobID] = append(t.byJob[jobID], len(t.transitions)-1)

	switch from {
	case models.JobStatePending:
		t.queued--
	case models.JobStateRunning:
		t.active--
	}
	switch to {
	case models.JobStatePending:
		t.queued++
	case models.JobStateRunning:
		t.active++
	case models.JobStateCompleted:
		t.completed++
	case models.JobStateFailed:
		t.failed++
	case models.JobStateTimeout:
		t.timedOut++
	case models.JobStateCancelled:
		t.cancelled++
	}

	t.logger.Debug("Job state transition recorded",
		zap.String("job_id", jobID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// RecordExecution accrues execution time and compute cost for a finished
// run on the given backend.
func (t *Tracker) RecordExecution(backend models.BackendKind, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalExecTime += d
	t.execSamples++

	seconds := decimal.NewFromFloat(d.Seconds())
	increment := t.hourlyRate.Mul(seconds).Div(decimal.NewFromInt(3600))
	t.cost[backend] = t.cost[backend].Add(increment)
}

// Metrics returns a snapshot of the aggregate counters.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := Metrics{
		ActiveTests:    t.active,
		QueuedTests:    t.queued,
		CompletedTests: t.completed,
		FailedTests:    t.failed,
		TimedOutTests:  t.timedOut,
		CancelledTests: t.cancelled,
		ComputeCost:    make(map[string]decimal.Decimal, len(t.cost)),
	}
	if t.execSamples > 0 {
		m.AverageExecutionTime = t.totalExecTime / time.Duration(t.execSamples)
	}
	for k, v := range t.cost {
		m.ComputeCost[string(k)] = v
	}
	return m
}

// History returns the recorded transitions for one job in order.
func (t *Tracker) History(jobID uuid.UUID) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	idxs := t.byJob[jobID]
	out := make([]Transition, 0, len(idxs))
	for _, i := range idxs {
		if i >= 0 && i < len(t.transitions) && t.transitions[i].JobID == jobID {
			out = append(out, t.transitions[i])
		}
	}
	return out
}
