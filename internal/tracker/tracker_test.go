package tracker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

func TestTracker_CountersFollowTransitions(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop(), decimal.Zero)
	a, b := uuid.New(), uuid.New()

	tr.RecordTransition(a, "", models.JobStatePending, "submitted")
	tr.RecordTransition(b, "", models.JobStatePending, "submitted")
	m := tr.Metrics()
	assert.Equal(t, int64(2), m.QueuedTests)
	assert.Equal(t, int64(0), m.ActiveTests)

	tr.RecordTransition(a, models.JobStatePending, models.JobStateRunning, "")
	m = tr.Metrics()
	assert.Equal(t, int64(1), m.QueuedTests)
	assert.Equal(t, int64(1), m.ActiveTests)

	tr.RecordTransition(a, models.JobStateRunning, models.JobStateCompleted, "")
	tr.RecordTransition(b, models.JobStatePending, models.JobStateCancelled, "")
	m = tr.Metrics()
	assert.Equal(t, int64(0), m.QueuedTests)
	assert.Equal(t, int64(0), m.ActiveTests)
	assert.Equal(t, int64(1), m.CompletedTests)
	assert.Equal(t, int64(1), m.CancelledTests)
}

func TestTracker_TerminalStateCounters(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop(), decimal.Zero)
	for _, state := range []models.JobState{
		models.JobStateFailed,
		models.JobStateTimeout,
	} {
		id := uuid.New()
		tr.RecordTransition(id, models.JobStateRunning, state, "")
	}

	m := tr.Metrics()
	assert.Equal(t, int64(1), m.FailedTests)
	assert.Equal(t, int64(1), m.TimedOutTests)
}

func TestTracker_HistoryPerJob(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop(), decimal.Zero)
	a, b := uuid.New(), uuid.New()

	tr.RecordTransition(a, "", models.JobStatePending, "submitted")
	tr.RecordTransition(b, "", models.JobStatePending, "submitted")
	tr.RecordTransition(a, models.JobStatePending, models.JobStateRunning, "environment qemu-1")
	tr.RecordTransition(a, models.JobStateRunning, models.JobStateCompleted, "")

	hist := tr.History(a)
	require.Len(t, hist, 3)
	assert.Equal(t, models.JobStatePending, hist[0].To)
	assert.Equal(t, models.JobStateRunning, hist[1].To)
	assert.Equal(t, "environment qemu-1", hist[1].Detail)
	assert.Equal(t, models.JobStateCompleted, hist[2].To)

	assert.Len(t, tr.History(b), 1)
	assert.Empty(t, tr.History(uuid.New()))
}

func TestTracker_AverageExecutionTime(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop(), decimal.Zero)
	tr.RecordExecution(models.BackendQEMU, 10*time.Second)
	tr.RecordExecution(models.BackendQEMU, 20*time.Second)

	m := tr.Metrics()
	assert.Equal(t, 15*time.Second, m.AverageExecutionTime)
}

func TestTracker_ComputeCostAccruesPerBackend(t *testing.T) {
	t.Parallel()

	// 1.00 per hour: a 30 minute run costs exactly 0.5.
	tr := New(zap.NewNop(), decimal.NewFromInt(1))
	tr.RecordExecution(models.BackendQEMU, 30*time.Minute)
	tr.RecordExecution(models.BackendContainer, 36*time.Minute)

	m := tr.Metrics()
	qemu := m.ComputeCost[string(models.BackendQEMU)]
	container := m.ComputeCost[string(models.BackendContainer)]
	assert.True(t, qemu.Equal(decimal.NewFromFloat(0.5)), "got %s", qemu)
	assert.True(t, container.Equal(decimal.NewFromFloat(0.6)), "got %s", container)
}
