package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerntest/orchestrator/internal/models"
)

func queuedJob(priority models.JobPriority, seq uint64) *models.Job {
	job := models.NewJob(models.TestCase{ID: "tc"}, priority, 0)
	job.Seq = seq
	return job
}

func TestPendingQueue_PriorityOrder(t *testing.T) {
	t.Parallel()

	pq := newPendingQueue()
	low := queuedJob(models.PriorityLow, 1)
	critical := queuedJob(models.PriorityCritical, 2)
	medium := queuedJob(models.PriorityMedium, 3)

	pq.push(low)
	pq.push(critical)
	pq.push(medium)

	assert.Equal(t, critical.ID, pq.pop().ID)
	assert.Equal(t, medium.ID, pq.pop().ID)
	assert.Equal(t, low.ID, pq.pop().ID)
	assert.Nil(t, pq.pop())
}

func TestPendingQueue_FIFOWithinTier(t *testing.T) {
	t.Parallel()

	pq := newPendingQueue()
	first := queuedJob(models.PriorityHigh, 1)
	second := queuedJob(models.PriorityHigh, 2)
	third := queuedJob(models.PriorityHigh, 3)

	// Push out of order; the sequence number decides.
	pq.push(third)
	pq.push(first)
	pq.push(second)

	assert.Equal(t, first.ID, pq.pop().ID)
	assert.Equal(t, second.ID, pq.pop().ID)
	assert.Equal(t, third.ID, pq.pop().ID)
}

func TestPendingQueue_Remove(t *testing.T) {
	t.Parallel()

	pq := newPendingQueue()
	keep := queuedJob(models.PriorityHigh, 1)
	drop := queuedJob(models.PriorityCritical, 2)
	pq.push(keep)
	pq.push(drop)

	removed := pq.remove(drop.ID)
	require.NotNil(t, removed)
	assert.Equal(t, drop.ID, removed.ID)
	assert.Nil(t, pq.remove(uuid.New()))

	assert.Equal(t, 1, pq.Len())
	assert.Equal(t, keep.ID, pq.pop().ID)
}

func TestPendingQueue_OrderedDoesNotMutate(t *testing.T) {
	t.Parallel()

	pq := newPendingQueue()
	jobs := []*models.Job{
		queuedJob(models.PriorityLow, 1),
		queuedJob(models.PriorityCritical, 2),
		queuedJob(models.PriorityCritical, 3),
		queuedJob(models.PriorityMedium, 4),
	}
	for _, j := range jobs {
		pq.push(j)
	}

	ordered := pq.ordered()
	require.Len(t, ordered, 4)
	assert.Equal(t, jobs[1].ID, ordered[0].ID)
	assert.Equal(t, jobs[2].ID, ordered[1].ID)
	assert.Equal(t, jobs[3].ID, ordered[2].ID)
	assert.Equal(t, jobs[0].ID, ordered[3].ID)

	assert.Equal(t, 4, pq.Len(), "ordered walk must leave the queue intact")
}
