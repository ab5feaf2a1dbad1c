package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerntest/orchestrator/internal/models"
)

func storedJob(id string, state models.JobState, seq uint64) *models.Job {
	job := models.NewJob(models.TestCase{ID: id, Script: "true"}, models.PriorityMedium, 0)
	job.State = state
	job.Seq = seq
	return job
}

func TestInMemoryJobStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	s := NewInMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	job := storedJob("tc-1", models.JobStatePending, 1)
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatePending, got.State)

	// Absent jobs come back as (nil, nil), not an error.
	got, err = s.GetJob(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryJobStore_SaveStoresACopy(t *testing.T) {
	t.Parallel()

	s := NewInMemoryJobStore()
	ctx := context.Background()

	job := storedJob("tc-1", models.JobStatePending, 1)
	require.NoError(t, s.SaveJob(ctx, job))

	// Mutating the caller's job must not change the stored record.
	job.State = models.JobStateRunning

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, got.State)
}

func TestInMemoryJobStore_ListJobsByState(t *testing.T) {
	t.Parallel()

	s := NewInMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, s.SaveJob(ctx, storedJob("a", models.JobStatePending, 3)))
	require.NoError(t, s.SaveJob(ctx, storedJob("b", models.JobStatePending, 1)))
	require.NoError(t, s.SaveJob(ctx, storedJob("c", models.JobStateCompleted, 2)))

	pending, err := s.ListJobsByState(ctx, models.JobStatePending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].Seq, "listing is ordered by sequence")
	assert.Equal(t, uint64(3), pending[1].Seq)

	limited, err := s.ListJobsByState(ctx, models.JobStatePending, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInMemoryJobStore_DeleteJob(t *testing.T) {
	t.Parallel()

	s := NewInMemoryJobStore()
	ctx := context.Background()
	job := storedJob("tc-1", models.JobStatePending, 1)
	require.NoError(t, s.SaveJob(ctx, job))
	require.NoError(t, s.DeleteJob(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
