package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/kerntest/orchestrator/internal/models"
)

// JobStore defines the interface for persisting job state. The dispatcher
// journals every state change through it so that, with persistence
// enabled, a restart can pick queued work back up.
type JobStore interface {
	// SaveJob upserts the complete state of a job.
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by ID. Returns (nil, nil) when absent.
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)

	// ListJobsByState retrieves jobs in the given state, oldest first.
	// A limit of 0 means no limit.
	ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error)

	// DeleteJob removes a job from the store.
	DeleteJob(ctx context.Context, jobID uuid.UUID) error

	// Initialize sets up the store (create tables, load the state file).
	Initialize(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
