package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kerntest/orchestrator/internal/models"
)

// InMemoryJobStore is a thread-safe in-memory job store. It is the default
// when state persistence is disabled.
type InMemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job
}

// NewInMemoryJobStore creates an empty in-memory job store.
func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[uuid.UUID]*models.Job),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *InMemoryJobStore) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryJobStore) Close() error {
	return nil
}

// SaveJob stores a copy of the job, so later mutation by the dispatcher
// does not leak into the stored record.
func (s *InMemoryJobStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a copy of the job, or (nil, nil) when absent.
func (s *InMemoryJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, nil
	}
	return job.Clone(), nil
}

// ListJobsByState returns copies of jobs in the given state, ordered by
// submission sequence.
func (s *InMemoryJobStore) ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if job.State == state {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteJob removes a job from the store.
func (s *InMemoryJobStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
