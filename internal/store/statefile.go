package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// FileJobStore persists jobs as a single JSON state file. It is the
// lightweight persistence option for single-node deployments without a
// database; every mutation rewrites the file via a temp-file rename.
type FileJobStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	jobs   map[uuid.UUID]*models.Job
}

// NewFileJobStore creates a file-backed job store at path.
func NewFileJobStore(path string, logger *zap.Logger) *FileJobStore {
	return &FileJobStore{
		path:   path,
		logger: logger,
		jobs:   make(map[uuid.UUID]*models.Job),
	}
}

// Initialize loads the state file if it exists.
func (s *FileJobStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if mkdirErr := os.MkdirAll(filepath.Dir(s.path), 0755); mkdirErr != nil {
			return fmt.Errorf("failed to create state directory: %w", mkdirErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var jobs []*models.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	s.logger.Info("Loaded persisted job state",
		zap.String("path", s.path),
		zap.Int("jobs", len(jobs)),
	)
	return nil
}

// Close flushes the current state one last time.
func (s *FileJobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileJobStore) flushLocked() error {
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// SaveJob upserts a job and rewrites the state file.
func (s *FileJobStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return s.flushLocked()
}

// GetJob retrieves a job, or (nil, nil) when absent.
func (s *FileJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, nil
	}
	return job.Clone(), nil
}

// ListJobsByState returns jobs in the given state ordered by sequence.
func (s *FileJobStore) ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

// DeleteJob removes a job and rewrites the state file.
func (s *FileJobStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return s.flushLocked()
}
