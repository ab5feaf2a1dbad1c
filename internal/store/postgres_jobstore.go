package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// PostgresJobStore implements JobStore on PostgreSQL. The test case and
// result are stored as JSONB; state, priority and timestamps are
// denormalized columns for querying.
type PostgresJobStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresJobStore creates a store over a connected pgxpool.Pool.
func NewPostgresJobStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresJobStore {
	return &PostgresJobStore{db: db, logger: logger}
}

// Initialize creates the 'jobs' table if it doesn't already exist.
func (pjs *PostgresJobStore) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id UUID PRIMARY KEY,
		test_case JSONB NOT NULL,
		priority INTEGER NOT NULL,
		impact_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		state VARCHAR(50) NOT NULL,
		seq BIGINT NOT NULL,
		environment_id UUID,
		result JSONB,
		last_error TEXT,
		submitted_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
	CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs (priority DESC, seq ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs (updated_at);
	`

	_, err := pjs.db.Exec(ctx, createTableSQL)
	if err != nil {
		pjs.logger.Error("Failed to create 'jobs' table", zap.Error(err))
		return fmt.Errorf("initializing jobs table: %w", err)
	}
	pjs.logger.Info("'jobs' table checked/created successfully")
	return nil
}

// Close releases the connection pool.
func (pjs *PostgresJobStore) Close() error {
	pjs.db.Close()
	return nil
}

// SaveJob upserts the full job record.
func (pjs *PostgresJobStore) SaveJob(ctx context.Context, job *models.Job) error {
	testCaseJSON, err := json.Marshal(job.TestCase)
	if err != nil {
		return fmt.Errorf("marshalling test_case for SaveJob: %w", err)
	}
	var resultJSON []byte
	if job.Result != nil {
		resultJSON, err = json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshalling result for SaveJob: %w", err)
		}
	}

	var envID any
	if job.EnvironmentID != nil {
		envID = *job.EnvironmentID
	}
	var startedAt any
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	sqlQuery := `
	INSERT INTO jobs (
		job_id, test_case, priority, impact_score, state, seq,
		environment_id, result, last_error, submitted_at, started_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (job_id) DO UPDATE SET
		test_case = EXCLUDED.test_case,
		priority = EXCLUDED.priority,
		impact_score = EXCLUDED.impact_score,
		state = EXCLUDED.state,
		seq = EXCLUDED.seq,
		environment_id = EXCLUDED.environment_id,
		result = EXCLUDED.result,
		last_error = EXCLUDED.last_error,
		started_at = EXCLUDED.started_at,
		updated_at = EXCLUDED.updated_at
	`

	_, err = pjs.db.Exec(ctx, sqlQuery,
		job.ID,
		testCaseJSON,
		int(job.Priority),
		job.ImpactScore,
		string(job.State),
		job.Seq,
		envID,
		resultJSON,
		sql.NullString{String: job.LastError, Valid: job.LastError != ""},
		job.SubmittedAt,
		startedAt,
		time.Now().UTC(),
	)
	if err != nil {
		pjs.logger.Error("Failed to save job state to DB", zap.String("job_id", job.ID.String()), zap.Error(err))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("saving job %s (SQL state %s): %w", job.ID, pgErr.Code, err)
		}
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID, or (nil, nil) when absent.
func (pjs *PostgresJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	sqlQuery := `
	SELECT job_id, test_case, priority, impact_score, state, seq,
	       environment_id, result, last_error, submitted_at, started_at
	FROM jobs WHERE job_id = $1
	`
	job, err := pjs.scanJob(pjs.db.QueryRow(ctx, sqlQuery, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		pjs.logger.Error("Failed to get job from DB", zap.String("job_id", jobID.String()), zap.Error(err))
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobsByState retrieves jobs in the given state, ordered by sequence.
func (pjs *PostgresJobStore) ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	sqlQuery := `
	SELECT job_id, test_case, priority, impact_score, state, seq,
	       environment_id, result, last_error, submitted_at, started_at
	FROM jobs WHERE state = $1 ORDER BY seq ASC
	`
	args := []any{string(state)}
	if limit > 0 {
		sqlQuery += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := pjs.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs by state %s: %w", state, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := pjs.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job record.
func (pjs *PostgresJobStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := pjs.db.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", jobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (pjs *PostgresJobStore) scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var (
		testCaseBytes []byte
		resultBytes   []byte
		priority      int
		state         string
		envID         *uuid.UUID
		lastError     sql.NullString
		startedAt     *time.Time
	)

	err := row.Scan(
		&job.ID,
		&testCaseBytes,
		&priority,
		&job.ImpactScore,
		&state,
		&job.Seq,
		&envID,
		&resultBytes,
		&lastError,
		&job.SubmittedAt,
		&startedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(testCaseBytes, &job.TestCase); err != nil {
		return nil, fmt.Errorf("unmarshalling test_case: %w", err)
	}
	if len(resultBytes) > 0 {
		job.Result = &models.Result{}
		if err := json.Unmarshal(resultBytes, job.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling result: %w", err)
		}
	}
	job.Priority = models.JobPriority(priority)
	job.State = models.JobState(state)
	job.EnvironmentID = envID
	job.StartedAt = startedAt
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return job, nil
}
