package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/config"
	"github.com/kerntest/orchestrator/internal/models"
	"github.com/kerntest/orchestrator/internal/registry"
	"github.com/kerntest/orchestrator/internal/runner"
	"github.com/kerntest/orchestrator/internal/store"
	"github.com/kerntest/orchestrator/internal/tracker"
)

// QueueSnapshot is a point-in-time read of queue and pool occupancy.
type QueueSnapshot struct {
	RunningJobs           int `json:"running_jobs"`
	PendingJobs           int `json:"pending_jobs"`
	AvailableEnvironments int `json:"available_environments"`
	AllocatedEnvironments int `json:"allocated_environments"`
}

// runningJob is the dispatcher's bookkeeping for one admitted job.
type runningJob struct {
	job       *models.Job
	env       *models.Environment
	cancel    context.CancelFunc
	deadline  time.Time
	cancelled bool // explicit cancellation requested
	expired   bool // deadline passed, runner signalled to terminate
}

// Dispatcher owns the job table and the admission loop. It admits pending
// jobs in priority order up to the concurrency bound, hands them to the
// runner, and guarantees that every admitted job releases its environment
// exactly once no matter how it ends.
type Dispatcher struct {
	logger   *zap.Logger
	cfg      *config.Config
	registry *registry.Registry
	matcher  *registry.Matcher
	run      runner.Runner
	tracker  *tracker.Tracker
	jobStore store.JobStore

	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	pending *pendingQueue
	running map[uuid.UUID]*runningJob
	seq     uint64
	started bool
	lastErr error

	wake   chan struct{}
	stopCh chan struct{}
	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

// NewDispatcher wires the dispatcher. The registry's change listener is
// attached here so environment registration and release wake the admission
// loop instead of waiting for the next poll tick.
func NewDispatcher(cfg *config.Config, reg *registry.Registry, matcher *registry.Matcher, run runner.Runner, trk *tracker.Tracker, jobStore store.JobStore, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		matcher:  matcher,
		run:      run,
		tracker:  trk,
		jobStore: jobStore,
		jobs:     make(map[uuid.UUID]*models.Job),
		pending:  newPendingQueue(),
		running:  make(map[uuid.UUID]*runningJob),
		wake:     make(chan struct{}, 1),
	}
	reg.SetChangeListener(d.Wake)
	return d
}

// Wake nudges the admission loop. Non-blocking; a pending wake coalesces
// with later ones.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the admission loop. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.loopWG.Add(1)
	go d.admissionLoop()
	d.logger.Info("Dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("max_concurrent_tests", d.cfg.MaxConcurrentTests),
	)
}

// Submit enqueues a job for the given test case and returns immediately.
// Jobs that no environment can currently satisfy stay pending; the queue
// growing is the backpressure signal, submissions are never rejected for
// lack of capacity.
func (d *Dispatcher) Submit(tc models.TestCase, priority models.JobPriority, impactScore float64) (uuid.UUID, error) {
	job := models.NewJob(tc, priority, impactScore)

	d.mu.Lock()
	d.seq++
	job.Seq = d.seq
	d.jobs[job.ID] = job
	d.pending.push(job)
	d.persistLocked(job)
	d.mu.Unlock()

	d.tracker.RecordTransition(job.ID, "", models.JobStatePending, "submitted")
	d.logger.Info("Job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("test_case", tc.ID),
		zap.String("priority", priority.String()),
		zap.Float64("impact_score", impactScore),
	)
	d.Wake()
	return job.ID, nil
}

// JobStatus returns a copy of the job with the given ID.
func (d *Dispatcher) JobStatus(jobID uuid.UUID) (*models.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, exists := d.jobs[jobID]
	if !exists {
		return nil, models.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Cancel transitions a pending job to CANCELLED immediately, or signals a
// running job's runner to terminate. Cancelling a terminal job is an error.
func (d *Dispatcher) Cancel(jobID uuid.UUID) error {
	d.mu.Lock()

	job, exists := d.jobs[jobID]
	if !exists {
		d.mu.Unlock()
		return models.ErrJobNotFound
	}
	if job.State.Terminal() {
		d.mu.Unlock()
		return models.ErrJobTerminal
	}

	if rj, isRunning := d.running[jobID]; isRunning {
		rj.cancelled = true
		rj.cancel()
		d.mu.Unlock()
		d.logger.Info("Cancellation signalled to running job", zap.String("job_id", jobID.String()))
		return nil
	}

	d.pending.remove(jobID)
	job.State = models.JobStateCancelled
	d.persistLocked(job)
	d.mu.Unlock()

	d.tracker.RecordTransition(jobID, models.JobStatePending, models.JobStateCancelled, "cancelled before admission")
	d.logger.Info("Pending job cancelled", zap.String("job_id", jobID.String()))
	return nil
}

// Snapshot recomputes queue counts on demand.
func (d *Dispatcher) Snapshot() QueueSnapshot {
	d.mu.Lock()
	running := len(d.running)
	pending := d.pending.Len()
	d.mu.Unlock()

	counts := d.registry.Counts()
	return QueueSnapshot{
		RunningJobs:           running,
		PendingJobs:           pending,
		AvailableEnvironments: counts.Available,
		AllocatedEnvironments: counts.Allocated,
	}
}

// Healthy reports the dispatcher's component health: nil when the
// admission loop is live and the last store interaction succeeded.
func (d *Dispatcher) Healthy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return models.ErrNotRunning
	}
	return d.lastErr
}

// Recover reloads non-terminal jobs from the persistent store after a
// restart. Jobs that were mid-run when the process died go back to
// pending; their previous environment assignment is meaningless now.
func (d *Dispatcher) Recover(ctx context.Context) error {
	if d.jobStore == nil {
		return nil
	}
	var restored []*models.Job
	for _, state := range []models.JobState{models.JobStatePending, models.JobStateRunning} {
		jobs, err := d.jobStore.ListJobsByState(ctx, state, 0)
		if err != nil {
			return err
		}
		restored = append(restored, jobs...)
	}

	d.mu.Lock()
	for _, job := range restored {
		if _, exists := d.jobs[job.ID]; exists {
			continue
		}
		job.State = models.JobStatePending
		job.StartedAt = nil
		job.EnvironmentID = nil
		if job.Seq > d.seq {
			d.seq = job.Seq
		}
		d.jobs[job.ID] = job
		d.pending.push(job)
		d.tracker.RecordTransition(job.ID, "", models.JobStatePending, "restored from persisted state")
	}
	d.mu.Unlock()

	if len(restored) > 0 {
		d.logger.Info("Recovered persisted jobs", zap.Int("count", len(restored)))
		d.Wake()
	}
	return nil
}

// Stop shuts the admission loop down, cancels pending and running work,
// and waits for job goroutines up to the context deadline. Idempotent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	close(d.stopCh)

	// Drain the queue: pending work is cancelled deterministically so a
	// post-stop snapshot reports zero pending jobs.
	for d.pending.Len() > 0 {
		job := d.pending.pop()
		job.State = models.JobStateCancelled
		d.persistLocked(job)
		d.tracker.RecordTransition(job.ID, models.JobStatePending, models.JobStateCancelled, "orchestrator stopping")
	}
	for _, rj := range d.running {
		rj.cancelled = true
		rj.cancel()
	}
	d.mu.Unlock()

	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Timed out waiting for running jobs; finalizing abandoned jobs")
		d.finalizeAbandoned("orchestrator stop timed out waiting for runner")
	}

	d.logger.Info("Dispatcher stopped")
	return nil
}

// admissionLoop is the single long-lived scheduling loop: a poll-interval
// ticker bounds latency, and wake signals on completion or pool change
// admit work sooner.
func (d *Dispatcher) admissionLoop() {
	defer d.loopWG.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.admitPending()
		case <-d.wake:
			d.admitPending()
		}
	}
}

// admitPending fills free slots with the highest-priority compatible
// pending jobs. A job with no matching environment is skipped without
// blocking later compatible jobs; it stays queued.
func (d *Dispatcher) admitPending() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return
	}
	slots := d.cfg.MaxConcurrentTests - len(d.running)
	if slots <= 0 || d.pending.Len() == 0 {
		return
	}

	for _, job := range d.pending.ordered() {
		if slots == 0 {
			break
		}
		env, ok := d.matcher.Claim(job.TestCase.Requirement, job.TestCase.EstimatedDuration, job.ID)
		if !ok {
			continue
		}
		d.pending.remove(job.ID)
		d.startJobLocked(job, env)
		slots--
	}
}

// startJobLocked transitions a job to RUNNING and launches its execution
// goroutine. Caller holds d.mu and has already allocated env to the job.
func (d *Dispatcher) startJobLocked(job *models.Job, env *models.Environment) {
	now := time.Now().UTC()
	job.State = models.JobStateRunning
	job.StartedAt = &now
	envID := env.ID
	job.EnvironmentID = &envID

	deadline := now.Add(d.jobTimeout(job))
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	d.running[job.ID] = &runningJob{
		job:      job,
		env:      env,
		cancel:   cancel,
		deadline: deadline,
	}
	d.persistLocked(job)

	d.tracker.RecordTransition(job.ID, models.JobStatePending, models.JobStateRunning, "environment "+env.Name)
	d.logger.Info("Job admitted",
		zap.String("job_id", job.ID.String()),
		zap.String("env_id", env.ID.String()),
		zap.String("backend", string(env.Profile.Backend)),
		zap.Time("deadline", deadline),
	)

	d.jobWG.Add(1)
	go d.executeJob(ctx, cancel, job.ID, job.TestCase, *env)
}

// jobTimeout derives the per-job deadline: the service default is the
// floor, and a job with its own estimate gets estimate plus safety margin
// when that is tighter.
func (d *Dispatcher) jobTimeout(job *models.Job) time.Duration {
	timeout := d.cfg.DefaultTimeout
	if est := job.TestCase.EstimatedDuration; est > 0 {
		if budget := est + d.cfg.TimeoutMargin; budget < timeout {
			timeout = budget
		}
	}
	return timeout
}

func (d *Dispatcher) executeJob(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID, tc models.TestCase, env models.Environment) {
	defer d.jobWG.Done()
	defer cancel()

	res := d.run.Execute(ctx, tc, env)
	d.finishJob(jobID, res, ctx.Err())
}

// finishJob moves a running job to its terminal state and releases the
// environment. The release-on-exit path runs for every outcome; a job
// already finalized by the timeout sweep or stop path is left alone.
func (d *Dispatcher) finishJob(jobID uuid.UUID, res runner.ExecutionResult, ctxErr error) {
	d.mu.Lock()

	rj, exists := d.running[jobID]
	if !exists {
		d.mu.Unlock()
		return
	}
	delete(d.running, jobID)
	job := rj.job

	var state models.JobState
	switch {
	case rj.cancelled:
		state = models.JobStateCancelled
	case ctxErr == context.DeadlineExceeded || rj.expired:
		state = models.JobStateTimeout
	case ctxErr != nil:
		state = models.JobStateCancelled
	case res.Err != nil || res.ExitCode != 0:
		state = models.JobStateFailed
	default:
		state = models.JobStateCompleted
	}

	result := &models.Result{
		JobID:         jobID,
		Status:        state,
		ExitCode:      res.ExitCode,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExecutionTime: res.Duration,
		EnvironmentID: rj.env.ID,
		CompletedAt:   time.Now().UTC(),
	}
	if res.Err != nil {
		result.FailureDetail = res.Err.Error()
		job.LastError = res.Err.Error()
	}
	job.State = state
	job.Result = result
	job.EnvironmentID = nil

	if err := d.registry.Release(rj.env.ID); err != nil {
		// A failed release here means the allocation table is inconsistent.
		d.lastErr = err
		d.logger.Error("Environment release failed on job completion",
			zap.String("job_id", jobID.String()),
			zap.String("env_id", rj.env.ID.String()),
			zap.Error(err),
		)
	}
	d.persistLocked(job)
	d.mu.Unlock()

	d.tracker.RecordTransition(jobID, models.JobStateRunning, state, result.FailureDetail)
	d.tracker.RecordExecution(rj.env.Profile.Backend, res.Duration)
	d.logger.Info("Job finished",
		zap.String("job_id", jobID.String()),
		zap.String("state", string(state)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("execution_time", res.Duration),
	)
	d.Wake()
}

// ExpireOverdue enforces deadlines. The first sweep past a job's deadline
// signals its runner to terminate via context cancellation; if the runner
// still has not returned one grace period later, the job is finalized as
// TIMEOUT anyway and its environment reclaimed, so a hung runner or a
// vanished environment cannot hang the job forever.
func (d *Dispatcher) ExpireOverdue(now time.Time) {
	type abandoned struct {
		jobID uuid.UUID
		envID uuid.UUID
	}
	var reap []abandoned

	d.mu.Lock()
	grace := d.cfg.PollInterval
	for id, rj := range d.running {
		if now.Before(rj.deadline) {
			continue
		}
		if !rj.expired {
			rj.expired = true
			rj.cancel()
			d.logger.Warn("Job deadline expired, terminating runner",
				zap.String("job_id", id.String()),
				zap.Time("deadline", rj.deadline),
			)
			continue
		}
		if now.After(rj.deadline.Add(grace)) {
			reap = append(reap, abandoned{jobID: id, envID: rj.env.ID})
		}
	}
	for _, a := range reap {
		d.finalizeLocked(a.jobID, models.JobStateTimeout, "runner did not terminate after deadline expiry")
	}
	d.mu.Unlock()

	if len(reap) > 0 {
		d.Wake()
	}
}

// finalizeAbandoned force-terminates whatever is still in the running
// table. Used by Stop when runners outlive the shutdown deadline.
func (d *Dispatcher) finalizeAbandoned(detail string) {
	d.mu.Lock()
	for id := range d.running {
		d.finalizeLocked(id, models.JobStateCancelled, detail)
	}
	d.mu.Unlock()
}

// finalizeLocked resolves a running job to a terminal state without a
// runner result, releasing its environment. The runner goroutine, if it
// ever returns, finds the job gone from the running table and no-ops.
// Caller holds d.mu.
func (d *Dispatcher) finalizeLocked(jobID uuid.UUID, state models.JobState, detail string) {
	rj, exists := d.running[jobID]
	if !exists {
		return
	}
	delete(d.running, jobID)

	job := rj.job
	job.State = state
	job.LastError = detail
	job.Result = &models.Result{
		JobID:         jobID,
		Status:        state,
		ExitCode:      -2,
		EnvironmentID: rj.env.ID,
		FailureDetail: detail,
		CompletedAt:   time.Now().UTC(),
	}
	job.EnvironmentID = nil

	if err := d.registry.Release(rj.env.ID); err != nil {
		d.lastErr = err
		d.logger.Error("Environment release failed while finalizing job",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
	d.persistLocked(job)
	d.tracker.RecordTransition(jobID, models.JobStateRunning, state, detail)
}

// persistLocked journals the job when a store is configured. Persistence
// failure degrades health but never blocks scheduling. Caller holds d.mu.
func (d *Dispatcher) persistLocked(job *models.Job) {
	if d.jobStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.jobStore.SaveJob(ctx, job); err != nil {
		d.lastErr = err
		d.logger.Error("Failed to persist job state",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	d.lastErr = nil
}
