package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/config"
	"github.com/kerntest/orchestrator/internal/models"
	"github.com/kerntest/orchestrator/internal/monitor"
	"github.com/kerntest/orchestrator/internal/registry"
	"github.com/kerntest/orchestrator/internal/runner"
	"github.com/kerntest/orchestrator/internal/scheduler"
	"github.com/kerntest/orchestrator/internal/store"
	"github.com/kerntest/orchestrator/internal/tracker"
)

// HealthState is the aggregate service health.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthStopped  HealthState = "stopped"
)

// ComponentStatus reports the health of one sub-component.
type ComponentStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport aggregates per-component health into one answer.
type HealthReport struct {
	Status     HealthState                `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

// SystemMetrics is the service-wide metrics view.
type SystemMetrics struct {
	Uptime  time.Duration           `json:"uptime"`
	Tracker tracker.Metrics         `json:"tracker"`
	Queue   scheduler.QueueSnapshot `json:"queue"`
	Monitor *monitor.Stats          `json:"monitor,omitempty"`
}

// Options carries injectable collaborators. Zero values select the
// defaults derived from config; tests inject fakes here.
type Options struct {
	Runner     runner.Runner
	JobStore   store.JobStore
	PlanSource monitor.PlanSource
}

// Orchestrator is the top-level lifecycle wrapper: it owns the registry,
// matcher, dispatcher, timeout manager and queue monitor, starts them in
// dependency order, and aggregates their health. A failing component
// degrades the service; it never brings it down, and the query surface
// stays available while degraded.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      *config.Config
	registry *registry.Registry
	matcher  *registry.Matcher
	tracker  *tracker.Tracker
	jobStore store.JobStore

	dispatcher *scheduler.Dispatcher
	timeouts   *scheduler.TimeoutManager
	monitor    *monitor.QueueMonitor

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New assembles an orchestrator from config. The runner defaults to the
// per-backend selector (script, plus Docker when enabled); the job store
// defaults per the persistence settings.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	reg := registry.New(logger)
	matcher := registry.NewMatcher(reg, logger)

	rate, err := decimal.NewFromString(cfg.ComputeRateHour)
	if err != nil {
		return nil, fmt.Errorf("invalid compute_rate_hour %q: %w", cfg.ComputeRateHour, err)
	}
	trk := tracker.New(logger, rate)

	jobStore := opts.JobStore
	if jobStore == nil {
		jobStore, err = defaultJobStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	run := opts.Runner
	if run == nil {
		var containerRunner runner.Runner
		if cfg.DockerEnabled {
			dr, err := runner.NewDockerRunner(cfg.WorkspaceDir, logger)
			if err != nil {
				// Container environments fall back to the script runner;
				// health reporting is unaffected since the pool decides
				// what backends exist.
				logger.Warn("Docker runner unavailable, container environments will use the script runner", zap.Error(err))
			} else {
				containerRunner = dr
			}
		}
		run = runner.NewBackendRunner(runner.NewScriptRunner(cfg.WorkspaceDir, logger), containerRunner, logger)
	}

	o := &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		matcher:  matcher,
		tracker:  trk,
		jobStore: jobStore,
	}
	o.dispatcher = scheduler.NewDispatcher(cfg, reg, matcher, run, trk, jobStore, logger)
	o.timeouts = scheduler.NewTimeoutManager(o.dispatcher, cfg.PollInterval, logger)
	if opts.PlanSource != nil {
		o.monitor = monitor.New(opts.PlanSource, o.dispatcher, cfg.MonitorPollInterval, logger)
	}
	return o, nil
}

func defaultJobStore(cfg *config.Config, logger *zap.Logger) (store.JobStore, error) {
	if !cfg.PersistState {
		return store.NewInMemoryJobStore(), nil
	}
	if cfg.PostgresDSN != "" {
		pool, err := newPgxPool(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return store.NewPostgresJobStore(pool, logger), nil
	}
	return store.NewFileJobStore(cfg.StateFile, logger), nil
}

// SetPlanSource attaches the external plan source before Start. Used when
// the source (e.g. NATS) comes up after construction.
func (o *Orchestrator) SetPlanSource(src monitor.PlanSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || src == nil {
		return
	}
	o.monitor = monitor.New(src, o.dispatcher, o.cfg.MonitorPollInterval, o.logger)
}

// Start brings up all sub-components in dependency order and begins the
// admission loop. Calling Start while already running is a no-op success.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.logger.Debug("Start called while already running; ignoring")
		return nil
	}

	if err := o.jobStore.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}
	if o.cfg.PersistState {
		if err := o.dispatcher.Recover(ctx); err != nil {
			// Recovery failure leaves persisted history behind but the
			// service still comes up able to take new work.
			o.logger.Error("Failed to recover persisted jobs", zap.Error(err))
		}
	}

	o.dispatcher.Start()
	o.timeouts.Start()
	if o.monitor != nil {
		o.monitor.Start()
	}

	o.running = true
	o.startedAt = time.Now().UTC()
	o.logger.Info("Orchestrator service started")
	return nil
}

// Stop drains outstanding work and shuts components down in reverse
// order. Calling Stop while not running is a no-op success.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		o.logger.Debug("Stop called while not running; ignoring")
		return nil
	}

	if o.monitor != nil {
		o.monitor.Stop()
	}
	o.timeouts.Stop()
	if err := o.dispatcher.Stop(ctx); err != nil {
		o.logger.Error("Dispatcher stop reported error", zap.Error(err))
	}
	if err := o.jobStore.Close(); err != nil {
		o.logger.Error("Job store close reported error", zap.Error(err))
	}

	o.running = false
	o.logger.Info("Orchestrator service stopped")
	return nil
}

// Running reports whether the service is started.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// HealthStatus aggregates component health. Any failing component yields
// DEGRADED, never an error: health queries must keep answering while the
// system is impaired.
func (o *Orchestrator) HealthStatus() HealthReport {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	report := HealthReport{Components: make(map[string]ComponentStatus)}
	if !running {
		report.Status = HealthStopped
		return report
	}

	report.Status = HealthHealthy
	check := func(name string, err error) {
		if err != nil {
			report.Status = HealthDegraded
			report.Components[name] = ComponentStatus{Status: "unhealthy", Detail: err.Error()}
			return
		}
		report.Components[name] = ComponentStatus{Status: "ok"}
	}

	check("dispatcher", o.dispatcher.Healthy())
	check("timeout_manager", o.timeouts.Healthy())
	if o.monitor != nil {
		check("queue_monitor", o.monitor.Healthy())
	}
	report.Components["environment_registry"] = ComponentStatus{
		Status: "ok",
		Detail: fmt.Sprintf("%d registered", o.registry.Counts().Registered),
	}
	return report
}

// SystemMetrics aggregates tracker, queue and monitor counters.
func (o *Orchestrator) SystemMetrics() SystemMetrics {
	o.mu.Lock()
	startedAt := o.startedAt
	running := o.running
	o.mu.Unlock()

	m := SystemMetrics{
		Tracker: o.tracker.Metrics(),
		Queue:   o.dispatcher.Snapshot(),
	}
	if running {
		m.Uptime = time.Since(startedAt)
	}
	if o.monitor != nil {
		s := o.monitor.Stats()
		m.Monitor = &s
	}
	return m
}

// SubmitJob enqueues a test case. Submissions are accepted even while the
// service is degraded; only a stopped service refuses work.
func (o *Orchestrator) SubmitJob(tc models.TestCase, priority models.JobPriority, impactScore float64) (uuid.UUID, error) {
	if !o.Running() {
		return uuid.Nil, models.ErrNotRunning
	}
	return o.dispatcher.Submit(tc, priority, impactScore)
}

// GetJobStatus returns the job's current state and, once terminal, its
// result.
func (o *Orchestrator) GetJobStatus(jobID uuid.UUID) (*models.Job, error) {
	return o.dispatcher.JobStatus(jobID)
}

// CancelJob cancels a pending or running job.
func (o *Orchestrator) CancelJob(jobID uuid.UUID) error {
	return o.dispatcher.Cancel(jobID)
}

// GetQueueStatus recomputes the queue snapshot on demand.
func (o *Orchestrator) GetQueueStatus() scheduler.QueueSnapshot {
	return o.dispatcher.Snapshot()
}

// JobHistory returns the recorded state transitions for a job.
func (o *Orchestrator) JobHistory(jobID uuid.UUID) []tracker.Transition {
	return o.tracker.History(jobID)
}

// AddEnvironment registers an execution environment with the pool.
func (o *Orchestrator) AddEnvironment(env *models.Environment) error {
	return o.registry.Add(env)
}

// RemoveEnvironment takes an environment out of the pool; a removal while
// a job is using it defers until the job releases it.
func (o *Orchestrator) RemoveEnvironment(id uuid.UUID) error {
	return o.registry.Remove(id)
}

// ListEnvironments returns all registered environments.
func (o *Orchestrator) ListEnvironments() []*models.Environment {
	return o.registry.List()
}
