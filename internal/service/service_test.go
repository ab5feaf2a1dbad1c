package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/config"
	"github.com/kerntest/orchestrator/internal/models"
	"github.com/kerntest/orchestrator/internal/runner"
)

// runnerFunc adapts a function to the runner.Runner interface for tests.
type runnerFunc func(ctx context.Context, tc models.TestCase, env models.Environment) runner.ExecutionResult

func (f runnerFunc) Execute(ctx context.Context, tc models.TestCase, env models.Environment) runner.ExecutionResult {
	return f(ctx, tc, env)
}

func okRunner() runnerFunc {
	return func(ctx context.Context, tc models.TestCase, env models.Environment) runner.ExecutionResult {
		return runner.ExecutionResult{ExitCode: 0, Stdout: "ok", Duration: time.Millisecond}
	}
}

func testServiceConfig(t *testing.T) *config.Config {
	return &config.Config{
		Port:                ":0",
		LogLevel:            "info",
		RequestTimeout:      time.Second,
		PollInterval:        5 * time.Millisecond,
		DefaultTimeout:      time.Minute,
		TimeoutMargin:       50 * time.Millisecond,
		MaxConcurrentTests:  4,
		MonitorPollInterval: 5 * time.Millisecond,
		WorkspaceDir:        t.TempDir(),
		ComputeRateHour:     "0.25",
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	orch, err := New(testServiceConfig(t), Options{Runner: okRunner()}, zap.NewNop())
	require.NoError(t, err)
	return orch
}

func registerTestEnv(t *testing.T, orch *Orchestrator) *models.Environment {
	t.Helper()
	env := models.NewEnvironment("qemu-1", models.HardwareProfile{
		Architecture: "x86_64",
		MemoryMB:     4096,
		Backend:      models.BackendQEMU,
	})
	require.NoError(t, orch.AddEnvironment(env))
	return env
}

func TestNew_RejectsInvalidComputeRate(t *testing.T) {
	t.Parallel()

	cfg := testServiceConfig(t)
	cfg.ComputeRateHour = "not-a-number"
	_, err := New(cfg, Options{Runner: okRunner()}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compute_rate_hour")
}

func TestOrchestrator_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	assert.False(t, orch.Running())
	require.NoError(t, orch.Start(ctx))
	require.NoError(t, orch.Start(ctx)) // second start is a no-op
	assert.True(t, orch.Running())

	require.NoError(t, orch.Stop(ctx))
	require.NoError(t, orch.Stop(ctx)) // second stop is a no-op
	assert.False(t, orch.Running())
}

func TestOrchestrator_SubmitRefusedWhileStopped(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	_, err := orch.SubmitJob(models.TestCase{ID: "tc", Script: "true"}, models.PriorityMedium, 0)
	assert.ErrorIs(t, err, models.ErrNotRunning)
}

func TestOrchestrator_EndToEndJobFlow(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	registerTestEnv(t, orch)
	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	defer func() { require.NoError(t, orch.Stop(ctx)) }()

	tc := models.TestCase{
		ID:     "tc-1",
		Name:   "smoke",
		Script: "true",
		Requirement: models.HardwareRequirement{
			Architecture: "x86_64",
			MinMemoryMB:  1024,
		},
	}
	jobID, err := orch.SubmitJob(tc, models.PriorityHigh, 0.8)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := orch.GetJobStatus(jobID)
		return err == nil && job.State == models.JobStateCompleted
	}, 3*time.Second, 5*time.Millisecond)

	hist := orch.JobHistory(jobID)
	require.NotEmpty(t, hist)
	assert.Equal(t, models.JobStateCompleted, hist[len(hist)-1].To)

	metrics := orch.SystemMetrics()
	assert.Equal(t, int64(1), metrics.Tracker.CompletedTests)
	assert.Greater(t, metrics.Uptime, time.Duration(0))

	queue := orch.GetQueueStatus()
	assert.Zero(t, queue.RunningJobs)
	assert.Zero(t, queue.PendingJobs)
	assert.Equal(t, 1, queue.AvailableEnvironments)
}

func TestOrchestrator_StopDrainsQueue(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))

	// No environment can run this, so it stays queued until Stop drains it.
	jobID, err := orch.SubmitJob(models.TestCase{
		ID:          "stuck",
		Script:      "true",
		Requirement: models.HardwareRequirement{Architecture: "riscv64"},
	}, models.PriorityMedium, 0)
	require.NoError(t, err)

	require.NoError(t, orch.Stop(ctx))

	job, err := orch.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)

	queue := orch.GetQueueStatus()
	assert.Zero(t, queue.RunningJobs)
	assert.Zero(t, queue.PendingJobs)
}

func TestOrchestrator_HealthStatus(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	report := orch.HealthStatus()
	assert.Equal(t, HealthStopped, report.Status)

	require.NoError(t, orch.Start(ctx))
	report = orch.HealthStatus()
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, "ok", report.Components["dispatcher"].Status)
	assert.Equal(t, "ok", report.Components["timeout_manager"].Status)

	require.NoError(t, orch.Stop(ctx))
	assert.Equal(t, HealthStopped, orch.HealthStatus().Status)
}

func TestOrchestrator_FailingPlanSourceDegradesHealth(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	orch.SetPlanSource(failingPlanSource{})
	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	defer func() { require.NoError(t, orch.Stop(ctx)) }()

	require.Eventually(t, func() bool {
		return orch.HealthStatus().Status == HealthDegraded
	}, 3*time.Second, 10*time.Millisecond)

	report := orch.HealthStatus()
	assert.Equal(t, "unhealthy", report.Components["queue_monitor"].Status)
}

func TestOrchestrator_EnvironmentManagement(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	env := registerTestEnv(t, orch)

	envs := orch.ListEnvironments()
	require.Len(t, envs, 1)
	assert.Equal(t, env.ID, envs[0].ID)

	require.NoError(t, orch.RemoveEnvironment(env.ID))
	assert.Empty(t, orch.ListEnvironments())
	assert.ErrorIs(t, orch.RemoveEnvironment(uuid.New()), models.ErrEnvironmentNotFound)
}

type failingPlanSource struct{}

func (failingPlanSource) FetchPlans(ctx context.Context, max int) ([]*models.ExecutionPlan, error) {
	return nil, errors.New("plan store unreachable")
}
