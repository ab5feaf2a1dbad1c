package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
	"github.com/kerntest/orchestrator/internal/runner"
)

func TestTimeoutManager_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(testConfig(), instantRunner(), nil)
	tm := NewTimeoutManager(d, 5*time.Millisecond, zap.NewNop())

	assert.ErrorIs(t, tm.Healthy(), models.ErrNotRunning)

	tm.Start()
	tm.Start() // second start is a no-op
	assert.NoError(t, tm.Healthy())

	tm.Stop()
	tm.Stop() // second stop is a no-op
	assert.ErrorIs(t, tm.Healthy(), models.ErrNotRunning)
}

func TestTimeoutManager_ReapsHungRunner(t *testing.T) {
	t.Parallel()

	hang := make(chan struct{})
	defer close(hang)
	run := runnerFunc(func(ctx context.Context, tc models.TestCase, env models.Environment) runner.ExecutionResult {
		<-hang // ignores ctx entirely
		return runner.ExecutionResult{ExitCode: 0}
	})

	cfg := testConfig()
	cfg.DefaultTimeout = 15 * time.Millisecond
	d, reg := newTestDispatcher(cfg, run, nil)
	addTestEnv(t, reg, "qemu-1")
	d.Start()

	tm := NewTimeoutManager(d, cfg.PollInterval, zap.NewNop())
	tm.Start()
	defer tm.Stop()

	jobID, err := d.Submit(basicTestCase("hung"), models.PriorityMedium, 0)
	require.NoError(t, err)

	// The sweep loop detects the blown deadline and, one grace period later,
	// finalizes the job even though the runner never returns.
	job := waitForState(t, d, jobID, models.JobStateTimeout)
	require.NotNil(t, job.Result)
	assert.Equal(t, models.JobStateTimeout, job.Result.Status)

	require.Eventually(t, func() bool {
		return reg.Counts().Available == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}
