package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

func scriptEnv() models.Environment {
	return *models.NewEnvironment("local", models.HardwareProfile{
		Architecture: "x86_64",
		MemoryMB:     4096,
		Backend:      models.BackendQEMU,
	})
}

func TestScriptRunner_CapturesOutputAndExitCode(t *testing.T) {
	t.Parallel()

	sr := NewScriptRunner(t.TempDir(), zap.NewNop())
	tc := models.TestCase{
		ID:     "echo-test",
		Script: "echo hello\necho oops >&2\n",
	}

	res := sr.Execute(context.Background(), tc, scriptEnv())
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stderr, "oops")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestScriptRunner_NonZeroExit(t *testing.T) {
	t.Parallel()

	sr := NewScriptRunner(t.TempDir(), zap.NewNop())
	tc := models.TestCase{
		ID:     "fail-test",
		Script: "echo before failure\nexit 3\n",
	}

	res := sr.Execute(context.Background(), tc, scriptEnv())
	require.Error(t, res.Err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "before failure")
}

func TestScriptRunner_EmptyScriptRejected(t *testing.T) {
	t.Parallel()

	sr := NewScriptRunner(t.TempDir(), zap.NewNop())
	tc := models.TestCase{ID: "empty", Script: "   "}

	res := sr.Execute(context.Background(), tc, scriptEnv())
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, models.ErrInvalidTestCase)
}

func TestScriptRunner_DeadlineTerminatesScript(t *testing.T) {
	t.Parallel()

	sr := NewScriptRunner(t.TempDir(), zap.NewNop())
	tc := models.TestCase{
		ID:     "sleeper",
		Script: "echo started\nsleep 30\n",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := sr.Execute(ctx, tc, scriptEnv())
	require.Error(t, res.Err)
	assert.Equal(t, -2, res.ExitCode)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Contains(t, res.Stdout, "started", "partial output is preserved")
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestScriptFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "main.py", scriptFilename("/usr/bin/python3"))
	assert.Equal(t, "test_script.sh", scriptFilename("/bin/sh"))
	assert.Equal(t, "test_script.sh", scriptFilename("/bin/bash"))
}

func TestBackendRunner_DispatchesByBackend(t *testing.T) {
	t.Parallel()

	script := runnerFunc(func(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
		return ExecutionResult{Stdout: "script"}
	})
	container := runnerFunc(func(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
		return ExecutionResult{Stdout: "container"}
	})
	br := NewBackendRunner(script, container, zap.NewNop())

	env := scriptEnv()
	res := br.Execute(context.Background(), models.TestCase{ID: "t"}, env)
	assert.Equal(t, "script", res.Stdout)

	env.Profile.Backend = models.BackendContainer
	res = br.Execute(context.Background(), models.TestCase{ID: "t"}, env)
	assert.Equal(t, "container", res.Stdout)
}

func TestBackendRunner_FallsBackWithoutContainerRunner(t *testing.T) {
	t.Parallel()

	script := runnerFunc(func(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
		return ExecutionResult{Stdout: "script"}
	})
	br := NewBackendRunner(script, nil, zap.NewNop())

	env := scriptEnv()
	env.Profile.Backend = models.BackendContainer
	res := br.Execute(context.Background(), models.TestCase{ID: "t"}, env)
	assert.Equal(t, "script", res.Stdout)
}

// runnerFunc adapts a function to the Runner interface for tests.
type runnerFunc func(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult

func (f runnerFunc) Execute(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
	return f(ctx, tc, env)
}
