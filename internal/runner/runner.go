package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// ExecutionResult holds the outcome of a test execution. Stdout/Stderr hold
// whatever output was captured, including partial output when the run was
// cut short by a deadline.
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error // setup or process errors, not script failures
}

// Runner executes a test case inside an environment. Implementations must
// honor context cancellation; the dispatcher uses it to enforce deadlines.
type Runner interface {
	Execute(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult
}

// ScriptRunner runs test scripts as local processes, one workspace
// directory per execution.
type ScriptRunner struct {
	workspaceDir string
	logger       *zap.Logger
}

// NewScriptRunner creates a ScriptRunner rooted at workspaceDir.
func NewScriptRunner(workspaceDir string, logger *zap.Logger) *ScriptRunner {
	return &ScriptRunner{workspaceDir: workspaceDir, logger: logger}
}

// Execute writes the test script into a fresh workspace and runs it under
// the given context.
func (sr *ScriptRunner) Execute(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
	if strings.TrimSpace(tc.Script) == "" {
		return ExecutionResult{Err: fmt.Errorf("test case %s: %w: empty script", tc.ID, models.ErrInvalidTestCase), ExitCode: -1}
	}

	interpreter := tc.ScriptInterpreter
	if strings.TrimSpace(interpreter) == "" {
		interpreter = "/bin/sh"
	}

	workspace := filepath.Join(sr.workspaceDir, tc.ID+"-"+fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to create workspace: %w", err), ExitCode: -1}
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			sr.logger.Error("Failed to clean up test workspace",
				zap.String("test_case", tc.ID),
				zap.String("workspace", workspace),
				zap.Error(err),
			)
		}
	}()

	scriptPath := filepath.Join(workspace, scriptFilename(interpreter))
	if err := os.WriteFile(scriptPath, []byte(tc.Script), 0755); err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to write script file: %w", err), ExitCode: -1}
	}

	cmd := exec.CommandContext(ctx, interpreter, scriptPath)
	cmd.Dir = workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startTime := time.Now()
	sr.logger.Info("Executing test script",
		zap.String("test_case", tc.ID),
		zap.String("environment", env.Name),
		zap.String("interpreter", interpreter),
	)

	runErr := cmd.Run()
	duration := time.Since(startTime)

	result := ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			// Deadline or cancellation; partial output is already captured.
			result.Err = fmt.Errorf("script terminated: %w", ctx.Err())
			result.ExitCode = -2
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			result.Err = fmt.Errorf("script exited with code %d: %w", result.ExitCode, exitErr)
		default:
			result.Err = fmt.Errorf("script execution failed: %w", runErr)
			result.ExitCode = -1
		}
	}

	sr.logger.Debug("Script execution finished",
		zap.String("test_case", tc.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", duration),
	)
	return result
}

func scriptFilename(interpreter string) string {
	if strings.Contains(interpreter, "python") {
		return "main.py"
	}
	return "test_script.sh"
}

// BackendRunner dispatches execution to the runner matching the
// environment's backend kind. Environments without a dedicated runner fall
// back to the script runner.
type BackendRunner struct {
	script    Runner
	container Runner
	logger    *zap.Logger
}

// NewBackendRunner wires per-backend runners; container may be nil when
// Docker support is disabled.
func NewBackendRunner(script, container Runner, logger *zap.Logger) *BackendRunner {
	return &BackendRunner{script: script, container: container, logger: logger}
}

func (br *BackendRunner) Execute(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
	if env.Profile.Backend == models.BackendContainer && br.container != nil {
		return br.container.Execute(ctx, tc, env)
	}
	return br.script.Execute(ctx, tc, env)
}
