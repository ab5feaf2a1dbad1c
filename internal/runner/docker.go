package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// defaultContainerImage is used when a container-backed environment does
// not name an image in its profile.
const defaultContainerImage = "debian:bookworm-slim"

// DockerRunner executes test scripts inside containers for
// container-backed environments. The workspace is bind-mounted so the
// script and its artifacts survive the container.
type DockerRunner struct {
	cli          *client.Client
	workspaceDir string
	logger       *zap.Logger
}

// NewDockerRunner connects to the local Docker daemon and verifies it is
// reachable.
func NewDockerRunner(workspaceDir string, logger *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &DockerRunner{cli: cli, workspaceDir: workspaceDir, logger: logger}, nil
}

// Close releases the underlying Docker client.
func (dr *DockerRunner) Close() error {
	return dr.cli.Close()
}

// Execute runs the test script in a one-shot container constrained to the
// environment's memory profile, with networking disabled.
func (dr *DockerRunner) Execute(ctx context.Context, tc models.TestCase, env models.Environment) ExecutionResult {
	if strings.TrimSpace(tc.Script) == "" {
		return ExecutionResult{Err: fmt.Errorf("test case %s: %w: empty script", tc.ID, models.ErrInvalidTestCase), ExitCode: -1}
	}

	interpreter := tc.ScriptInterpreter
	if strings.TrimSpace(interpreter) == "" {
		interpreter = "/bin/sh"
	}
	image := env.Profile.Image
	if image == "" {
		image = defaultContainerImage
	}

	workspace := filepath.Join(dr.workspaceDir, tc.ID+"-"+fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to create workspace: %w", err), ExitCode: -1}
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			dr.logger.Error("Failed to clean up container workspace",
				zap.String("test_case", tc.ID), zap.Error(err))
		}
	}()

	filename := scriptFilename(interpreter)
	if err := os.WriteFile(filepath.Join(workspace, filename), []byte(tc.Script), 0755); err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to write script file: %w", err), ExitCode: -1}
	}

	containerConfig := &container.Config{
		Image:      image,
		Cmd:        []string{interpreter, "/workspace/" + filename},
		WorkingDir: "/workspace",
	}
	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/workspace", workspace)},
		Resources: container.Resources{
			Memory: int64(env.Profile.MemoryMB) * 1024 * 1024,
		},
		NetworkMode: "none",
	}

	startTime := time.Now()
	resp, err := dr.cli.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to create container: %w", err), ExitCode: -1}
	}
	defer dr.cleanupContainer(resp.ID)

	if err := dr.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to start container: %w", err), ExitCode: -1}
	}

	dr.logger.Info("Test container started",
		zap.String("test_case", tc.ID),
		zap.String("environment", env.Name),
		zap.String("image", image),
		zap.String("container_id", resp.ID),
	)

	statusCh, errCh := dr.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			stdout, stderr := dr.containerLogs(resp.ID)
			return ExecutionResult{
				Stdout:   stdout,
				Stderr:   stderr,
				Duration: time.Since(startTime),
				ExitCode: -2,
				Err:      fmt.Errorf("container wait failed: %w", err),
			}
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	duration := time.Since(startTime)
	stdout, stderr := dr.containerLogs(resp.ID)

	result := ExecutionResult{
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
		ExitCode: exitCode,
	}
	if ctx.Err() != nil {
		result.Err = fmt.Errorf("container run terminated: %w", ctx.Err())
		result.ExitCode = -2
	} else if exitCode != 0 {
		result.Err = fmt.Errorf("container exited with code %d", exitCode)
	}
	return result
}

// containerLogs fetches and demultiplexes whatever output the container
// produced so far. Uses a fresh context so partial logs are still
// retrievable after the run context was cancelled.
func (dr *DockerRunner) containerLogs(containerID string) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := dr.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		dr.logger.Warn("Failed to collect container logs",
			zap.String("container_id", containerID), zap.Error(err))
		return "", ""
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		dr.logger.Warn("Failed to demultiplex container logs",
			zap.String("container_id", containerID), zap.Error(err))
	}
	return stdout.String(), stderr.String()
}

func (dr *DockerRunner) cleanupContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopTimeout := 5
	if err := dr.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		dr.logger.Debug("Container stop during cleanup failed",
			zap.String("container_id", containerID), zap.Error(err))
	}
	if err := dr.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		dr.logger.Warn("Failed to remove container",
			zap.String("container_id", containerID), zap.Error(err))
	}
}
