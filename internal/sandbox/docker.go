// Package sandbox runs task attempts in ephemeral docker containers and
// recovers their outcomes through completion markers when the containers
// are already gone.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerAgentConfigPath is where an agent's config dir is mounted
// inside the attempt container.
const ContainerAgentConfigPath = "/warden/agent"

// StartSpec describes one container attempt.
type StartSpec struct {
	TaskID        string
	ContainerName string
	Command       string // agent command line, wrapped in the marker exit trap
	Workdir       string // host path mounted at /workspace
	StagingDir    string // host path mounted at ContainerStagingPath
	ConfigDir     string // agent config dir, mounted read-only at ContainerAgentConfigPath
	Env           []string
}

// WaitOutcome is what ContainerWait observed.
type WaitOutcome struct {
	ExitCode int
	Err      string // daemon-side wait error, "" on clean wait
}

// InspectOutcome is a point-in-time container state.
type InspectOutcome struct {
	Exists    bool
	Running   bool
	OOMKilled bool
	ExitCode  int
}

// Runtime drives task containers through the docker engine API.
type Runtime struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	logger      *slog.Logger
}

func NewRuntime(image string, memoryMB int64, networkMode string, logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "warden-agent:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		logger:      logger,
	}, nil
}

// Start creates and starts a detached task container. The container runs
// with TTY so agent CLIs behave as they do interactively, auto-removes on
// exit, and writes its completion marker into the mounted staging dir.
func (r *Runtime) Start(ctx context.Context, spec StartSpec) (string, error) {
	if err := os.MkdirAll(spec.StagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	script := wrapWithExitTrap(spec.TaskID, spec.ContainerName, spec.Command)
	binds := []string{
		fmt.Sprintf("%s:%s", spec.StagingDir, ContainerStagingPath),
	}
	if spec.Workdir != "" {
		binds = append(binds, fmt.Sprintf("%s:/workspace", spec.Workdir))
	}
	if spec.ConfigDir != "" {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", spec.ConfigDir, ContainerAgentConfigPath))
	}

	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", script},
		WorkingDir: "/workspace",
		Env:        spec.Env,
		Tty:        true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.memoryBytes,
		},
		NetworkMode: container.NetworkMode(r.networkMode),
		Binds:       binds,
		AutoRemove:  true,
	}, nil, nil, spec.ContainerName)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.ContainerName, err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", spec.ContainerName, err)
	}
	r.logger.Info("container started",
		"task_id", spec.TaskID, "container", spec.ContainerName, "image", r.image)
	return resp.ID, nil
}

// Wait blocks until the container stops and returns the exit code the
// daemon reported. With AutoRemove on, a "no such container" answer means
// the container already exited and was removed; the caller falls back to
// the completion marker in that case.
func (r *Runtime) Wait(ctx context.Context, ref string) (WaitOutcome, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, ref, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return WaitOutcome{}, fmt.Errorf("container %s already removed: %w", ref, err)
		}
		return WaitOutcome{}, fmt.Errorf("wait container %s: %w", ref, err)
	case status := <-statusCh:
		out := WaitOutcome{ExitCode: int(status.StatusCode)}
		if status.Error != nil {
			out.Err = status.Error.Message
		}
		return out, nil
	case <-ctx.Done():
		return WaitOutcome{}, ctx.Err()
	}
}

// Inspect reports the container's current state. A missing container is
// not an error: Exists=false covers the AutoRemove race.
func (r *Runtime) Inspect(ctx context.Context, ref string) (InspectOutcome, error) {
	info, err := r.client.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return InspectOutcome{Exists: false}, nil
		}
		return InspectOutcome{}, fmt.Errorf("inspect container %s: %w", ref, err)
	}
	out := InspectOutcome{Exists: true}
	if info.State != nil {
		out.Running = info.State.Running
		out.OOMKilled = info.State.OOMKilled
		out.ExitCode = info.State.ExitCode
	}
	return out, nil
}

// Kill force-kills the container. Missing containers are treated as
// already dead.
func (r *Runtime) Kill(ctx context.Context, ref string) error {
	err := r.client.ContainerKill(ctx, ref, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("kill container %s: %w", ref, err)
	}
	return nil
}

// Logs returns the container's log lines. tail limits the result to the
// last n lines; 0 means everything. The container runs with TTY, so the
// stream is a single unmultiplexed channel.
func (r *Runtime) Logs(ctx context.Context, ref string, tail int) ([]string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	rc, err := r.client.ContainerLogs(ctx, ref, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("container logs %s: %w", ref, err)
	}
	defer rc.Close()

	var lines []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read container logs %s: %w", ref, err)
	}
	return lines, nil
}

func (r *Runtime) Close() error {
	return r.client.Close()
}
