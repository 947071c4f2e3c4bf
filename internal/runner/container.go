package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// ContainerLauncher starts the first-party runner binary inside a
// short-lived container instead of os/exec, when a workspace is
// configured with runner.isolation=docker. It is never used to run
// arbitrary user programs — only the named runner image (spec.md §1, §5
// "auto-start of the first-party runner binary"), adapted from the
// teacher's internal/dispatch/docker.go agent-container pattern.
type ContainerLauncher struct {
	cli   *client.Client
	image string
}

// NewContainerLauncher builds a launcher for the given runner image
// (e.g. "branchmind-runner:latest").
func NewContainerLauncher(image string) (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runner: docker client: %w", err)
	}
	return &ContainerLauncher{cli: cli, image: image}, nil
}

// Launch starts one runner container bound to workDir (the workspace's
// storage directory) and returns its container ID. The container talks
// back to the engine over the same MCP stdio contract as a host-run
// runner binary — this only changes how the process is started.
func (l *ContainerLauncher) Launch(ctx context.Context, runnerID, workDir string) (string, error) {
	name := fmt.Sprintf("branchmind-runner-%s-%d", runnerID, time.Now().UnixNano())

	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("runner: resolve workdir: %w", err)
	}
	if err := os.MkdirAll(absWorkDir, 0o755); err != nil {
		return "", fmt.Errorf("runner: mkdir workdir: %w", err)
	}

	cfg := &container.Config{
		Image:      l.image,
		Cmd:        []string{"branchmind-runner", "--runner-id", runnerID},
		Tty:        false,
		WorkingDir: "/workspace",
		Env:        []string{"BRANCHMIND_RUNNER_ID=" + runnerID},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: absWorkDir, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("runner: create container: %w", err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("runner: start container: %w", err)
	}
	return resp.ID, nil
}

// Stop removes the runner container, forcing if still running.
func (l *ContainerLauncher) Stop(ctx context.Context, containerID string) error {
	return l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// IsRunning reports whether the container is still alive.
func (l *ContainerLauncher) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := l.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}
