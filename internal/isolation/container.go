// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// ContainerProvider is an alternate Provider that gives each task a
// throwaway Docker container instead of a git worktree on the host: the
// source directory is bind-mounted read-only at /src and a per-task host
// directory, created empty, is bind-mounted at /workspace. It does not copy
// or check out the source into that directory. Cleanup removes the
// container; the host directory stays on disk.
type ContainerProvider struct {
	cli       *client.Client
	image     string
	sourceDir string // host directory bind-mounted read-only at /src
	baseDir   string // host directory holding the per-task workspace directories

	mu         sync.Mutex
	containers map[string]string // workspace path -> container ID
}

// NewContainerProvider connects to the Docker daemon using the standard
// environment variables (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func NewContainerProvider(image, sourceDir, baseDir string) (*ContainerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("isolation: connect to docker: %w", err)
	}
	return &ContainerProvider{
		cli:        cli,
		image:      image,
		sourceDir:  sourceDir,
		baseDir:    baseDir,
		containers: make(map[string]string),
	}, nil
}

func (p *ContainerProvider) Materialize(ctx context.Context, req MaterializeRequest) (string, error) {
	if !isValidIdentifier(req.TaskID) {
		return "", fmt.Errorf("isolation: invalid task id %q", req.TaskID)
	}

	workspacePath := filepath.Join(p.baseDir, req.TaskID)
	if err := os.MkdirAll(workspacePath, 0o750); err != nil {
		return "", fmt.Errorf("isolation: create workspace dir: %w", err)
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.image,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: p.sourceDir, Target: "/src", ReadOnly: true},
			{Type: mount.TypeBind, Source: workspacePath, Target: "/workspace"},
		},
	}, nil, nil, "agentswarm-task-"+req.TaskID)
	if err != nil {
		return "", fmt.Errorf("isolation: create container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("isolation: start container: %w", err)
	}

	p.mu.Lock()
	p.containers[workspacePath] = resp.ID
	p.mu.Unlock()

	return workspacePath, nil
}

func (p *ContainerProvider) Cleanup(workspacePath string) error {
	p.mu.Lock()
	id, ok := p.containers[workspacePath]
	delete(p.containers, workspacePath)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	ctx := context.Background()
	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("isolation: remove container %s: %w", id, err)
	}
	return nil
}

var _ Provider = (*ContainerProvider)(nil)
