// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package workflow bootstraps and tears down the per-task "cell" an agent
// runs in: an allocated port, an opencode server booted in the task's
// already-materialized workspace, and the SDK client wired to it. It does
// not materialize the workspace itself — that is internal/isolation's job,
// run ahead of BootstrapCell by the lifecycle package — so a cell always
// runs its agent in the exact directory gaterunner later checks.
package workflow

import (
	"context"
	"fmt"

	"github.com/lprior/agentswarm/internal/agent"
	"github.com/lprior/agentswarm/internal/infra"
)

// Activities bundles the infrastructure collaborators a cell bootstrap
// needs: port allocation and opencode server lifecycle.
type Activities struct {
	portManager   infra.PortManagerInterface
	serverManager infra.ServerManagerInterface
}

// NewActivities wires the infrastructure collaborators Activities drives.
func NewActivities(portMgr infra.PortManagerInterface, serverMgr infra.ServerManagerInterface) *Activities {
	return &Activities{portManager: portMgr, serverManager: serverMgr}
}

// CellBootstrap is the live state of one bootstrapped cell.
type CellBootstrap struct {
	CellID        string
	Port          int
	WorkspacePath string
	ServerHandle  *infra.ServerHandle
	Client        agent.ClientInterface
}

// BootstrapCell allocates a port and boots an opencode server rooted at
// workspacePath (a workspace isolation has already materialized for this
// task), then wires an SDK client to it. Any step failing unwinds the steps
// before it.
func (a *Activities) BootstrapCell(ctx context.Context, cellID string, workspacePath string) (*CellBootstrap, error) {
	port, err := a.portManager.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port: %w", err)
	}
	cleanupPort := true
	defer func() {
		if cleanupPort {
			_ = a.portManager.Release(port)
		}
	}()

	serverHandle, err := a.serverManager.BootServer(ctx, workspacePath, cellID, port)
	if err != nil {
		return nil, fmt.Errorf("failed to boot server: %w", err)
	}
	cleanupServer := true
	defer func() {
		if cleanupServer {
			_ = a.serverManager.Shutdown(serverHandle)
		}
	}()

	client := agent.NewClient(serverHandle.BaseURL, port)

	cleanupPort = false
	cleanupServer = false
	return &CellBootstrap{
		CellID:        cellID,
		Port:          port,
		WorkspacePath: workspacePath,
		ServerHandle:  serverHandle,
		Client:        client,
	}, nil
}

// TeardownCell stops the cell's server and releases its port. It does not
// reclaim the workspace: that was materialized by internal/isolation and is
// cleaned up by its own Provider.Cleanup, independently of the cell's
// lifetime.
func (a *Activities) TeardownCell(_ context.Context, cell *CellBootstrap) error {
	var errs []error

	if cell.ServerHandle != nil {
		if err := a.serverManager.Shutdown(cell.ServerHandle); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown server: %w", err))
		}
	}

	if cell.Port != 0 {
		if err := a.portManager.Release(cell.Port); err != nil {
			errs = append(errs, fmt.Errorf("failed to release port: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("teardown errors: %v", errs)
	}
	return nil
}

// ExecuteTask sends task's prompt through the cell's agent and reports the
// files it touched.
func (a *Activities) ExecuteTask(ctx context.Context, cell *CellBootstrap, task *agent.TaskContext) (*agent.ExecutionResult, error) {
	if !a.serverManager.IsHealthy(ctx, cell.ServerHandle) {
		return nil, fmt.Errorf("server is not healthy")
	}

	result, err := cell.Client.ExecutePrompt(ctx, task.Prompt, &agent.PromptOptions{
		Title: fmt.Sprintf("Task: %s", task.TaskID),
		Agent: "build",
	})
	if err != nil {
		return &agent.ExecutionResult{Success: false, ErrorMessage: err.Error()}, err
	}

	fileStatus, err := cell.Client.GetFileStatus(ctx)
	if err != nil {
		return &agent.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to get file status: %v", err),
		}, nil
	}

	filesModified := make([]string, 0, len(fileStatus))
	for _, file := range fileStatus {
		if file.Path != "" {
			filesModified = append(filesModified, file.Path)
		}
	}

	return &agent.ExecutionResult{
		Success:       true,
		Output:        result.GetText(),
		FilesModified: filesModified,
		SessionID:     result.SessionID,
	}, nil
}
