// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
)

// PortManagerInterface is the port-allocation surface workflow.Activities
// drives: one port per bootstrapped cell, released on teardown.
type PortManagerInterface interface {
	Allocate() (int, error)
	Release(port int) error
}

// ServerManagerInterface is the opencode-server lifecycle surface
// workflow.Activities drives: boot one server per cell in its materialized
// workspace, poll it for health, and shut it down on teardown.
type ServerManagerInterface interface {
	BootServer(ctx context.Context, workspacePath string, cellID string, port int) (*ServerHandle, error)
	Shutdown(handle *ServerHandle) error
	IsHealthy(ctx context.Context, handle *ServerHandle) bool
}

var _ PortManagerInterface = (*PortManager)(nil)
var _ ServerManagerInterface = (*ServerManager)(nil)
