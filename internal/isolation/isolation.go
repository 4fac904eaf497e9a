// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package isolation materializes a task into an isolated working directory
// and reclaims it on teardown. The two implementations here are a
// git-worktree provider (the default) and a Docker-container provider.
package isolation

import (
	"context"
	"regexp"
)

// MaterializeRequest carries what a Provider needs to stand up a workspace.
type MaterializeRequest struct {
	TaskID     string
	PlanID     string
	BaseBranch string // source ref to branch the isolated workspace from
}

// Provider is the isolation collaborator consumed by the agent lifecycle.
type Provider interface {
	// Materialize prepares an isolated workspace for req and returns its
	// absolute path.
	Materialize(ctx context.Context, req MaterializeRequest) (workspacePath string, err error)

	// Cleanup reclaims a previously materialized workspace. Idempotent:
	// calling it twice, or on a path that was never materialized, is not an
	// error.
	Cleanup(workspacePath string) error
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

// isValidIdentifier guards against command injection through task/plan IDs
// that end up interpolated into shell-outs (git worktree branch names,
// container names).
func isValidIdentifier(s string) bool {
	return s != "" && identifierPattern.MatchString(s)
}
