// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package isolation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", "README.md")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestWorktreeProvider_MaterializeAndCleanup(t *testing.T) {
	repoDir := newTestRepo(t)
	baseDir := t.TempDir()
	p := NewWorktreeProvider(repoDir, baseDir)

	path, err := p.Materialize(context.Background(), MaterializeRequest{TaskID: "task-1", PlanID: "plan-1"})
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.FileExists(t, filepath.Join(path, "README.md"))

	require.NoError(t, p.Cleanup(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Cleanup must be idempotent.
	require.NoError(t, p.Cleanup(path))
}

func TestWorktreeProvider_RejectsInvalidTaskID(t *testing.T) {
	repoDir := newTestRepo(t)
	p := NewWorktreeProvider(repoDir, t.TempDir())

	_, err := p.Materialize(context.Background(), MaterializeRequest{TaskID: "../../etc", PlanID: "p1"})
	require.Error(t, err)
}

func TestWorktreeProvider_RejectsInvalidBaseBranch(t *testing.T) {
	repoDir := newTestRepo(t)
	p := NewWorktreeProvider(repoDir, t.TempDir())

	_, err := p.Materialize(context.Background(), MaterializeRequest{TaskID: "task-1", PlanID: "p1", BaseBranch: "main; rm -rf /"})
	require.Error(t, err)
}

func TestWorktreeProvider_RefusesDuplicateWorkspace(t *testing.T) {
	repoDir := newTestRepo(t)
	p := NewWorktreeProvider(repoDir, t.TempDir())

	_, err := p.Materialize(context.Background(), MaterializeRequest{TaskID: "task-1", PlanID: "p1"})
	require.NoError(t, err)

	_, err = p.Materialize(context.Background(), MaterializeRequest{TaskID: "task-1", PlanID: "p1"})
	require.Error(t, err)
}
