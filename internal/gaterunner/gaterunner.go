// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package gaterunner executes a task's invariants against its materialized
// workspace and records the outcome. Unlike a gate chain that stops at the
// first failure, this runner always executes every invariant so an operator
// sees every failure from a single attempt at once.
package gaterunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/bitfield/script"

	"github.com/lprior/agentswarm/internal/store"
)

// InvariantFailure describes one failed invariant within a Verdict.
type InvariantFailure struct {
	InvariantID   string
	InvariantName string
	ExitCode      int
	Stderr        string
}

// Verdict is the aggregate outcome of running every invariant in scope for
// one task attempt.
type Verdict struct {
	Passed   bool
	Failures []InvariantFailure
}

// builtinPrefix marks invariants handled by a check built on
// github.com/bitfield/script rather than a `sh -c` command. Everything after
// the prefix is a grep pattern, e.g. "builtin:TODO" meaning "fail if any
// file in the workspace contains TODO".
const builtinPrefix = "builtin:"

// Run executes every invariant in scope for task at the given attempt,
// inside workspacePath, and returns the aggregate verdict. It persists one
// GateResult row per invariant via st, regardless of outcome.
func Run(ctx context.Context, st store.Store, task *store.Task, attempt int, invariants []*store.Invariant, workspacePath string) (Verdict, error) {
	scoped := scopeFor(task, invariants)
	sort.Slice(scoped, func(i, j int) bool { return scoped[i].Name < scoped[j].Name })

	verdict := Verdict{Passed: true}
	for _, inv := range scoped {
		result := execute(ctx, inv, workspacePath)
		result.TaskID = task.ID
		result.InvariantID = inv.ID
		result.Attempt = attempt
		result.Timestamp = time.Now()

		if err := st.InsertGateResult(ctx, result); err != nil {
			return Verdict{}, fmt.Errorf("gaterunner: persist result for invariant %q: %w", inv.Name, err)
		}

		if !result.Passed {
			verdict.Passed = false
			verdict.Failures = append(verdict.Failures, InvariantFailure{
				InvariantID:   inv.ID,
				InvariantName: inv.Name,
				ExitCode:      result.ExitCode,
				Stderr:        result.Stderr,
			})
		}
	}
	return verdict, nil
}

// scopeFor returns the invariants that apply to task: every plan_global and
// per_task invariant, plus any task_specific invariant naming this task.
func scopeFor(task *store.Task, invariants []*store.Invariant) []*store.Invariant {
	var out []*store.Invariant
	for _, inv := range invariants {
		switch inv.Scope {
		case store.ScopePlanGlobal, store.ScopePerTask:
			out = append(out, inv)
		case store.ScopeTaskSpecific:
			if inv.TaskID == task.ID {
				out = append(out, inv)
			}
		}
	}
	return out
}

func execute(ctx context.Context, inv *store.Invariant, workspacePath string) *store.GateResult {
	start := time.Now()

	if isBuiltin(inv.Command) {
		return executeBuiltin(inv, workspacePath, start)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", inv.Command)
	cmd.Dir = workspacePath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	passed := err == nil
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// launch failure (ENOENT, permission denied, ...): synthesize a
			// failed result, never propagate this as a runner error.
			exitCode = -1
			stderr.WriteString(fmt.Sprintf("launch failure: %v", err))
		}
	}

	return &store.GateResult{
		Passed:     passed,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func isBuiltin(command string) bool {
	return len(command) > len(builtinPrefix) && command[:len(builtinPrefix)] == builtinPrefix
}

// executeBuiltin runs `grep -rl <pattern> <workspace>` through
// bitfield/script rather than `sh -c`: the invariant passes when no file
// under the workspace matches the pattern.
func executeBuiltin(inv *store.Invariant, workspacePath string, start time.Time) *store.GateResult {
	spec := inv.Command[len(builtinPrefix):]
	out, err := script.Exec(fmt.Sprintf("grep -rl %q %s", spec, workspacePath)).String()
	passed := err != nil || out == ""
	exitCode := 0
	if !passed {
		exitCode = 1
	}
	return &store.GateResult{
		Passed:     passed,
		ExitCode:   exitCode,
		Stdout:     out,
		DurationMS: time.Since(start).Milliseconds(),
	}
}
