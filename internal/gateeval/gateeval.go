// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package gateeval turns a gate Verdict into a GateAction and, for
// automatic policies, drives the task state machine. Collapsed to this
// system's single auto/human policy split.
package gateeval

import (
	"context"
	"fmt"

	"github.com/lprior/agentswarm/internal/gaterunner"
	"github.com/lprior/agentswarm/internal/store"
	"github.com/lprior/agentswarm/internal/taskstate"
)

// ActionKind classifies what EvaluateVerdict decided.
type ActionKind string

const (
	AutoPassed    ActionKind = "auto_passed"
	AutoFailed    ActionKind = "auto_failed"
	HumanRequired ActionKind = "human_required"
)

// GateAction is the result of evaluating one verdict against a task's gate
// policy.
type GateAction struct {
	Kind     ActionKind
	CanRetry bool // only meaningful when Kind == AutoFailed
}

// EvaluateVerdict applies task.GatePolicy to verdict, mutating task status
// via the state machine for automatic policies. Human policies leave the
// task parked in checking; a human-driven approval flow (out of scope here)
// is the only thing that can move it further.
func EvaluateVerdict(ctx context.Context, st store.Store, task *store.Task, verdict gaterunner.Verdict) (GateAction, error) {
	if task.Status != store.TaskChecking {
		return GateAction{}, fmt.Errorf("gateeval: task %q not in checking (status=%s)", task.ID, task.Status)
	}

	switch task.GatePolicy {
	case store.PolicyAuto:
		if verdict.Passed {
			if err := taskstate.Transition(ctx, st, task, store.TaskPassed); err != nil {
				return GateAction{}, fmt.Errorf("gateeval: %w", err)
			}
			return GateAction{Kind: AutoPassed}, nil
		}
		if err := taskstate.Transition(ctx, st, task, store.TaskFailed); err != nil {
			return GateAction{}, fmt.Errorf("gateeval: %w", err)
		}
		return GateAction{Kind: AutoFailed, CanRetry: taskstate.CanRetry(task)}, nil

	case store.PolicyHumanReview, store.PolicyHumanApprove:
		return GateAction{Kind: HumanRequired}, nil

	default:
		return GateAction{}, fmt.Errorf("gateeval: unknown gate policy %q on task %q", task.GatePolicy, task.ID)
	}
}
