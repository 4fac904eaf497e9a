// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package taskstate implements the legal transition table for task status
// and the retry/escalation arithmetic, adapted down to the seven statuses
// of this system.
package taskstate

import (
	"context"
	"fmt"

	"github.com/lprior/agentswarm/internal/store"
)

// ErrIllegalTransition is returned when a caller asks for a transition not
// present in the legal transition table. It is a validation error: never
// retried, always a programming mistake upstream.
type ErrIllegalTransition struct {
	From store.TaskStatus
	To   store.TaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("taskstate: illegal transition %s -> %s", e.From, e.To)
}

// transition describes one legal edge in the state machine.
type transition struct {
	From        store.TaskStatus
	To          store.TaskStatus
	Description string
}

var transitions = []transition{
	{store.TaskPending, store.TaskAssigned, "orchestrator reserves a ready task"},
	{store.TaskAssigned, store.TaskRunning, "workspace materialized, agent spawned"},
	{store.TaskRunning, store.TaskChecking, "agent signaled completion"},
	{store.TaskRunning, store.TaskFailed, "agent failed, crashed, or timed out"},
	{store.TaskChecking, store.TaskPassed, "auto gate policy, verdict passed"},
	{store.TaskChecking, store.TaskFailed, "auto gate policy, verdict failed"},
	{store.TaskFailed, store.TaskPending, "attempt <= retry_max, retry"},
	{store.TaskFailed, store.TaskEscalated, "attempt > retry_max, escalate"},
}

// IsLegal reports whether the (from, to) pair appears in the transition
// table. checking -> checking (human policies leaving the task parked) is
// not a transition at all and is handled by callers simply not calling
// Transition in that case.
func IsLegal(from, to store.TaskStatus) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Transition validates and persists a status change for task. Any
// attempt-counter adjustment must already be reflected on task before this
// call; Transition only validates the (from, to) edge and writes it.
func Transition(ctx context.Context, st store.Store, task *store.Task, to store.TaskStatus) error {
	from := task.Status
	if !IsLegal(from, to) {
		return &ErrIllegalTransition{From: from, To: to}
	}
	task.Status = to
	if err := st.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("taskstate: persist transition %s -> %s: %w", from, to, err)
	}
	return nil
}

// Retry moves a failed task back to pending and bumps its attempt counter.
// Callers must have already checked CanRetry(task).
func Retry(ctx context.Context, st store.Store, task *store.Task) error {
	if task.Status != store.TaskFailed {
		return &ErrIllegalTransition{From: task.Status, To: store.TaskPending}
	}
	if !CanRetry(task) {
		return fmt.Errorf("taskstate: retry budget exhausted for task %q (attempt=%d, retry_max=%d)", task.ID, task.Attempt, task.RetryMax)
	}
	task.Attempt++
	return Transition(ctx, st, task, store.TaskPending)
}

// Escalate moves a failed task to escalated, its terminal failure state.
func Escalate(ctx context.Context, st store.Store, task *store.Task) error {
	return Transition(ctx, st, task, store.TaskEscalated)
}

// CanRetry reports whether a failed task still has retry budget. Tasks
// start at attempt 1, and the invariant 1 <= attempt <= retry_max+1 means a
// task may retry as long as its current attempt has not yet used up
// retry_max: attempt == retry_max is the last attempt allowed to retry
// (bumping to retry_max+1), which must then escalate instead.
func CanRetry(task *store.Task) bool {
	return task.Attempt <= task.RetryMax
}

// IsTerminal reports whether status has no outgoing edges.
func IsTerminal(status store.TaskStatus) bool {
	switch status {
	case store.TaskPassed, store.TaskEscalated:
		return true
	default:
		return false
	}
}
