// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package lifecycle drives one task through one attempt: materialize its
// workspace, spawn an agent, stream its events, detect completion or
// timeout, run gates, evaluate the verdict, and persist the outcome.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lprior/agentswarm/internal/gateeval"
	"github.com/lprior/agentswarm/internal/gaterunner"
	"github.com/lprior/agentswarm/internal/harness"
	"github.com/lprior/agentswarm/internal/isolation"
	"github.com/lprior/agentswarm/internal/store"
	"github.com/lprior/agentswarm/internal/taskstate"
	"github.com/lprior/agentswarm/internal/telemetry"
)

// Outcome classifies how one lifecycle run ended.
type Outcome string

const (
	Passed        Outcome = "passed"
	Failed        Outcome = "failed"
	Retrying      Outcome = "retrying"
	Escalated     Outcome = "escalated"
	AwaitingHuman Outcome = "awaiting_human"
)

// Result is what RunAgentLifecycle returns.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Config bounds one lifecycle run.
type Config struct {
	TaskTimeout time.Duration // 0 means no timeout
	IdleTimeout time.Duration // 0 disables it; resets on every observed event
}

// streamOutcome classifies why the agent's event stream ended.
type streamOutcome int

const (
	streamCompleted streamOutcome = iota
	streamFailed
	streamTimedOut
	streamCancelled
)

// RunAgentLifecycle drives taskID through one attempt. The task must
// already be in store.TaskAssigned status (the orchestrator reserved it);
// RunAgentLifecycle refuses to proceed otherwise.
func RunAgentLifecycle(ctx context.Context, taskID string, adapter harness.Adapter, provider isolation.Provider, st store.Store, cfg Config) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "RunAgentLifecycle")
	defer span.End()

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: load task %q: %w", taskID, err)
	}
	telemetry.AddAttributes(ctx, telemetry.LifecycleAttrs(task.ID, task.Attempt)...)

	if task.Status != store.TaskAssigned {
		return Result{}, fmt.Errorf("lifecycle: task %q not assigned (status=%s)", taskID, task.Status)
	}

	workspacePath, err := provider.Materialize(ctx, isolation.MaterializeRequest{TaskID: task.ID, PlanID: task.PlanID})
	if err != nil {
		return abortAttempt(ctx, st, task, fmt.Sprintf("materialize workspace: %v", err))
	}

	task.WorkspacePath = workspacePath
	handle, err := adapter.Spawn(ctx, harness.MaterializedTask{TaskID: task.ID, WorkspacePath: workspacePath, Prompt: task.Prompt})
	if err != nil {
		defer provider.Cleanup(workspacePath)
		return abortAttempt(ctx, st, task, fmt.Sprintf("spawn agent: %v", err))
	}

	defer func() {
		if adapter.IsRunning(handle) {
			_ = adapter.Kill(handle)
		}
	}()

	if err := taskstate.Transition(ctx, st, task, store.TaskRunning); err != nil {
		return Result{}, fmt.Errorf("lifecycle: %w", err)
	}

	outcome, failureReason := streamEvents(ctx, st, task, adapter, handle, cfg)

	switch outcome {
	case streamFailed, streamTimedOut, streamCancelled:
		if failureReason == "" {
			failureReason = string(outcome)
		}
		return failAttempt(ctx, st, task, failureReason)
	}

	if err := taskstate.Transition(ctx, st, task, store.TaskChecking); err != nil {
		return Result{}, fmt.Errorf("lifecycle: %w", err)
	}

	invariants, err := st.ListInvariants(ctx, task.PlanID)
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: list invariants: %w", err)
	}

	verdict, err := gaterunner.Run(ctx, st, task, task.Attempt, invariants, workspacePath)
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: run gates: %w", err)
	}

	action, err := gateeval.EvaluateVerdict(ctx, st, task, verdict)
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: evaluate verdict: %w", err)
	}

	slog.Info("lifecycle attempt evaluated", "task", task.ID, "attempt", task.Attempt, "action", action.Kind)

	switch action.Kind {
	case gateeval.AutoPassed:
		return Result{Outcome: Passed}, nil
	case gateeval.AutoFailed:
		if action.CanRetry {
			if err := taskstate.Retry(ctx, st, task); err != nil {
				return Result{}, fmt.Errorf("lifecycle: %w", err)
			}
			return Result{Outcome: Retrying}, nil
		}
		if err := taskstate.Escalate(ctx, st, task); err != nil {
			return Result{}, fmt.Errorf("lifecycle: %w", err)
		}
		return Result{Outcome: Escalated}, nil
	case gateeval.HumanRequired:
		return Result{Outcome: AwaitingHuman}, nil
	default:
		return Result{}, fmt.Errorf("lifecycle: unknown gate action %q", action.Kind)
	}
}

// abortAttempt handles an infrastructure failure before the task ever
// reached running: it is charged against the retry budget exactly like an
// agent-level failure, per this system's error propagation policy.
func abortAttempt(ctx context.Context, st store.Store, task *store.Task, reason string) (Result, error) {
	if err := taskstate.Transition(ctx, st, task, store.TaskRunning); err != nil {
		return Result{}, fmt.Errorf("lifecycle: %w", err)
	}
	return failAttempt(ctx, st, task, reason)
}

// failAttempt transitions task to failed and then, exactly like a
// gate-evaluation failure, decides retry vs escalate against the retry
// budget: an agent-level failure (crash, timeout, cancellation) is charged
// against retry_max the same way a failed gate verdict is.
func failAttempt(ctx context.Context, st store.Store, task *store.Task, reason string) (Result, error) {
	if err := taskstate.Transition(ctx, st, task, store.TaskFailed); err != nil {
		return Result{}, fmt.Errorf("lifecycle: %w", err)
	}
	if taskstate.CanRetry(task) {
		if err := taskstate.Retry(ctx, st, task); err != nil {
			return Result{}, fmt.Errorf("lifecycle: %w", err)
		}
		return Result{Outcome: Retrying, Reason: reason}, nil
	}
	if err := taskstate.Escalate(ctx, st, task); err != nil {
		return Result{}, fmt.Errorf("lifecycle: %w", err)
	}
	return Result{Outcome: Escalated, Reason: reason}, nil
}

// streamEvents reads handle's event stream, persisting every event with a
// strictly increasing sequence number, racing a TaskTimeout timer (the whole
// attempt's budget, never reset) and an IdleTimeout timer (reset on every
// observed event, catching an agent that has gone silent well before the
// attempt's overall budget expires) and ctx cancellation against the stream
// closing.
func streamEvents(ctx context.Context, st store.Store, task *store.Task, adapter harness.Adapter, handle *harness.Handle, cfg Config) (streamOutcome, string) {
	var timeoutCh <-chan time.Time
	if cfg.TaskTimeout > 0 {
		timer := time.NewTimer(cfg.TaskTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	if cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
		idleCh = idleTimer.C
	}
	resetIdle := func() {
		if idleTimer == nil {
			return
		}
		if !idleTimer.Stop() {
			<-idleTimer.C
		}
		idleTimer.Reset(cfg.IdleTimeout)
	}

	events := adapter.Events(handle)

	for {
		select {
		case <-ctx.Done():
			_ = adapter.Kill(handle)
			appendEvent(ctx, st, task, store.EventCancelled, "context cancelled")
			return streamCancelled, "context cancelled"

		case <-timeoutCh:
			_ = adapter.Kill(handle)
			appendEvent(ctx, st, task, store.EventTimeout, "")
			return streamTimedOut, "attempt timed out"

		case <-idleCh:
			_ = adapter.Kill(handle)
			appendEvent(ctx, st, task, store.EventTimeout, "idle timeout")
			return streamTimedOut, "attempt idle timed out"

		case ev, ok := <-events:
			resetIdle()
			if !ok {
				return streamFailed, "event stream closed without a completion sentinel"
			}

			switch ev.Kind {
			case harness.EventCompletionSentinel:
				appendEvent(ctx, st, task, store.EventCompletionSentinel, ev.Text)
				return streamCompleted, ""
			case harness.EventFailureSentinel:
				appendEvent(ctx, st, task, store.EventFailureSentinel, ev.FailureReason)
				return streamFailed, ev.FailureReason
			case harness.EventProcessExit:
				appendEvent(ctx, st, task, store.EventProcessExit, fmt.Sprintf("exit=%d", ev.ExitCode))
				if ev.ExitCode == 0 {
					// a clean exit counts as success even without a prior
					// completion sentinel
					return streamCompleted, ""
				}
				return streamFailed, fmt.Sprintf("process exited with code %d", ev.ExitCode)
			case harness.EventToolCall:
				appendEvent(ctx, st, task, store.EventToolCall, ev.Text)
			case harness.EventStderr:
				appendEvent(ctx, st, task, store.EventStderr, ev.Text)
			default:
				appendEvent(ctx, st, task, store.EventStdout, ev.Text)
			}
		}
	}
}

func appendEvent(ctx context.Context, st store.Store, task *store.Task, kind store.AgentEventKind, payload string) {
	seq, err := st.NextSequence(ctx, task.ID, task.Attempt)
	if err != nil {
		slog.Error("lifecycle: failed to allocate event sequence", "task", task.ID, "error", err)
		return
	}
	if err := st.AppendAgentEvent(ctx, &store.AgentEvent{
		TaskID:   task.ID,
		Attempt:  task.Attempt,
		Sequence: seq,
		Kind:     kind,
		Payload:  payload,
	}); err != nil {
		slog.Error("lifecycle: failed to persist agent event", "task", task.ID, "kind", kind, "error", err)
	}
}
