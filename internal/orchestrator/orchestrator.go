// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package orchestrator runs a plan to completion: an admission-controlled
// scheduling loop that reserves ready tasks, launches their lifecycles as
// independent goroutines bounded by a counting semaphore, and classifies
// the plan's terminal outcome. Generalized from the teacher's
// orchestration.Coordinator.executeAgentWave (one-shot wave, fixed set of
// ready agents) into a persistent loop whose admission window reopens as
// slots free, because tasks here become ready dynamically as dependencies
// pass rather than all at once.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lprior/agentswarm/internal/harness"
	"github.com/lprior/agentswarm/internal/isolation"
	"github.com/lprior/agentswarm/internal/lifecycle"
	"github.com/lprior/agentswarm/internal/store"
	"github.com/lprior/agentswarm/internal/telemetry"
)

// Config bounds one orchestrator run.
type Config struct {
	MaxAgents   int // must be >= 1
	TaskTimeout time.Duration
	IdleTimeout time.Duration
}

// ResultKind classifies how a plan run ended.
type ResultKind string

const (
	Completed    ResultKind = "completed"
	Failed       ResultKind = "failed"
	HumanRequired ResultKind = "human_required"
)

// Result is what RunOrchestrator returns.
type Result struct {
	Kind                ResultKind
	FailedTasks         []string // set when Kind == Failed
	TasksAwaitingReview []string // set when Kind == HumanRequired
}

// completionMsg is what an in-flight lifecycle goroutine reports back.
type completionMsg struct {
	taskID string
}

// RunOrchestrator drives planID's tasks to a terminal plan-level outcome,
// admitting up to cfg.MaxAgents concurrent lifecycles.
func RunOrchestrator(ctx context.Context, planID string, registry *harness.Registry, provider isolation.Provider, st store.Store, cfg Config) (Result, error) {
	if cfg.MaxAgents < 1 {
		return Result{}, fmt.Errorf("orchestrator: MaxAgents must be >= 1, got %d", cfg.MaxAgents)
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "RunOrchestrator")
	defer span.End()
	telemetry.AddAttributes(ctx, telemetry.AttrPlanID.String(planID))

	sem := make(chan struct{}, cfg.MaxAgents)
	done := make(chan completionMsg, cfg.MaxAgents)
	var wg sync.WaitGroup
	inFlight := make(map[string]struct{})
	var inFlightMu sync.Mutex

	// lifecycleCtx is cancelled either by the caller's ctx or when we
	// return, so in-flight goroutines always wind down.
	lifecycleCtx, cancelLifecycles := context.WithCancel(ctx)
	defer cancelLifecycles()

	launch := func(taskID string) {
		inFlightMu.Lock()
		inFlight[taskID] = struct{}{}
		inFlightMu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := lifecycle.RunAgentLifecycle(lifecycleCtx, taskID, mustAdapter(ctx, registry, st, taskID), provider, st, lifecycle.Config{TaskTimeout: cfg.TaskTimeout, IdleTimeout: cfg.IdleTimeout})
			if err != nil {
				slog.Error("orchestrator: lifecycle returned an error", "task", taskID, "error", err)
			} else {
				slog.Info("orchestrator: lifecycle finished", "task", taskID, "outcome", res.Outcome, "reason", res.Reason)
			}

			inFlightMu.Lock()
			delete(inFlight, taskID)
			inFlightMu.Unlock()

			select {
			case done <- completionMsg{taskID: taskID}:
			case <-ctx.Done():
			}
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return classify(ctx, st, planID)
		}

		progress, err := st.Progress(ctx, planID)
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: query progress: %w", err)
		}
		if progress.Remaining == 0 {
			wg.Wait()
			return classify(ctx, st, planID)
		}

		ready, err := st.ReadyTasks(ctx, planID)
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: query ready tasks: %w", err)
		}
		ready, err = order(ctx, st, planID, ready)
		if err != nil {
			return Result{}, fmt.Errorf("orchestrator: order ready tasks: %w", err)
		}

		admitted := 0
		inFlightMu.Lock()
		slots := cfg.MaxAgents - len(inFlight)
		inFlightMu.Unlock()

		for _, task := range ready {
			if admitted >= slots {
				break
			}
			if err := st.ReserveTask(ctx, task.ID); err != nil {
				if err == store.ErrNotReserved {
					continue // another caller won the race; try the next one
				}
				return Result{}, fmt.Errorf("orchestrator: reserve task %q: %w", task.ID, err)
			}
			launch(task.ID)
			admitted++
		}

		inFlightMu.Lock()
		anyInFlight := len(inFlight) > 0
		inFlightMu.Unlock()

		if admitted == 0 && !anyInFlight {
			// nothing ready and nothing running, but the plan is not
			// complete: stuck.
			return classify(ctx, st, planID)
		}

		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

// order ranks ready tasks by (fewest remaining downstream dependents desc,
// then name), so that unblocking work is prioritized.
func order(ctx context.Context, st store.Store, planID string, ready []*store.Task) ([]*store.Task, error) {
	all, err := st.ListTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	dependents := make(map[string]int)
	for _, t := range all {
		for _, dep := range t.DependsOn {
			dependents[dep]++
		}
	}

	sorted := make([]*store.Task, len(ready))
	copy(sorted, ready)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := dependents[sorted[i].ID], dependents[sorted[j].ID]
		if di != dj {
			return di > dj
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted, nil
}

// classify maps a plan's current task statuses onto a plan-level Result.
func classify(ctx context.Context, st store.Store, planID string) (Result, error) {
	progress, err := st.Progress(ctx, planID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: classify: query progress: %w", err)
	}

	if progress.Failed == 0 && progress.Escalated == 0 && len(progress.AwaitingHuman) == 0 && progress.Remaining == 0 {
		return Result{Kind: Completed}, nil
	}

	tasks, err := st.ListTasks(ctx, planID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: classify: list tasks: %w", err)
	}

	var failedTasks []string
	for _, t := range tasks {
		if t.Status == store.TaskEscalated {
			failedTasks = append(failedTasks, t.Name)
		}
	}
	if len(failedTasks) > 0 {
		return Result{Kind: Failed, FailedTasks: failedTasks}, nil
	}

	if len(progress.AwaitingHuman) > 0 {
		return Result{Kind: HumanRequired, TasksAwaitingReview: progress.AwaitingHuman}, nil
	}

	// A task stuck in `failed` with no retries left but not yet escalated
	// (a race window between gateeval and taskstate.Escalate) still counts
	// as a failure of the plan.
	for _, t := range tasks {
		if t.Status == store.TaskFailed {
			failedTasks = append(failedTasks, t.Name)
		}
	}
	if len(failedTasks) > 0 {
		return Result{Kind: Failed, FailedTasks: failedTasks}, nil
	}

	return Result{Kind: HumanRequired}, nil
}

// mustAdapter resolves the harness adapter named on a task. Any resolution
// error surfaces as a lifecycle-level infrastructure failure rather than
// aborting the whole orchestrator run, by way of a stub adapter that fails
// immediately on Spawn.
func mustAdapter(ctx context.Context, registry *harness.Registry, st store.Store, taskID string) harness.Adapter {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return failingAdapter{err: fmt.Errorf("orchestrator: load task %q: %w", taskID, err)}
	}
	adapter, err := registry.Resolve(task.HarnessName)
	if err != nil {
		return failingAdapter{err: err}
	}
	return adapter
}

// failingAdapter always fails Spawn, so a bad harness name is reported as
// an ordinary lifecycle-level infrastructure failure (charged against the
// task's retry budget) instead of crashing the orchestrator.
type failingAdapter struct{ err error }

func (f failingAdapter) Spawn(context.Context, harness.MaterializedTask) (*harness.Handle, error) {
	return nil, f.err
}
func (f failingAdapter) Events(*harness.Handle) <-chan harness.Event { return nil }
func (f failingAdapter) Send(context.Context, *harness.Handle, string) error { return f.err }
func (f failingAdapter) IsRunning(*harness.Handle) bool                     { return false }
func (f failingAdapter) Kill(*harness.Handle) error                         { return nil }

var _ harness.Adapter = failingAdapter{}
