// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lprior/agentswarm/internal/harness"
	"github.com/lprior/agentswarm/internal/infra"
	"github.com/lprior/agentswarm/internal/isolation"
	"github.com/lprior/agentswarm/internal/orchestrator"
	"github.com/lprior/agentswarm/internal/planconfig"
	"github.com/lprior/agentswarm/internal/store"
	"github.com/lprior/agentswarm/internal/telemetry"
)

func main() {
	os.Exit(run())
}

// run parses flags, loads the plan, runs the orchestrator, and maps its
// Result onto the process exit codes named in this system's external
// interface: 0 completed, 1 failed, 2 human required, any other non-zero
// value an infrastructure error.
func run() int {
	var (
		planFile    = flag.String("plan", "", "path to a YAML plan definition")
		dbPath      = flag.String("db", "", "sqlite database path (empty uses an in-memory store)")
		maxAgents   = flag.Int("max-agents", 4, "maximum number of concurrent agent lifecycles")
		taskTimeout = flag.Duration("task-timeout", 20*time.Minute, "wall-clock budget for a single task attempt")
		idleTimeout = flag.Duration("idle-timeout", 0, "kill an attempt that emits no agent event for this long (0 disables it)")
		baseDir     = flag.String("workspace-dir", ".swarm/workspaces", "directory worktree-based isolation materializes workspaces under")
		harnessName = flag.String("harness", "opencode", "name agents register tasks under in the plan file's harness field")
		otlpEndpoint = flag.String("otlp-endpoint", "localhost:4318", "OTLP HTTP endpoint for traces")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *planFile == "" {
		slog.Error("swarmctl: -plan is required")
		return 64
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := telemetry.DefaultConfig()
	if *otlpEndpoint != "" {
		cfg.CollectorURL = *otlpEndpoint
	}
	tp, err := telemetry.NewTracerProvider(ctx, cfg)
	if err != nil {
		slog.Error("swarmctl: failed to set up tracing", "error", err)
		return 70
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("swarmctl: tracer shutdown failed", "error", err)
		}
	}()

	f, err := planconfig.Load(*planFile)
	if err != nil {
		slog.Error("swarmctl: failed to load plan", "error", err)
		return 65
	}
	if err := f.Validate(); err != nil {
		slog.Error("swarmctl: plan failed validation", "error", err)
		return 65
	}
	plan, tasks, invariants := f.Materialize()
	slog.Info("swarmctl: plan loaded", "plan", plan.Name, "tasks", len(tasks), "invariants", len(invariants))

	st, closeStore, err := openStore(*dbPath)
	if err != nil {
		slog.Error("swarmctl: failed to open store", "error", err)
		return 70
	}
	defer closeStore()

	if ms, ok := st.(*store.MemoryStore); ok {
		ms.Seed(plan, tasks, invariants)
	} else {
		if err := seed(ctx, st, plan, tasks, invariants); err != nil {
			slog.Error("swarmctl: failed to seed store", "error", err)
			return 70
		}
	}

	absBaseDir, err := filepath.Abs(*baseDir)
	if err != nil {
		slog.Error("swarmctl: failed to resolve workspace dir", "error", err)
		return 70
	}
	if err := os.MkdirAll(absBaseDir, 0o755); err != nil {
		slog.Error("swarmctl: failed to create workspace dir", "error", err)
		return 70
	}
	provider := isolation.NewWorktreeProvider(plan.ProjectPath, absBaseDir)

	registry := harness.NewRegistry()
	adapter := harness.NewOpenCodeAdapter(
		infra.NewPortManager(20000, 21000),
		infra.NewServerManager(),
	)
	registry.Register(*harnessName, adapter)

	result, err := orchestrator.RunOrchestrator(ctx, plan.ID, registry, provider, st, orchestrator.Config{
		MaxAgents:   *maxAgents,
		TaskTimeout: *taskTimeout,
		IdleTimeout: *idleTimeout,
	})
	if err != nil {
		slog.Error("swarmctl: orchestrator run failed", "error", err)
		return 70
	}

	switch result.Kind {
	case orchestrator.Completed:
		slog.Info("swarmctl: plan completed")
		return 0
	case orchestrator.Failed:
		slog.Error("swarmctl: plan failed", "tasks", result.FailedTasks)
		return 1
	case orchestrator.HumanRequired:
		slog.Warn("swarmctl: plan awaiting human review", "tasks", result.TasksAwaitingReview)
		return 2
	default:
		slog.Error("swarmctl: orchestrator returned an unrecognized result", "kind", result.Kind)
		return 70
	}
}

// openStore opens a sqlite-backed store at path, or an in-memory store
// when path is empty.
func openStore(path string) (store.Store, func(), error) {
	if path == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	s, err := store.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store at %s: %w", path, err)
	}
	return s, func() { _ = s.Close() }, nil
}

// seed writes a freshly materialized plan into a backing store that does
// not expose the in-memory store's bulk Seed convenience.
func seed(ctx context.Context, st store.Store, plan *store.Plan, tasks []*store.Task, invariants []*store.Invariant) error {
	if err := st.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("seed plan: %w", err)
	}
	for _, t := range tasks {
		if err := st.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("seed task %q: %w", t.Name, err)
		}
	}
	for _, inv := range invariants {
		if err := st.InsertInvariant(ctx, inv); err != nil {
			return fmt.Errorf("seed invariant %q: %w", inv.Name, err)
		}
	}
	return nil
}
