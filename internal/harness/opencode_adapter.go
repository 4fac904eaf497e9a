// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lprior/agentswarm/internal/agent"
	"github.com/lprior/agentswarm/internal/infra"
	"github.com/lprior/agentswarm/internal/telemetry"
	"github.com/lprior/agentswarm/internal/workflow"
	"go.opentelemetry.io/otel/codes"
)

// cellHandle is the OpenCodeAdapter's private Handle.state: a bootstrapped
// cell (port + worktree server + SDK client) plus the goroutine-fed event
// channel for this spawn.
type cellHandle struct {
	cell   *workflow.CellBootstrap
	events chan Event

	mu      sync.Mutex
	killed  bool
	running bool
}

// OpenCodeAdapter is the default Adapter, wrapping the opencode SDK's
// session/prompt protocol (github.com/sst/opencode-sdk-go) via the cell
// bootstrap/execute/teardown activities. Because that protocol is
// request/response rather than a raw process stream, Spawn kicks off a
// goroutine that issues one prompt and synthesizes the Event sequence a
// streaming harness would have produced. If the prompt round trip errors,
// that is a failure sentinel and a process-exit event with code 1.
// Otherwise it is zero or more ToolCall events for files the agent touched,
// then either a failure sentinel and a code-1 process exit (unsuccessful
// result), or a Stdout event with the agent's text, a completion sentinel
// only when that text contains "task complete", and a code-0 process exit.
// It never materializes its own workspace: Spawn boots
// the agent's server directly in task.WorkspacePath, the directory
// isolation.Provider already prepared and gaterunner will later inspect.
type OpenCodeAdapter struct {
	activities *workflow.Activities
}

// NewOpenCodeAdapter constructs an adapter that boots one opencode server,
// on its own allocated port, per spawned task.
func NewOpenCodeAdapter(portMgr infra.PortManagerInterface, serverMgr infra.ServerManagerInterface) *OpenCodeAdapter {
	return &OpenCodeAdapter{activities: workflow.NewActivities(portMgr, serverMgr)}
}

func (a *OpenCodeAdapter) Spawn(ctx context.Context, task MaterializedTask) (*Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, "harness.opencode", "Spawn")
	defer span.End()
	telemetry.AddAttributes(ctx, telemetry.LifecycleAttrs(task.TaskID, 0)...)

	cellID := fmt.Sprintf("task-%s", task.TaskID)
	cell, err := a.activities.BootstrapCell(ctx, cellID, task.WorkspacePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bootstrap cell failed")
		return nil, fmt.Errorf("harness: bootstrap cell for task %q: %w", task.TaskID, err)
	}

	ch := &cellHandle{
		cell:    cell,
		events:  make(chan Event, 16),
		running: true,
	}

	go a.runPrompt(ch, task)

	span.SetStatus(codes.Ok, "spawned")
	return &Handle{TaskID: task.TaskID, state: ch}, nil
}

// runPrompt sends the task prompt and translates the SDK's response into
// the synthesized event sequence described on OpenCodeAdapter.
func (a *OpenCodeAdapter) runPrompt(ch *cellHandle, task MaterializedTask) {
	defer func() {
		ch.mu.Lock()
		ch.running = false
		ch.mu.Unlock()
		close(ch.events)
	}()

	ctx := context.Background()
	result, err := a.activities.ExecuteTask(ctx, ch.cell, &agent.TaskContext{
		TaskID: task.TaskID,
		Prompt: task.Prompt,
	})

	ch.mu.Lock()
	killed := ch.killed
	ch.mu.Unlock()
	if killed {
		return
	}

	if err != nil {
		ch.events <- Event{Kind: EventFailureSentinel, FailureReason: err.Error()}
		ch.events <- Event{Kind: EventProcessExit, ExitCode: 1}
		return
	}

	for _, f := range result.FilesModified {
		ch.events <- Event{Kind: EventToolCall, Text: "modified " + f}
	}

	if !result.Success {
		ch.events <- Event{Kind: EventFailureSentinel, FailureReason: result.ErrorMessage}
		ch.events <- Event{Kind: EventProcessExit, ExitCode: 1}
		return
	}

	ch.events <- Event{Kind: EventStdout, Text: result.Output}
	if strings.Contains(strings.ToLower(result.Output), "task complete") {
		ch.events <- Event{Kind: EventCompletionSentinel}
	}
	ch.events <- Event{Kind: EventProcessExit, ExitCode: 0}
}

func (a *OpenCodeAdapter) Events(handle *Handle) <-chan Event {
	return handle.state.(*cellHandle).events
}

func (a *OpenCodeAdapter) Send(ctx context.Context, handle *Handle, message string) error {
	ch := handle.state.(*cellHandle)
	_, err := ch.cell.Client.ExecutePrompt(ctx, message, &agent.PromptOptions{
		SessionID: "", // empty: the client opens a new session for this message
		Agent:     "build",
	})
	if err != nil {
		return fmt.Errorf("harness: send message to task %q: %w", handle.TaskID, err)
	}
	return nil
}

func (a *OpenCodeAdapter) IsRunning(handle *Handle) bool {
	ch := handle.state.(*cellHandle)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.running
}

func (a *OpenCodeAdapter) Kill(handle *Handle) error {
	ch := handle.state.(*cellHandle)

	ch.mu.Lock()
	if ch.killed {
		ch.mu.Unlock()
		return nil
	}
	ch.killed = true
	ch.running = false
	ch.mu.Unlock()

	return a.activities.TeardownCell(context.Background(), ch.cell)
}

var _ Adapter = (*OpenCodeAdapter)(nil)
