// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior/agentswarm/internal/harness"
	"github.com/lprior/agentswarm/internal/isolation"
	"github.com/lprior/agentswarm/internal/store"
)

// fakeProvider returns a fixed /workspaces/<task-id> path without creating
// it and records Cleanup calls; it never touches the filesystem.
type fakeProvider struct {
	materializeErr error
	cleaned        []string
}

func (p *fakeProvider) Materialize(_ context.Context, req isolation.MaterializeRequest) (string, error) {
	if p.materializeErr != nil {
		return "", p.materializeErr
	}
	return "/workspaces/" + req.TaskID, nil
}

func (p *fakeProvider) Cleanup(path string) error {
	p.cleaned = append(p.cleaned, path)
	return nil
}

var _ isolation.Provider = (*fakeProvider)(nil)

// fakeAdapter replays a fixed event script and records Kill calls.
type fakeAdapter struct {
	spawnErr error
	script   []harness.Event
	delay    time.Duration // delay before closing the channel, to exercise timeouts

	killed  bool
	running bool
}

func (a *fakeAdapter) Spawn(_ context.Context, _ harness.MaterializedTask) (*harness.Handle, error) {
	if a.spawnErr != nil {
		return nil, a.spawnErr
	}
	a.running = true
	return &harness.Handle{}, nil
}

func (a *fakeAdapter) Events(_ *harness.Handle) <-chan harness.Event {
	ch := make(chan harness.Event, len(a.script)+1)
	go func() {
		defer close(ch)
		if a.delay > 0 {
			time.Sleep(a.delay)
		}
		for _, ev := range a.script {
			ch <- ev
		}
	}()
	return ch
}

func (a *fakeAdapter) Send(_ context.Context, _ *harness.Handle, _ string) error { return nil }
func (a *fakeAdapter) IsRunning(_ *harness.Handle) bool                         { return a.running }
func (a *fakeAdapter) Kill(_ *harness.Handle) error {
	a.killed = true
	a.running = false
	return nil
}

var _ harness.Adapter = (*fakeAdapter)(nil)

func seedAssignedTask(t *testing.T, gatePolicy store.GatePolicy, retryMax int) (*store.MemoryStore, *store.Task) {
	t.Helper()
	s := store.NewMemoryStore()
	task := &store.Task{ID: "t1", PlanID: "p1", Status: store.TaskAssigned, GatePolicy: gatePolicy, Attempt: 1, RetryMax: retryMax}
	s.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)
	return s, task
}

func TestRunAgentLifecycle_HappyPath(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 1)
	adapter := &fakeAdapter{script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, Passed, result.Outcome)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPassed, task.Status)
}

func TestRunAgentLifecycle_GateFailureRetries(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 3)
	invariant := &store.Invariant{ID: "i1", PlanID: "p1", Name: "always-fails", Scope: store.ScopePlanGlobal, Command: "false"}
	require.NoError(t, s.InsertInvariant(context.Background(), invariant))

	adapter := &fakeAdapter{script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, Retrying, result.Outcome)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 2, task.Attempt)
}

func TestRunAgentLifecycle_GateFailureEscalatesAtBudget(t *testing.T) {
	s := store.NewMemoryStore()
	task := &store.Task{ID: "t1", PlanID: "p1", Status: store.TaskAssigned, GatePolicy: store.PolicyAuto, Attempt: 2, RetryMax: 1}
	s.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)
	invariant := &store.Invariant{ID: "i1", PlanID: "p1", Name: "always-fails", Scope: store.ScopePlanGlobal, Command: "false"}
	require.NoError(t, s.InsertInvariant(context.Background(), invariant))

	adapter := &fakeAdapter{script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, Escalated, result.Outcome)

	persisted, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskEscalated, persisted.Status)
}

func TestRunAgentLifecycle_HumanGate(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyHumanReview, 1)
	adapter := &fakeAdapter{script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, AwaitingHuman, result.Outcome)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskChecking, task.Status)
}

func TestRunAgentLifecycle_FailureSentinelRetries(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 3)
	adapter := &fakeAdapter{script: []harness.Event{
		{Kind: harness.EventFailureSentinel, FailureReason: "agent gave up"},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, Retrying, result.Outcome)
	assert.Contains(t, result.Reason, "agent gave up")
}

func TestRunAgentLifecycle_TimesOutAndKillsAdapter(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 3)
	adapter := &fakeAdapter{delay: 50 * time.Millisecond, script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{TaskTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, Retrying, result.Outcome)
	assert.True(t, adapter.killed)
}

func TestRunAgentLifecycle_IdleTimeoutFiresBeforeTaskTimeout(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 3)
	adapter := &fakeAdapter{delay: 50 * time.Millisecond, script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{TaskTimeout: time.Second, IdleTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, Retrying, result.Outcome)
	assert.Contains(t, result.Reason, "idle")
	assert.True(t, adapter.killed)
}

func TestRunAgentLifecycle_CancellationPropagates(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 3)
	adapter := &fakeAdapter{delay: 50 * time.Millisecond, script: []harness.Event{
		{Kind: harness.EventCompletionSentinel},
		{Kind: harness.EventProcessExit, ExitCode: 0},
	}}
	provider := &fakeProvider{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result, err := RunAgentLifecycle(ctx, "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, Retrying, result.Outcome)
	assert.True(t, adapter.killed)
}

func TestRunAgentLifecycle_MaterializeFailureChargesRetryBudget(t *testing.T) {
	s, _ := seedAssignedTask(t, store.PolicyAuto, 3)
	adapter := &fakeAdapter{}
	provider := &fakeProvider{materializeErr: fmt.Errorf("disk full")}

	result, err := RunAgentLifecycle(context.Background(), "t1", adapter, provider, s, Config{})
	require.NoError(t, err)
	assert.Equal(t, Retrying, result.Outcome)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 2, task.Attempt)
}

func TestRunAgentLifecycle_RefusesNonAssignedTask(t *testing.T) {
	s := store.NewMemoryStore()
	task := &store.Task{ID: "t1", PlanID: "p1", Status: store.TaskPending}
	s.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)

	_, err := RunAgentLifecycle(context.Background(), "t1", &fakeAdapter{}, &fakeProvider{}, s, Config{})
	require.Error(t, err)
}
