// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveTask_OnlyOneWinnerUnderConcurrency(t *testing.T) {
	s := NewMemoryStore()
	s.Seed(&Plan{ID: "p1"}, []*Task{{ID: "t1", PlanID: "p1", Status: TaskPending}}, nil)

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.ReserveTask(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.True(t, errors.Is(err, ErrNotReserved))
		}
	}
	assert.Equal(t, 1, successes)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskAssigned, task.Status)
}

func TestReadyTasks_RespectsDependencies(t *testing.T) {
	s := NewMemoryStore()
	s.Seed(&Plan{ID: "p1"}, []*Task{
		{ID: "a", PlanID: "p1", Status: TaskPassed},
		{ID: "b", PlanID: "p1", Status: TaskPending, DependsOn: []string{"a"}},
		{ID: "c", PlanID: "p1", Status: TaskPending, DependsOn: []string{"b"}},
	}, nil)

	ready, err := s.ReadyTasks(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestProgress_ClassifiesAwaitingHuman(t *testing.T) {
	s := NewMemoryStore()
	s.Seed(&Plan{ID: "p1"}, []*Task{
		{ID: "a", PlanID: "p1", Name: "a", Status: TaskPassed},
		{ID: "b", PlanID: "p1", Name: "b", Status: TaskChecking, GatePolicy: PolicyHumanReview},
		{ID: "c", PlanID: "p1", Name: "c", Status: TaskFailed},
	}, nil)

	progress, err := s.Progress(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 1, progress.Passed)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, []string{"b"}, progress.AwaitingHuman)
	assert.Equal(t, 1, progress.Remaining)
}

func TestLatestGateResults_LatestRowWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := &GateResult{TaskID: "t1", InvariantID: "inv1", Attempt: 1, Passed: false}
	require.NoError(t, s.InsertGateResult(ctx, older))

	newer := &GateResult{TaskID: "t1", InvariantID: "inv1", Attempt: 1, Passed: true}
	newer.Timestamp = older.Timestamp.Add(1)
	require.NoError(t, s.InsertGateResult(ctx, newer))

	results, err := s.LatestGateResults(ctx, "t1", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
}

func TestNextSequence_IsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seq1, err := s.NextSequence(ctx, "t1", 1)
	require.NoError(t, err)
	require.NoError(t, s.AppendAgentEvent(ctx, &AgentEvent{TaskID: "t1", Attempt: 1, Sequence: seq1}))

	seq2, err := s.NextSequence(ctx, "t1", 1)
	require.NoError(t, err)

	assert.Greater(t, seq2, seq1)
}
