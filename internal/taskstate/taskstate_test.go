// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package taskstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior/agentswarm/internal/store"
)

func TestIsLegal(t *testing.T) {
	assert.True(t, IsLegal(store.TaskPending, store.TaskAssigned))
	assert.True(t, IsLegal(store.TaskFailed, store.TaskPending))
	assert.True(t, IsLegal(store.TaskFailed, store.TaskEscalated))
	assert.False(t, IsLegal(store.TaskPending, store.TaskRunning))
	assert.False(t, IsLegal(store.TaskPassed, store.TaskPending))
}

func TestTransition_Illegal(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.Task{ID: "t1", Status: store.TaskPending}
	st.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)

	loaded, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)

	err = Transition(context.Background(), st, loaded, store.TaskRunning)
	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, store.TaskPending, illegal.From)
	assert.Equal(t, store.TaskRunning, illegal.To)
}

func TestTransition_Legal(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.Task{ID: "t1", Status: store.TaskPending}
	st.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)

	loaded, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, Transition(context.Background(), st, loaded, store.TaskAssigned))
	assert.Equal(t, store.TaskAssigned, loaded.Status)

	persisted, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, persisted.Status)
}

func TestCanRetry(t *testing.T) {
	assert.True(t, CanRetry(&store.Task{Attempt: 1, RetryMax: 3}))
	assert.True(t, CanRetry(&store.Task{Attempt: 2, RetryMax: 3}))
	assert.True(t, CanRetry(&store.Task{Attempt: 3, RetryMax: 3}))
	assert.False(t, CanRetry(&store.Task{Attempt: 4, RetryMax: 3}))
	assert.False(t, CanRetry(&store.Task{Attempt: 1, RetryMax: 0}))
}

func TestRetry_BumpsAttemptAndReturnsToPending(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.Task{ID: "t1", Status: store.TaskFailed, Attempt: 1, RetryMax: 3}
	st.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)

	loaded, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, Retry(context.Background(), st, loaded))
	assert.Equal(t, store.TaskPending, loaded.Status)
	assert.Equal(t, 2, loaded.Attempt)
}

func TestRetry_RefusesWhenBudgetExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.Task{ID: "t1", Status: store.TaskFailed, Attempt: 4, RetryMax: 3}
	st.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)

	loaded, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)

	err = Retry(context.Background(), st, loaded)
	require.Error(t, err)
	assert.Equal(t, store.TaskFailed, loaded.Status)
}

func TestEscalate(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.Task{ID: "t1", Status: store.TaskFailed, Attempt: 3, RetryMax: 3}
	st.Seed(&store.Plan{ID: "p1"}, []*store.Task{task}, nil)

	loaded, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, Escalate(context.Background(), st, loaded))
	assert.Equal(t, store.TaskEscalated, loaded.Status)
	assert.True(t, IsTerminal(loaded.Status))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(store.TaskPassed))
	assert.True(t, IsTerminal(store.TaskEscalated))
	assert.False(t, IsTerminal(store.TaskRunning))
	assert.False(t, IsTerminal(store.TaskFailed))
}
