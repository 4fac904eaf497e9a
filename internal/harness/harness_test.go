// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	spawnErr error
}

func (f fakeAdapter) Spawn(_ context.Context, _ MaterializedTask) (*Handle, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return &Handle{}, nil
}
func (f fakeAdapter) Events(_ *Handle) <-chan Event { return nil }
func (f fakeAdapter) Send(_ context.Context, _ *Handle, _ string) error { return nil }
func (f fakeAdapter) IsRunning(_ *Handle) bool                          { return false }
func (f fakeAdapter) Kill(_ *Handle) error                              { return nil }

var _ Adapter = fakeAdapter{}

func TestRegistry_ResolveUnknownName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nonexistent")
	require.Error(t, err)
}

func TestRegistry_RegisterThenResolve(t *testing.T) {
	r := NewRegistry()
	a := fakeAdapter{}
	r.Register("opencode", a)

	resolved, err := r.Resolve("opencode")
	require.NoError(t, err)
	assert.Equal(t, a, resolved)
}

func TestRegistry_ResolveIsConcurrencySafe(t *testing.T) {
	r := NewRegistry()
	r.Register("a", fakeAdapter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_, _ = r.Resolve("a")
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_, _ = r.Resolve("a")
	}
	<-done
}
