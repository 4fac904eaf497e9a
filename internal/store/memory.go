package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store backed by maps guarded by a single
// mutex. It is the default store for tests and single-process demos, and
// mirrors the registry idiom used throughout this codebase (register/get/
// list over a mutex-guarded map).
type MemoryStore struct {
	mu sync.Mutex

	plans       map[string]*Plan
	tasks       map[string]*Task
	invariants  map[string][]*Invariant // keyed by plan ID
	gateResults map[string][]*GateResult
	events      map[string][]*AgentEvent

	logger *slog.Logger
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[string]*Plan),
		tasks:       make(map[string]*Task),
		invariants:  make(map[string][]*Invariant),
		gateResults: make(map[string][]*GateResult),
		events:      make(map[string][]*AgentEvent),
		logger:      slog.Default(),
	}
}

// Seed loads a plan, its tasks and its invariants in one call, intended for
// test setup and the plan-approval path.
func (s *MemoryStore) Seed(plan *Plan, tasks []*Task, invariants []*Invariant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans[plan.ID] = plan
	for _, t := range tasks {
		cp := *t
		s.tasks[t.ID] = &cp
	}
	s.invariants[plan.ID] = invariants
}

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[plan.ID]; !ok {
		return fmt.Errorf("plan %q: %w", plan.ID, ErrNotFound)
	}
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, planID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.PlanID == planID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %q: %w", task.ID, ErrNotFound)
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// ReserveTask is the only operation in the memory store whose atomicity is
// load-bearing: it is the compare-and-swap the orchestrator relies on to
// hand out a task to exactly one lifecycle.
func (s *MemoryStore) ReserveTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, ErrNotReserved)
	}
	if t.Status != TaskPending {
		return fmt.Errorf("task %q not pending (status=%s): %w", taskID, t.Status, ErrNotReserved)
	}
	t.Status = TaskAssigned
	return nil
}

func (s *MemoryStore) ReadyTasks(_ context.Context, planID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	passed := make(map[string]bool)
	for _, t := range s.tasks {
		if t.PlanID == planID && t.Status == TaskPassed {
			passed[t.ID] = true
		}
	}

	var ready []*Task
	for _, t := range s.tasks {
		if t.PlanID != planID || t.Status != TaskPending {
			continue
		}
		allDepsPassed := true
		for _, dep := range t.DependsOn {
			if !passed[dep] {
				allDepsPassed = false
				break
			}
		}
		if allDepsPassed {
			cp := *t
			ready = append(ready, &cp)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

func (s *MemoryStore) Progress(_ context.Context, planID string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Progress{}
	for _, t := range s.tasks {
		if t.PlanID != planID {
			continue
		}
		p.Total++
		switch t.Status {
		case TaskPassed:
			p.Passed++
		case TaskFailed:
			p.Failed++
		case TaskEscalated:
			p.Escalated++
		case TaskChecking:
			if t.GatePolicy != PolicyAuto {
				p.AwaitingHuman = append(p.AwaitingHuman, t.Name)
			}
			p.Remaining++
		default:
			p.Remaining++
		}
	}
	sort.Strings(p.AwaitingHuman)
	return p, nil
}

func (s *MemoryStore) ListInvariants(_ context.Context, planID string) ([]*Invariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Invariant, len(s.invariants[planID]))
	copy(out, s.invariants[planID])
	return out, nil
}

func (s *MemoryStore) InsertInvariant(_ context.Context, invariant *Invariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *invariant
	s.invariants[invariant.PlanID] = append(s.invariants[invariant.PlanID], &cp)
	return nil
}

func (s *MemoryStore) InsertGateResult(_ context.Context, result *GateResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *result
	s.gateResults[result.TaskID] = append(s.gateResults[result.TaskID], &cp)
	return nil
}

// LatestGateResults returns, for the given attempt, the most recently
// written row per invariant ID (latest-row-wins, since rows are append-only
// and never updated in place).
func (s *MemoryStore) LatestGateResults(_ context.Context, taskID string, attempt int) ([]*GateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]*GateResult)
	for _, r := range s.gateResults[taskID] {
		if r.Attempt != attempt {
			continue
		}
		if prev, ok := latest[r.InvariantID]; !ok || r.Timestamp.After(prev.Timestamp) {
			cp := *r
			latest[r.InvariantID] = &cp
		}
	}

	out := make([]*GateResult, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvariantID < out[j].InvariantID })
	return out, nil
}

func (s *MemoryStore) AppendAgentEvent(_ context.Context, event *AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events[event.TaskID] = append(s.events[event.TaskID], &cp)
	return nil
}

func (s *MemoryStore) NextSequence(_ context.Context, taskID string, attempt int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, e := range s.events[taskID] {
		if e.Attempt == attempt && e.Sequence > max {
			max = e.Sequence
		}
	}
	return max + 1, nil
}

var _ Store = (*MemoryStore)(nil)
