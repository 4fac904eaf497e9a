// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package planconfig loads a plan definition from a YAML file, validates
// it, and materializes it into store records. Grounded on internal/config's
// Load/Validate split, generalized from a single well-known config path to
// an arbitrary plan file path and from application settings to a DAG of
// tasks and invariants.
package planconfig

import (
	"fmt"
	"os"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lprior/agentswarm/internal/store"
)

// File is the on-disk shape of a plan definition.
type File struct {
	Plan       PlanSpec        `yaml:"plan"`
	Tasks      []TaskSpec      `yaml:"tasks"`
	Invariants []InvariantSpec `yaml:"invariants"`
}

// PlanSpec describes the plan itself.
type PlanSpec struct {
	Name        string `yaml:"name"`
	ProjectPath string `yaml:"project_path"`
}

// TaskSpec describes one task entry.
type TaskSpec struct {
	Name        string   `yaml:"name"`
	Prompt      string   `yaml:"prompt"`
	DependsOn   []string `yaml:"depends_on"`
	RetryMax    int      `yaml:"retry_max"`
	GatePolicy  string   `yaml:"gate_policy"`
	HarnessName string   `yaml:"harness"`
}

// InvariantSpec describes one invariant entry.
type InvariantSpec struct {
	Name    string `yaml:"name"`
	Scope   string `yaml:"scope"`
	Task    string `yaml:"task"` // task name, only meaningful when scope == task_specific
	Command string `yaml:"command"`
}

// Load reads and parses a plan file from path. It does not validate;
// callers should call Validate before Materialize.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planconfig: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("planconfig: parse %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks a plan file for structural correctness: required fields,
// unique task names, dependency edges that resolve to declared tasks, and
// an acyclic dependency graph (detected via github.com/gammazero/toposort,
// the same cycle-detection primitive the teacher's pkg/dag.Scheduler used,
// now run once at load time rather than once per scheduling pass).
func (f *File) Validate() error {
	if f.Plan.Name == "" {
		return fmt.Errorf("planconfig: plan name is required")
	}
	if f.Plan.ProjectPath == "" {
		return fmt.Errorf("planconfig: plan project_path is required")
	}
	if len(f.Tasks) == 0 {
		return fmt.Errorf("planconfig: plan has no tasks")
	}

	names := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		if t.Name == "" {
			return fmt.Errorf("planconfig: task with empty name")
		}
		if names[t.Name] {
			return fmt.Errorf("planconfig: duplicate task name %q", t.Name)
		}
		names[t.Name] = true
		switch store.GatePolicy(t.GatePolicy) {
		case store.PolicyAuto, store.PolicyHumanReview, store.PolicyHumanApprove, "":
		default:
			return fmt.Errorf("planconfig: task %q has unknown gate_policy %q", t.Name, t.GatePolicy)
		}
	}

	var edges []toposort.Edge
	for _, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return fmt.Errorf("planconfig: task %q depends on unknown task %q", t.Name, dep)
			}
			edges = append(edges, toposort.Edge{dep, t.Name})
		}
	}
	if len(edges) > 0 {
		if _, err := toposort.Toposort(edges); err != nil {
			return fmt.Errorf("planconfig: cycle detected in task dependencies: %w", err)
		}
	}

	for _, inv := range f.Invariants {
		if inv.Name == "" {
			return fmt.Errorf("planconfig: invariant with empty name")
		}
		if inv.Command == "" {
			return fmt.Errorf("planconfig: invariant %q has no command", inv.Name)
		}
		switch store.InvariantScope(inv.Scope) {
		case store.ScopePlanGlobal, store.ScopePerTask:
		case store.ScopeTaskSpecific:
			if !names[inv.Task] {
				return fmt.Errorf("planconfig: invariant %q is task_specific for unknown task %q", inv.Name, inv.Task)
			}
		default:
			return fmt.Errorf("planconfig: invariant %q has unknown scope %q", inv.Name, inv.Scope)
		}
	}

	return nil
}

// Materialize converts a validated File into store records, assigning
// fresh UUIDs and resolving task-name dependency/invariant references into
// the IDs the store layer expects.
func (f *File) Materialize() (*store.Plan, []*store.Task, []*store.Invariant) {
	planID := uuid.NewString()
	plan := &store.Plan{
		ID:          planID,
		Name:        f.Plan.Name,
		ProjectPath: f.Plan.ProjectPath,
		Status:      store.PlanDraft,
	}

	idByName := make(map[string]string, len(f.Tasks))
	for _, t := range f.Tasks {
		idByName[t.Name] = uuid.NewString()
	}

	tasks := make([]*store.Task, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			deps = append(deps, idByName[dep])
		}
		retryMax := t.RetryMax
		if retryMax == 0 {
			retryMax = 1
		}
		policy := store.GatePolicy(t.GatePolicy)
		if policy == "" {
			policy = store.PolicyAuto
		}
		harnessName := t.HarnessName
		if harnessName == "" {
			harnessName = "opencode"
		}
		tasks = append(tasks, &store.Task{
			ID:          idByName[t.Name],
			PlanID:      planID,
			Name:        t.Name,
			Status:      store.TaskPending,
			Attempt:     1,
			RetryMax:    retryMax,
			GatePolicy:  policy,
			DependsOn:   deps,
			Prompt:      t.Prompt,
			HarnessName: harnessName,
		})
	}

	invariants := make([]*store.Invariant, 0, len(f.Invariants))
	for _, inv := range f.Invariants {
		taskID := ""
		if store.InvariantScope(inv.Scope) == store.ScopeTaskSpecific {
			taskID = idByName[inv.Task]
		}
		invariants = append(invariants, &store.Invariant{
			ID:      uuid.NewString(),
			PlanID:  planID,
			Name:    inv.Name,
			Scope:   store.InvariantScope(inv.Scope),
			TaskID:  taskID,
			Command: inv.Command,
		})
	}

	return plan, tasks, invariants
}
