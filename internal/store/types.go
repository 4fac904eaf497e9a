// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package store defines the persistence collaborator: a typed query
// surface over plans, tasks, invariants, gate results and agent events.
package store

import "time"

// PlanStatus is the lifecycle status of a plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanApproved   PlanStatus = "approved"
	PlanRunning    PlanStatus = "running"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanNeedsHuman PlanStatus = "needs_review"
)

// TaskStatus is one of the seven task states of the task state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskRunning    TaskStatus = "running"
	TaskChecking   TaskStatus = "checking"
	TaskPassed     TaskStatus = "passed"
	TaskFailed     TaskStatus = "failed"
	TaskEscalated  TaskStatus = "escalated"
)

// GatePolicy controls who decides a task's fate once gates have run.
type GatePolicy string

const (
	PolicyAuto         GatePolicy = "auto"
	PolicyHumanReview  GatePolicy = "human_review"
	PolicyHumanApprove GatePolicy = "human_approve"
)

// InvariantScope determines which tasks an invariant applies to.
type InvariantScope string

const (
	ScopePlanGlobal   InvariantScope = "plan_global"
	ScopePerTask      InvariantScope = "per_task"
	ScopeTaskSpecific InvariantScope = "task_specific"
)

// AgentEventKind classifies a single streamed agent event.
type AgentEventKind string

const (
	EventStdout             AgentEventKind = "stdout"
	EventStderr             AgentEventKind = "stderr"
	EventToolCall           AgentEventKind = "tool_call"
	EventCompletionSentinel AgentEventKind = "completion_sentinel"
	EventFailureSentinel    AgentEventKind = "failure_sentinel"
	EventProcessExit        AgentEventKind = "process_exit"
	EventTimeout            AgentEventKind = "timeout"
	EventCancelled          AgentEventKind = "cancelled"
)

// Plan is a set of tasks approved for execution against a project.
type Plan struct {
	ID          string
	Name        string
	ProjectPath string
	Status      PlanStatus
	ApprovedAt  *time.Time
	CompletedAt *time.Time
}

// Task is a unit of work within a plan, tracked through the state machine.
type Task struct {
	ID           string
	PlanID       string
	Name         string
	Status       TaskStatus
	Attempt      int
	RetryMax     int
	GatePolicy   GatePolicy
	WorkspacePath string
	DependsOn    []string
	Prompt       string
	HarnessName  string
}

// Invariant is a correctness check run against a materialized task.
type Invariant struct {
	ID      string
	PlanID  string
	Name    string
	Scope   InvariantScope
	TaskID  string // only meaningful when Scope == ScopeTaskSpecific
	Command string
}

// GateResult is one invariant's outcome for one task attempt. Append-only.
type GateResult struct {
	ID          string
	TaskID      string
	InvariantID string
	Attempt     int
	Passed      bool
	ExitCode    int
	Stdout      string
	Stderr      string
	DurationMS  int64
	Timestamp   time.Time
}

// AgentEvent is one item from an agent's event stream. Append-only.
type AgentEvent struct {
	ID        string
	TaskID    string
	Attempt   int
	Sequence  int
	Kind      AgentEventKind
	Payload   string
	Timestamp time.Time
}
