package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store implementation, backed by a single
// sqlite file via the pure-Go, CGO-free modernc.org/sqlite driver. Its
// ReserveTask relies on the database's own conditional UPDATE rather than
// an in-process lock, so it stays correct even if a caller mistakenly runs
// two orchestrator processes against the same file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the sqlite file at path and
// ensures the schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	project_path TEXT NOT NULL,
	status TEXT NOT NULL,
	approved_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 1,
	retry_max INTEGER NOT NULL DEFAULT 0,
	gate_policy TEXT NOT NULL,
	workspace_path TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	harness_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id TEXT NOT NULL,
	depends_on_task_id TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on_task_id)
);
CREATE TABLE IF NOT EXISTS invariants (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	name TEXT NOT NULL,
	scope TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS gate_results (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	invariant_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	passed INTEGER NOT NULL,
	exit_code INTEGER NOT NULL,
	stdout TEXT NOT NULL,
	stderr TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	UNIQUE(task_id, attempt, invariant_id)
);
CREATE TABLE IF NOT EXISTS agent_events (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id);
CREATE INDEX IF NOT EXISTS idx_events_task_attempt ON agent_events(task_id, attempt);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, project_path, status, approved_at, completed_at FROM plans WHERE id = ?`, planID)
	p := &Plan{}
	if err := row.Scan(&p.ID, &p.Name, &p.ProjectPath, &p.Status, &p.ApprovedAt, &p.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("plan %q: %w", planID, ErrNotFound)
		}
		return nil, fmt.Errorf("get plan: %w: %v", ErrUnavailable, err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, project_path, status, approved_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, project_path=excluded.project_path,
			status=excluded.status, approved_at=excluded.approved_at, completed_at=excluded.completed_at`,
		plan.ID, plan.Name, plan.ProjectPath, plan.Status, plan.ApprovedAt, plan.CompletedAt)
	if err != nil {
		return fmt.Errorf("update plan: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) scanTask(row interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	if err := row.Scan(&t.ID, &t.PlanID, &t.Name, &t.Status, &t.Attempt, &t.RetryMax,
		&t.GatePolicy, &t.WorkspacePath, &t.Prompt, &t.HarnessName); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) attachDeps(ctx context.Context, t *Task) error {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return err
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	return rows.Err()
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, plan_id, name, status, attempt, retry_max, gate_policy, workspace_path, prompt, harness_name FROM tasks WHERE id = ?`, taskID)
	t, err := s.scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w: %v", ErrUnavailable, err)
	}
	if err := s.attachDeps(ctx, t); err != nil {
		return nil, fmt.Errorf("get task deps: %w: %v", ErrUnavailable, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, planID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id, name, status, attempt, retry_max, gate_policy, workspace_path, prompt, harness_name FROM tasks WHERE plan_id = ? ORDER BY id`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w: %v", ErrUnavailable, err)
		}
		if err := s.attachDeps(ctx, t); err != nil {
			return nil, fmt.Errorf("list tasks deps: %w: %v", ErrUnavailable, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, plan_id, name, status, attempt, retry_max, gate_policy, workspace_path, prompt, harness_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET plan_id=excluded.plan_id, name=excluded.name, status=excluded.status,
			attempt=excluded.attempt, retry_max=excluded.retry_max, gate_policy=excluded.gate_policy,
			workspace_path=excluded.workspace_path, prompt=excluded.prompt, harness_name=excluded.harness_name`,
		task.ID, task.PlanID, task.Name, task.Status, task.Attempt, task.RetryMax,
		task.GatePolicy, task.WorkspacePath, task.Prompt, task.HarnessName)
	if err != nil {
		return fmt.Errorf("update task: %w: %v", ErrUnavailable, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("update task dependencies: %w: %v", ErrUnavailable, err)
	}
	for _, dep := range task.DependsOn {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)`, task.ID, dep); err != nil {
			return fmt.Errorf("update task dependencies: %w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// ReserveTask relies on sqlite's own row-level conditional update: the
// UPDATE only matches (and only one caller's UPDATE can match) a row
// currently in pending status.
func (s *SQLiteStore) ReserveTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		TaskAssigned, taskID, TaskPending)
	if err != nil {
		return fmt.Errorf("reserve task: %w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve task: %w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrNotReserved)
	}
	return nil
}

func (s *SQLiteStore) ReadyTasks(ctx context.Context, planID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, name, status, attempt, retry_max, gate_policy, workspace_path, prompt, harness_name
		FROM tasks t
		WHERE t.plan_id = ? AND t.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			LEFT JOIN tasks dt ON dt.id = d.depends_on_task_id
			WHERE d.task_id = t.id AND (dt.status IS NULL OR dt.status != ?)
		)
		ORDER BY t.id`, planID, TaskPending, TaskPassed)
	if err != nil {
		return nil, fmt.Errorf("ready tasks: %w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("ready tasks: %w: %v", ErrUnavailable, err)
		}
		if err := s.attachDeps(ctx, t); err != nil {
			return nil, fmt.Errorf("ready tasks deps: %w: %v", ErrUnavailable, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Progress(ctx context.Context, planID string) (*Progress, error) {
	tasks, err := s.ListTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	p := &Progress{}
	for _, t := range tasks {
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
	return p, nil
}

func (s *SQLiteStore) ListInvariants(ctx context.Context, planID string) ([]*Invariant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id, name, scope, task_id, command FROM invariants WHERE plan_id = ? ORDER BY name`, planID)
	if err != nil {
		return nil, fmt.Errorf("list invariants: %w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Invariant
	for rows.Next() {
		inv := &Invariant{}
		if err := rows.Scan(&inv.ID, &inv.PlanID, &inv.Name, &inv.Scope, &inv.TaskID, &inv.Command); err != nil {
			return nil, fmt.Errorf("list invariants: %w: %v", ErrUnavailable, err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertInvariant(ctx context.Context, invariant *Invariant) error {
	if invariant.ID == "" {
		invariant.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invariants (id, plan_id, name, scope, task_id, command)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET plan_id=excluded.plan_id, name=excluded.name, scope=excluded.scope,
			task_id=excluded.task_id, command=excluded.command`,
		invariant.ID, invariant.PlanID, invariant.Name, invariant.Scope, invariant.TaskID, invariant.Command)
	if err != nil {
		return fmt.Errorf("insert invariant: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) InsertGateResult(ctx context.Context, result *GateResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_results (id, task_id, invariant_id, attempt, passed, exit_code, stdout, stderr, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, attempt, invariant_id) DO UPDATE SET
			passed=excluded.passed, exit_code=excluded.exit_code, stdout=excluded.stdout,
			stderr=excluded.stderr, duration_ms=excluded.duration_ms, timestamp=excluded.timestamp`,
		result.ID, result.TaskID, result.InvariantID, result.Attempt, result.Passed,
		result.ExitCode, result.Stdout, result.Stderr, result.DurationMS, result.Timestamp)
	if err != nil {
		return fmt.Errorf("insert gate result: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) LatestGateResults(ctx context.Context, taskID string, attempt int) ([]*GateResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, invariant_id, attempt, passed, exit_code, stdout, stderr, duration_ms, timestamp
		FROM gate_results WHERE task_id = ? AND attempt = ? ORDER BY invariant_id`, taskID, attempt)
	if err != nil {
		return nil, fmt.Errorf("latest gate results: %w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*GateResult
	for rows.Next() {
		r := &GateResult{}
		if err := rows.Scan(&r.ID, &r.TaskID, &r.InvariantID, &r.Attempt, &r.Passed,
			&r.ExitCode, &r.Stdout, &r.Stderr, &r.DurationMS, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("latest gate results: %w: %v", ErrUnavailable, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendAgentEvent(ctx context.Context, event *AgentEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_events (id, task_id, attempt, sequence, kind, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.TaskID, event.Attempt, event.Sequence, event.Kind, event.Payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append agent event: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) NextSequence(ctx context.Context, taskID string, attempt int) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM agent_events WHERE task_id = ? AND attempt = ?`, taskID, attempt)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("next sequence: %w: %v", ErrUnavailable, err)
	}
	return max + 1, nil
}

var _ Store = (*SQLiteStore)(nil)
