package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/shared"
)

// Task is the persisted record of one supervised unit of work.
type Task struct {
	ID                string        `json:"id"`
	Status            TaskStatus    `json:"status"`
	FinalizationState FinalizeState `json:"finalization_state"`
	FinalizationError string        `json:"finalization_error,omitempty"`
	ContainerRef      string        `json:"container_ref,omitempty"`
	AgentChain        string        `json:"agent_chain"` // JSON-encoded ordered chain
	CurrentIndex      int           `json:"current_index"`
	UserStop          string        `json:"user_stop,omitempty"`
	ExitCode          *int          `json:"exit_code,omitempty"`
	Error             string        `json:"error,omitempty"`
	PRRef             string        `json:"pr_ref,omitempty"`
	WorkspaceKind     string        `json:"workspace_kind,omitempty"` // "cloned" or "adhoc"
	RepoRoot          string        `json:"repo_root,omitempty"`
	Branch            string        `json:"branch,omitempty"`
	Workdir           string        `json:"workdir,omitempty"`
	Prompt            string        `json:"prompt,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// AttemptRecord is one execution of one chain position. Append-only.
type AttemptRecord struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	Position      int        `json:"position"`
	AgentID       string     `json:"agent_id"`
	ContainerName string     `json:"container_name,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	LogExcerpt    string     `json:"log_excerpt,omitempty"`
}

// TaskSeed carries the caller-supplied fields of a new task.
type TaskSeed struct {
	AgentChain    string // JSON-encoded chain; "[]" when empty
	Prompt        string
	Workdir       string
	WorkspaceKind string
	RepoRoot      string
	Branch        string
}

const taskColumns = `
	id, status, finalization_state, finalization_error,
	COALESCE(container_ref, ''), agent_chain, current_index, user_stop,
	exit_code, error, pr_ref, workspace_kind, repo_root, branch,
	workdir, prompt, created_at, finished_at, updated_at
`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Status,
		&task.FinalizationState,
		&task.FinalizationError,
		&task.ContainerRef,
		&task.AgentChain,
		&task.CurrentIndex,
		&task.UserStop,
		&exitCode,
		&task.Error,
		&task.PRRef,
		&task.WorkspaceKind,
		&task.RepoRoot,
		&task.Branch,
		&task.Workdir,
		&task.Prompt,
		&task.CreatedAt,
		&finishedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) publishStateChange(taskID string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

// CreateTask inserts a new QUEUED task and returns its id.
func (s *Store) CreateTask(ctx context.Context, seed TaskSeed) (string, error) {
	taskID := uuid.NewString()
	chain := seed.AgentChain
	if chain == "" {
		chain = "[]"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, status, agent_chain, prompt, workdir, workspace_kind, repo_root, branch, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, TaskStatusQueued, chain, seed.Prompt, seed.Workdir, seed.WorkspaceKind, seed.RepoRoot, seed.Branch); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusQueued, "task.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publishStateChange(taskID, "", TaskStatusQueued)
	return taskID, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasks returns all tasks with the given statuses; empty filter means all.
func (s *Store) ListTasks(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListUnfinalizedTerminal returns terminal tasks whose finalization has not
// completed (pending or errored).
func (s *Store) ListUnfinalizedTerminal(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('DONE', 'FAILED', 'CANCELLED', 'KILLED', 'UNKNOWN')
		  AND finalization_state IN ('PENDING', 'ERROR')
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list unfinalized terminal tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ClaimNextQueued atomically moves the oldest QUEUED task to ATTEMPTING and
// returns it. Returns nil when nothing is queued.
func (s *Store) ClaimNextQueued(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = 'QUEUED'
			ORDER BY created_at ASC
			LIMIT 1;
		`)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				claimed = nil
				return tx.Commit()
			}
			return fmt.Errorf("select queued task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'QUEUED';
		`, TaskStatusAttempting, task.ID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			claimed = nil
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStatusQueued, TaskStatusAttempting, "task.claimed", ""); err != nil {
			return err
		}
		task.Status = TaskStatusAttempting
		claimed = &task
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publishStateChange(claimed.ID, TaskStatusQueued, TaskStatusAttempting)
	}
	return claimed, nil
}

// TransitionTask performs a guarded status transition: the update applies
// only when the current status is in allowedFrom and the transition is
// legal. Returns false when another writer got there first.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType string) (bool, error) {
	var applied bool
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tx.Commit()
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if !slices.Contains(allowedFrom, from) {
			return tx.Commit()
		}
		if !canTransition(from, to) {
			return fmt.Errorf("illegal transition %s -> %s", from, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, taskID, from)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, from, to, eventType, ""); err != nil {
			return err
		}
		applied = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.publishStateChange(taskID, from, to)
	}
	return applied, nil
}

// MarkTerminal moves the task to a terminal status, recording exit code,
// error message and finished_at. The task's finalization state is untouched.
func (s *Store) MarkTerminal(ctx context.Context, taskID string, to TaskStatus, exitCode *int, errMsg string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", to)
	}
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin terminal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
			return fmt.Errorf("select task for terminal: %w", err)
		}
		if from.IsTerminal() {
			// Already terminal: a completion event and the reconciler raced.
			return tx.Commit()
		}
		if !canTransition(from, to) {
			return fmt.Errorf("illegal transition %s -> %s", from, to)
		}

		code := sql.NullInt64{}
		if exitCode != nil {
			code.Valid = true
			code.Int64 = int64(*exitCode)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, exit_code = ?, error = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, code, errMsg, taskID, from)
		if err != nil {
			return fmt.Errorf("update terminal: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("terminal rows affected: %w", err)
		}
		if affected != 1 {
			return tx.Commit()
		}
		return s.commitWithEvent(ctx, tx, taskID, from, to, "task.terminal")
	})
	if err != nil {
		return err
	}
	if !from.IsTerminal() {
		s.publishStateChange(taskID, from, to)
		audit.Record("allow", "task.terminal", string(to), taskID)
	}
	return nil
}

func (s *Store) commitWithEvent(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType string) error {
	if err := s.appendTaskEventTx(ctx, tx, taskID, from, to, eventType, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// SetContainerRef records the container name/id of the in-flight attempt.
func (s *Store) SetContainerRef(ctx context.Context, taskID, ref string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET container_ref = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, ref, taskID)
	if err != nil {
		return fmt.Errorf("set container_ref: %w", err)
	}
	return nil
}

// SetCurrentIndex records the chain position the supervisor is on.
func (s *Store) SetCurrentIndex(ctx context.Context, taskID string, index int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET current_index = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, index, taskID)
	if err != nil {
		return fmt.Errorf("set current_index: %w", err)
	}
	return nil
}

// RequestUserStop records a cancel/kill request on the task. The supervisor
// observes it and preempts the running attempt.
func (s *Store) RequestUserStop(ctx context.Context, taskID, kind string) error {
	if kind != UserStopCancel && kind != UserStopKill {
		return fmt.Errorf("invalid user stop kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET user_stop = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_stop = '';
	`, kind, taskID)
	if err != nil {
		return fmt.Errorf("request user stop: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user stop rows affected: %w", err)
	}
	if affected == 1 && s.bus != nil {
		s.bus.Publish(bus.TopicTaskUserStop, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: kind})
	}
	return nil
}

// SetPRRef records the created PR reference on the task.
func (s *Store) SetPRRef(ctx context.Context, taskID, prRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET pr_ref = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, prRef, taskID)
	if err != nil {
		return fmt.Errorf("set pr_ref: %w", err)
	}
	return nil
}

// BeginFinalization performs the atomic compare-and-swap that admits exactly
// one finalization worker per task: PENDING or ERROR moves to RUNNING;
// any other current state fails the claim. A liveness check on the worker
// goroutine is deliberately not the guard here.
func (s *Store) BeginFinalization(ctx context.Context, taskID string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET finalization_state = 'RUNNING', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND finalization_state IN ('PENDING', 'ERROR');
		`, taskID)
		if err != nil {
			return fmt.Errorf("begin finalization: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finalization rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// FinishFinalization moves RUNNING to DONE or ERROR. The transition is
// guarded so a stale worker cannot overwrite a newer run's result.
func (s *Store) FinishFinalization(ctx context.Context, taskID string, state FinalizeState, errMsg string) error {
	if state != FinalizeDone && state != FinalizeError {
		return fmt.Errorf("invalid finalization end state %q", state)
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET finalization_state = ?, finalization_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND finalization_state = 'RUNNING';
		`, state, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("finish finalization: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish finalization rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("finalization for task %s was not running", taskID)
		}
		return nil
	})
	return err
}

// RecordAttempt appends one attempt record to the task's history.
func (s *Store) RecordAttempt(ctx context.Context, rec AttemptRecord) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		code := sql.NullInt64{}
		if rec.ExitCode != nil {
			code.Valid = true
			code.Int64 = int64(*rec.ExitCode)
		}
		finished := sql.NullTime{}
		if rec.FinishedAt != nil {
			finished.Valid = true
			finished.Time = *rec.FinishedAt
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO attempts (task_id, position, agent_id, container_name, started_at, finished_at, exit_code, error_kind, log_excerpt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.TaskID, rec.Position, rec.AgentID, rec.ContainerName, rec.StartedAt, finished, code, rec.ErrorKind, rec.LogExcerpt)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListAttempts returns the task's attempt history in chain order.
func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, position, agent_id, container_name, started_at, finished_at, exit_code, error_kind, log_excerpt
		FROM attempts
		WHERE task_id = ?
		ORDER BY position ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var code sql.NullInt64
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Position, &rec.AgentID, &rec.ContainerName, &rec.StartedAt, &finished, &code, &rec.ErrorKind, &rec.LogExcerpt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if code.Valid {
			c := int(code.Int64)
			rec.ExitCode = &c
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
