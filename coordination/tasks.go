package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (st TaskStatus) IsTerminal() bool {
	return st == TaskStatusDone || st == TaskStatusCancelled
}

// Task is a unit of work claimed and mutated under optimistic concurrency:
// every accepted mutation increments LockVersion by exactly 1, and a mutation
// is accepted only if the caller's expected version matches at the instant of
// the conditional write.
type Task struct {
	TaskID         string     `json:"task_id"`
	TeamID         string     `json:"team_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	RequiredRole   string     `json:"required_role,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       int        `json:"priority"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LockVersion    int64      `json:"lock_version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskPatch carries optional task field updates for UpdateTask; nil fields
// keep the stored value.
type TaskPatch struct {
	Status       *TaskStatus
	Description  *string
	RequiredRole *string
	Priority     *int
}

const taskColumns = `task_id, team_id, title, description, required_role, status, priority,
	COALESCE(claimed_by, ''), COALESCE(lease_owner, ''), lease_expires_at, lock_version, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var leaseExpires sql.NullTime
	if err := scanFn(
		&task.TaskID,
		&task.TeamID,
		&task.Title,
		&task.Description,
		&task.RequiredRole,
		&task.Status,
		&task.Priority,
		&task.ClaimedBy,
		&task.LeaseOwner,
		&leaseExpires,
		&task.LockVersion,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpiresAt = &t
	} else {
		task.LeaseExpiresAt = nil
	}
	return nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, teamID, taskID string) (Task, error) {
	var task Task
	err := scanTask(tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE team_id = ? AND task_id = ?;
	`, teamID, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// CreateTask inserts a task with lock_version 0 and status todo unless the
// caller overrides it, and touches the owning team.
func (s *Store) CreateTask(ctx context.Context, task Task) (Task, error) {
	if task.TeamID == "" {
		return Task{}, fmt.Errorf("task team id required")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusTodo
	}
	now := time.Now().UTC()
	task.LockVersion = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	err := s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := requireTeamTx(ctx, tx, task.TeamID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, team_id, title, description, required_role, status,
				priority, lock_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
		`, task.TaskID, task.TeamID, task.Title, task.Description, task.RequiredRole,
			task.Status, task.Priority, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.touchTeamTx(ctx, tx, task.TeamID, now); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:    task.TeamID,
			TaskID:    task.TaskID,
			EventType: "task_created",
			Payload:   fmt.Sprintf(`{"status":%q,"priority":%d}`, task.Status, task.Priority),
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask returns the task row or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, teamID, taskID string) (Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE team_id = ? AND task_id = ?;
	`, teamID, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ClaimTask atomically moves a todo task with no unresolved dependencies to
// in_progress on behalf of agentID. The caller's expectedLockVersion must
// match the stored lock_version both at the pre-check and at the instant of
// the conditional write; a write that affects zero rows after passing the
// pre-checks is reported as a fresh LockConflictError carrying the
// now-current version.
func (s *Store) ClaimTask(ctx context.Context, teamID, taskID, agentID string, expectedLockVersion int64) (Task, error) {
	var claimed Task
	err := s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, teamID, taskID)
		if err != nil {
			return err
		}
		if task.LockVersion != expectedLockVersion {
			return &LockConflictError{TeamID: teamID, TaskID: taskID, Expected: expectedLockVersion, Actual: task.LockVersion}
		}
		if task.Status != TaskStatusTodo {
			return &NotClaimableError{TeamID: teamID, TaskID: taskID, Status: task.Status}
		}
		unresolved, err := countUnresolvedTx(ctx, tx, teamID, taskID)
		if err != nil {
			return err
		}
		if unresolved > 0 {
			return &DependenciesUnresolvedError{TeamID: teamID, TaskID: taskID, Unresolved: unresolved}
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = ?, lock_version = lock_version + 1, updated_at = ?
			WHERE team_id = ? AND task_id = ? AND lock_version = ?;
		`, TaskStatusInProgress, agentID, now, teamID, taskID, expectedLockVersion)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			// Lost the race between pre-check and write; report the fresh version.
			current, err := getTaskTx(ctx, tx, teamID, taskID)
			if err != nil {
				return err
			}
			return &LockConflictError{TeamID: teamID, TaskID: taskID, Expected: expectedLockVersion, Actual: current.LockVersion}
		}
		if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:    teamID,
			AgentID:   agentID,
			TaskID:    taskID,
			EventType: "task_claimed",
			Payload:   fmt.Sprintf(`{"lock_version":%d}`, expectedLockVersion+1),
		}, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim task tx: %w", err)
		}

		task.Status = TaskStatusInProgress
		task.ClaimedBy = agentID
		task.LockVersion = expectedLockVersion + 1
		task.UpdatedAt = now
		claimed = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return claimed, nil
}

// UpdateTask applies a patch under the same compare-and-swap discipline as
// ClaimTask. Omitted patch fields keep their current values.
func (s *Store) UpdateTask(ctx context.Context, teamID, taskID string, expectedLockVersion int64, patch TaskPatch) (Task, error) {
	var updated Task
	err := s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, teamID, taskID)
		if err != nil {
			return err
		}
		if task.LockVersion != expectedLockVersion {
			return &LockConflictError{TeamID: teamID, TaskID: taskID, Expected: expectedLockVersion, Actual: task.LockVersion}
		}

		if patch.Status != nil {
			task.Status = *patch.Status
		}
		if patch.Description != nil {
			task.Description = *patch.Description
		}
		if patch.RequiredRole != nil {
			task.RequiredRole = *patch.RequiredRole
		}
		if patch.Priority != nil {
			task.Priority = *patch.Priority
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, description = ?, required_role = ?, priority = ?,
				lock_version = lock_version + 1, updated_at = ?
			WHERE team_id = ? AND task_id = ? AND lock_version = ?;
		`, task.Status, task.Description, task.RequiredRole, task.Priority,
			now, teamID, taskID, expectedLockVersion)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rows affected: %w", err)
		}
		if n != 1 {
			current, err := getTaskTx(ctx, tx, teamID, taskID)
			if err != nil {
				return err
			}
			return &LockConflictError{TeamID: teamID, TaskID: taskID, Expected: expectedLockVersion, Actual: current.LockVersion}
		}
		if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:    teamID,
			TaskID:    taskID,
			EventType: "task_updated",
			Payload:   fmt.Sprintf(`{"status":%q,"lock_version":%d}`, task.Status, expectedLockVersion+1),
		}, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update task tx: %w", err)
		}

		task.LockVersion = expectedLockVersion + 1
		task.UpdatedAt = now
		updated = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// CancelTasks bulk-transitions every listed task currently in todo,
// in_progress, or blocked to cancelled, appending reason to its description
// and bumping its lock_version. Tasks already terminal are left untouched and
// excluded from the returned set. Used to abort speculative or duplicate work
// once a winner has been chosen.
func (s *Store) CancelTasks(ctx context.Context, teamID string, taskIDs []string, reason string) ([]string, error) {
	var cancelled []string
	err := s.runWithRetry(ctx, func() error {
		cancelled = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tasks tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		for _, taskID := range taskIDs {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?,
					description = CASE
						WHEN ?2 = '' THEN description
						WHEN description = '' THEN ?2
						ELSE description || char(10) || ?2
					END,
					lock_version = lock_version + 1,
					updated_at = ?
				WHERE team_id = ? AND task_id = ? AND status IN (?, ?, ?);
			`, TaskStatusCancelled, reason, now, teamID, taskID,
				TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked)
			if err != nil {
				return fmt.Errorf("cancel task %s: %w", taskID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("cancel rows affected: %w", err)
			}
			if n != 1 {
				continue
			}
			if err := s.appendRunEventTx(ctx, tx, RunEvent{
				TeamID:    teamID,
				TaskID:    taskID,
				EventType: "task_cancelled",
				Payload:   fmt.Sprintf(`{"reason":%q}`, reason),
			}, now); err != nil {
				return err
			}
			cancelled = append(cancelled, taskID)
		}
		if len(cancelled) > 0 {
			if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// ListTasks returns the team's tasks ordered by priority ascending, then
// creation time ascending. The stable FIFO-within-priority ordering is a
// contract next-task pickers rely on. An empty status means all statuses.
func (s *Store) ListTasks(ctx context.Context, teamID string, status TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE team_id = ?`
	args := []any{teamID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority ASC, created_at ASC, task_id ASC;`

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
