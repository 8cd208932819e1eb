package coordination

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// countUnresolvedTx counts dependency edges whose prerequisite is missing or
// not yet done. A dangling edge counts as unresolved rather than silently
// unblocking the dependent.
func countUnresolvedTx(ctx context.Context, tx *sql.Tx, teamID, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_dependencies d
		LEFT JOIN tasks p ON p.team_id = d.team_id AND p.task_id = d.depends_on_task_id
		WHERE d.team_id = ? AND d.task_id = ? AND (p.status IS NULL OR p.status != ?);
	`, teamID, taskID, TaskStatusDone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved dependencies: %w", err)
	}
	return n, nil
}

// SetTaskDependencies replaces the full prerequisite set for a task in one
// transaction. Dependency lists are whole-set updates, not incremental edits.
// Cycle avoidance is the caller's responsibility.
func (s *Store) SetTaskDependencies(ctx context.Context, teamID, taskID string, dependsOn []string) error {
	return s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set dependencies tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := getTaskTx(ctx, tx, teamID, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_dependencies WHERE team_id = ? AND task_id = ?;
		`, teamID, taskID); err != nil {
			return fmt.Errorf("clear dependencies: %w", err)
		}
		for _, dep := range dependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_dependencies (team_id, task_id, depends_on_task_id)
				VALUES (?, ?, ?);
			`, teamID, taskID, dep); err != nil {
				return fmt.Errorf("insert dependency edge: %w", err)
			}
		}
		now := time.Now().UTC()
		if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListTaskDependencies returns the prerequisite task ids for a task.
func (s *Store) ListTaskDependencies(ctx context.Context, teamID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_task_id
		FROM task_dependencies
		WHERE team_id = ? AND task_id = ?
		ORDER BY depends_on_task_id ASC;
	`, teamID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dependency rows: %w", err)
	}
	return out, nil
}

// CountUnresolvedDependencies returns the number of edges to prerequisites
// that are not yet done.
func (s *Store) CountUnresolvedDependencies(ctx context.Context, teamID, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_dependencies d
		LEFT JOIN tasks p ON p.team_id = d.team_id AND p.task_id = d.depends_on_task_id
		WHERE d.team_id = ? AND d.task_id = ? AND (p.status IS NULL OR p.status != ?);
	`, teamID, taskID, TaskStatusDone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved dependencies: %w", err)
	}
	return n, nil
}

// refreshTaskReadinessTx reconciles the cached blocked/todo status against
// the dependency graph. Tasks that are done, in_progress, or cancelled are
// left alone. Both transitions bump lock_version. Returns the task after
// reconciliation and whether it changed.
func (s *Store) refreshTaskReadinessTx(ctx context.Context, tx *sql.Tx, teamID, taskID string, now time.Time) (Task, bool, error) {
	task, err := getTaskTx(ctx, tx, teamID, taskID)
	if err != nil {
		return Task{}, false, err
	}
	if task.Status != TaskStatusTodo && task.Status != TaskStatusBlocked {
		return task, false, nil
	}
	unresolved, err := countUnresolvedTx(ctx, tx, teamID, taskID)
	if err != nil {
		return Task{}, false, err
	}

	var target TaskStatus
	var eventType string
	switch {
	case unresolved > 0 && task.Status != TaskStatusBlocked:
		target, eventType = TaskStatusBlocked, "task_blocked"
	case unresolved == 0 && task.Status == TaskStatusBlocked:
		target, eventType = TaskStatusTodo, "task_ready"
	default:
		return task, false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, lock_version = lock_version + 1, updated_at = ?
		WHERE team_id = ? AND task_id = ? AND status = ? AND lock_version = ?;
	`, target, now, teamID, taskID, task.Status, task.LockVersion)
	if err != nil {
		return Task{}, false, fmt.Errorf("refresh readiness: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("refresh rows affected: %w", err)
	}
	if n != 1 {
		return task, false, nil
	}
	if err := s.appendRunEventTx(ctx, tx, RunEvent{
		TeamID:    teamID,
		TaskID:    taskID,
		EventType: eventType,
		Payload:   fmt.Sprintf(`{"unresolved":%d}`, unresolved),
	}, now); err != nil {
		return Task{}, false, err
	}
	task.Status = target
	task.LockVersion++
	task.UpdatedAt = now
	return task, true, nil
}

// RefreshTaskReadiness reconciles a single task's blocked⇄todo status against
// its dependency edges and returns the task after reconciliation.
func (s *Store) RefreshTaskReadiness(ctx context.Context, teamID, taskID string) (Task, error) {
	var out Task
	err := s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin refresh readiness tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		task, changed, err := s.refreshTaskReadinessTx(ctx, tx, teamID, taskID, now)
		if err != nil {
			return err
		}
		if changed {
			if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit refresh readiness tx: %w", err)
		}
		out = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

// RefreshDependentTasks refreshes the readiness of every task that depends on
// completedTaskID and returns the subset promoted blocked → todo — the
// "now runnable" set a scheduler uses to wake idle agents.
func (s *Store) RefreshDependentTasks(ctx context.Context, teamID, completedTaskID string) ([]Task, error) {
	var promoted []Task
	err := s.runWithRetry(ctx, func() error {
		promoted = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin refresh dependents tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM task_dependencies
			WHERE team_id = ? AND depends_on_task_id = ?
			ORDER BY task_id ASC;
		`, teamID, completedTaskID)
		if err != nil {
			return fmt.Errorf("query dependents: %w", err)
		}
		var dependents []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan dependent: %w", err)
			}
			dependents = append(dependents, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("dependent rows: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		var changedAny bool
		for _, id := range dependents {
			task, changed, err := s.refreshTaskReadinessTx(ctx, tx, teamID, id, now)
			if err != nil {
				return err
			}
			if changed {
				changedAny = true
				if task.Status == TaskStatusTodo {
					promoted = append(promoted, task)
				}
			}
		}
		if changedAny {
			if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// RefreshAllTaskReadiness sweeps every todo/blocked task in the team and
// reconciles its status; used for recovery after missed transitions, e.g. an
// orphan sweep. Returns the number of tasks whose status changed.
func (s *Store) RefreshAllTaskReadiness(ctx context.Context, teamID string) (int, error) {
	var changedCount int
	err := s.runWithRetry(ctx, func() error {
		changedCount = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin refresh all tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM tasks
			WHERE team_id = ? AND status IN (?, ?)
			ORDER BY task_id ASC;
		`, teamID, TaskStatusTodo, TaskStatusBlocked)
		if err != nil {
			return fmt.Errorf("query refreshable tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan refreshable task: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("refreshable rows: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		for _, id := range ids {
			_, changed, err := s.refreshTaskReadinessTx(ctx, tx, teamID, id, now)
			if err != nil {
				return err
			}
			if changed {
				changedCount++
			}
		}
		if changedCount > 0 {
			if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return changedCount, nil
}

// ListReadyTasks returns tasks that can run now: status todo with zero
// unresolved dependencies, ordered like ListTasks. The ready set is derived
// from the edge set directly rather than the cached blocked flag, so a missed
// readiness refresh can never produce an incorrect ready-list. A non-positive
// limit defaults to 100; limits above 1000 are clamped to 1000.
func (s *Store) ListReadyTasks(ctx context.Context, teamID string, limit int) ([]Task, error) {
	limit = clampLimit(limit, defaultListLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.team_id = ? AND t.status = ?
		  AND NOT EXISTS (
			SELECT 1
			FROM task_dependencies d
			LEFT JOIN tasks p ON p.team_id = d.team_id AND p.task_id = d.depends_on_task_id
			WHERE d.team_id = t.team_id AND d.task_id = t.task_id
			  AND (p.status IS NULL OR p.status != ?)
		  )
		ORDER BY t.priority ASC, t.created_at ASC, t.task_id ASC
		LIMIT ?;
	`, teamID, TaskStatusTodo, TaskStatusDone, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ready task rows: %w", err)
	}
	return out, nil
}
