package coordination

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunEvent is one row in the append-only run log. EventID is assigned by the
// store and strictly increases in insertion order; rows are never updated or
// deleted. The optional entity ids are empty when the event does not concern
// that entity.
type RunEvent struct {
	EventID    int64     `json:"event_id"`
	TeamID     string    `json:"team_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) appendRunEventTx(ctx context.Context, tx *sql.Tx, ev RunEvent, now time.Time) error {
	if ev.EventType == "" {
		return fmt.Errorf("event type required")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (team_id, agent_id, task_id, message_id, artifact_id, event_type, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
	`, ev.TeamID, ev.AgentID, ev.TaskID, ev.MessageID, ev.ArtifactID, ev.EventType, ev.Payload, now); err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// LogEvent appends an event to the team's run log. The log is the only
// history the store keeps; callers record usage samples, tool invocations and
// free-form progress notes here.
func (s *Store) LogEvent(ctx context.Context, ev RunEvent) (RunEvent, error) {
	if ev.TeamID == "" {
		return RunEvent{}, fmt.Errorf("event team id required")
	}
	err := s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin log event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := requireTeamTx(ctx, tx, ev.TeamID); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := s.appendRunEventTx(ctx, tx, ev, now); err != nil {
			return err
		}
		var eventID int64
		if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid();`).Scan(&eventID); err != nil {
			return fmt.Errorf("read event id: %w", err)
		}
		if err := s.touchTeamTx(ctx, tx, ev.TeamID, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit log event tx: %w", err)
		}
		ev.EventID = eventID
		ev.CreatedAt = now
		return nil
	})
	if err != nil {
		return RunEvent{}, err
	}
	return ev, nil
}

const runEventColumns = `event_id, team_id, COALESCE(agent_id, ''), COALESCE(task_id, ''),
	COALESCE(message_id, ''), COALESCE(artifact_id, ''), event_type, COALESCE(payload_json, ''), created_at`

func scanRunEvent(scanFn func(dest ...any) error, ev *RunEvent) error {
	return scanFn(
		&ev.EventID,
		&ev.TeamID,
		&ev.AgentID,
		&ev.TaskID,
		&ev.MessageID,
		&ev.ArtifactID,
		&ev.EventType,
		&ev.Payload,
		&ev.CreatedAt,
	)
}

func collectRunEvents(rows *sql.Rows) ([]RunEvent, error) {
	defer rows.Close()
	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := scanRunEvent(rows.Scan, &ev); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run event rows: %w", err)
	}
	return out, nil
}

// ListEvents returns the team's most recent events, newest first. An empty
// eventType matches all types. A non-positive limit defaults to 100; limits
// above 1000 are clamped to 1000.
func (s *Store) ListEvents(ctx context.Context, teamID, eventType string, limit int) ([]RunEvent, error) {
	limit = clampLimit(limit, defaultListLimit)
	query := `SELECT ` + runEventColumns + ` FROM run_events WHERE team_id = ?`
	args := []any{teamID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY event_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectRunEvents(rows)
}

// ReplayEvents pages through the team's log in insertion order: it returns up
// to limit events with event_id strictly greater than afterID, oldest first.
// Passing the last returned event_id back in resumes where the previous page
// ended. Limits are defaulted and clamped as in ListEvents.
func (s *Store) ReplayEvents(ctx context.Context, teamID string, afterID int64, limit int) ([]RunEvent, error) {
	limit = clampLimit(limit, defaultListLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runEventColumns+`
		FROM run_events
		WHERE team_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, teamID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query event replay: %w", err)
	}
	return collectRunEvents(rows)
}
