package coordination

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DeliveryMode string

const (
	DeliveryDirect    DeliveryMode = "direct"
	DeliveryBroadcast DeliveryMode = "broadcast"
)

// ArtifactRef points at a specific published artifact version.
type ArtifactRef struct {
	ArtifactID string `json:"artifact_id"`
	Version    int64  `json:"version"`
}

// Message is an idempotent team-scoped send: (team_id, idempotency_key) is
// unique, and a replay with the same key returns the original record instead
// of creating a duplicate.
type Message struct {
	MessageID      string        `json:"message_id"`
	TeamID         string        `json:"team_id"`
	FromAgent      string        `json:"from_agent"`
	ToAgent        string        `json:"to_agent,omitempty"`
	DeliveryMode   DeliveryMode  `json:"delivery_mode"`
	Summary        string        `json:"summary"`
	ArtifactRefs   []ArtifactRef `json:"artifact_refs,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at"`
}

// InboxEntry is one per-recipient delivery record for a message. Entries are
// mutated only by acknowledgement and never deleted.
type InboxEntry struct {
	EntryID     int64      `json:"entry_id"`
	TeamID      string     `json:"team_id"`
	MessageID   string     `json:"message_id"`
	AgentID     string     `json:"agent_id"`
	DeliveredAt time.Time  `json:"delivered_at"`
	AckAt       *time.Time `json:"ack_at,omitempty"`
	Message     Message    `json:"message"`
}

func sortedRefs(refs []ArtifactRef) []ArtifactRef {
	out := make([]ArtifactRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ArtifactID != out[j].ArtifactID {
			return out[i].ArtifactID < out[j].ArtifactID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func marshalRefs(refs []ArtifactRef) (string, error) {
	if len(refs) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal artifact refs: %w", err)
	}
	return string(raw), nil
}

func unmarshalRefs(raw string) []ArtifactRef {
	if raw == "" || raw == "[]" {
		return nil
	}
	var refs []ArtifactRef
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil
	}
	return refs
}

const messageColumns = `message_id, team_id, from_agent, COALESCE(to_agent, ''), delivery_mode,
	summary, artifact_refs_json, idempotency_key, created_at`

func scanMessage(scanFn func(dest ...any) error, msg *Message) error {
	var refsJSON string
	if err := scanFn(
		&msg.MessageID,
		&msg.TeamID,
		&msg.FromAgent,
		&msg.ToAgent,
		&msg.DeliveryMode,
		&msg.Summary,
		&refsJSON,
		&msg.IdempotencyKey,
		&msg.CreatedAt,
	); err != nil {
		return err
	}
	msg.ArtifactRefs = unmarshalRefs(refsJSON)
	return nil
}

func getMessageByKeyTx(ctx context.Context, tx *sql.Tx, teamID, key string) (Message, bool, error) {
	var msg Message
	err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE team_id = ? AND idempotency_key = ?;
	`, teamID, key).Scan, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("select message by key: %w", err)
	}
	return msg, true, nil
}

// AppendMessage stores a message and fans it out to the given recipients'
// inboxes. When a message already exists for (team, idempotency_key) the
// original record is returned with inserted=false and neither inbox nor event
// counts grow. Two callers racing on the same key are arbitrated by the
// table's uniqueness constraint: the loser's violation is treated as the
// definitive duplicate signal and resolved by reading the winner's row back.
func (s *Store) AppendMessage(ctx context.Context, msg Message, recipients []string) (Message, bool, error) {
	if msg.TeamID == "" {
		return Message{}, false, fmt.Errorf("message team id required")
	}
	if msg.FromAgent == "" {
		return Message{}, false, fmt.Errorf("message sender required")
	}
	if strings.TrimSpace(msg.IdempotencyKey) == "" {
		return Message{}, false, fmt.Errorf("idempotency key required")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.DeliveryMode == "" {
		msg.DeliveryMode = DeliveryDirect
	}
	if len(recipients) == 0 && msg.ToAgent != "" {
		recipients = []string{msg.ToAgent}
	}
	refsJSON, err := marshalRefs(msg.ArtifactRefs)
	if err != nil {
		return Message{}, false, err
	}

	var (
		out      Message
		inserted bool
	)
	err = s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if existing, found, err := getMessageByKeyTx(ctx, tx, msg.TeamID, msg.IdempotencyKey); err != nil {
			return err
		} else if found {
			out, inserted = existing, false
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, team_id, from_agent, to_agent, delivery_mode,
				summary, artifact_refs_json, idempotency_key, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?);
		`, msg.MessageID, msg.TeamID, msg.FromAgent, msg.ToAgent, msg.DeliveryMode,
			msg.Summary, refsJSON, msg.IdempotencyKey, now); err != nil {
			if isUniqueViolation(err) {
				existing, found, readErr := getMessageByKeyTx(ctx, tx, msg.TeamID, msg.IdempotencyKey)
				if readErr != nil {
					return readErr
				}
				if found {
					out, inserted = existing, false
					return nil
				}
			}
			return fmt.Errorf("insert message: %w", err)
		}
		for _, agentID := range recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO inbox_entries (team_id, message_id, agent_id, delivered_at)
				VALUES (?, ?, ?, ?);
			`, msg.TeamID, msg.MessageID, agentID, now); err != nil {
				return fmt.Errorf("insert inbox entry: %w", err)
			}
		}
		if err := s.touchTeamTx(ctx, tx, msg.TeamID, now); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:    msg.TeamID,
			AgentID:   msg.FromAgent,
			MessageID: msg.MessageID,
			EventType: "message_appended",
			Payload:   fmt.Sprintf(`{"delivery_mode":%q,"recipients":%d}`, msg.DeliveryMode, len(recipients)),
		}, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append message tx: %w", err)
		}
		msg.CreatedAt = now
		out, inserted = msg, true
		return nil
	})
	if err != nil {
		return Message{}, false, err
	}
	return out, inserted, nil
}

// FindRecentDuplicateMessage scans the most recent messages on the same route
// (sender, recipient, delivery mode) within the time window and returns the
// first whose normalized payload — summary plus artifact refs sorted by
// (artifact_id, version) — matches exactly. It catches semantic duplicates
// sent under different idempotency keys; a heuristic safety net, not a
// uniqueness constraint.
func (s *Store) FindRecentDuplicateMessage(ctx context.Context, teamID, fromAgent, toAgent string, mode DeliveryMode, summary string, refs []ArtifactRef, window time.Duration, limit int) (Message, bool, error) {
	if window <= 0 {
		return Message{}, false, fmt.Errorf("duplicate window must be positive")
	}
	limit = clampLimit(limit, 50)
	cutoff := time.Now().UTC().Add(-window)

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE team_id = ? AND from_agent = ? AND delivery_mode = ? AND created_at >= ?`
	args := []any{teamID, fromAgent, mode, cutoff}
	if toAgent == "" {
		query += ` AND to_agent IS NULL`
	} else {
		query += ` AND to_agent = ?`
		args = append(args, toAgent)
	}
	query += ` ORDER BY created_at DESC, message_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Message{}, false, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	want := sortedRefs(refs)
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows.Scan, &msg); err != nil {
			return Message{}, false, fmt.Errorf("scan recent message: %w", err)
		}
		if msg.Summary != summary {
			continue
		}
		got := sortedRefs(msg.ArtifactRefs)
		if len(got) != len(want) {
			continue
		}
		match := true
		for i := range got {
			if got[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return msg, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Message{}, false, fmt.Errorf("recent message rows: %w", err)
	}
	return Message{}, false, nil
}

// PullInbox returns the agent's unacknowledged inbox entries ordered by
// delivery time ascending, each carrying its message. A non-positive limit
// defaults to 100; limits above 1000 are clamped to 1000.
func (s *Store) PullInbox(ctx context.Context, teamID, agentID string, limit int) ([]InboxEntry, error) {
	limit = clampLimit(limit, defaultListLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.entry_id, i.team_id, i.message_id, i.agent_id, i.delivered_at,
			m.message_id, m.team_id, m.from_agent, COALESCE(m.to_agent, ''), m.delivery_mode,
			m.summary, m.artifact_refs_json, m.idempotency_key, m.created_at
		FROM inbox_entries i
		JOIN messages m ON m.team_id = i.team_id AND m.message_id = i.message_id
		WHERE i.team_id = ? AND i.agent_id = ? AND i.ack_at IS NULL
		ORDER BY i.delivered_at ASC, i.entry_id ASC
		LIMIT ?;
	`, teamID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("pull inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		var entry InboxEntry
		var refsJSON string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.TeamID,
			&entry.MessageID,
			&entry.AgentID,
			&entry.DeliveredAt,
			&entry.Message.MessageID,
			&entry.Message.TeamID,
			&entry.Message.FromAgent,
			&entry.Message.ToAgent,
			&entry.Message.DeliveryMode,
			&entry.Message.Summary,
			&refsJSON,
			&entry.Message.IdempotencyKey,
			&entry.Message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		entry.Message.ArtifactRefs = unmarshalRefs(refsJSON)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox rows: %w", err)
	}
	return out, nil
}

// AckInbox sets the acknowledgement time on each listed entry and returns the
// number actually updated; entries already acknowledged or missing do not
// count.
func (s *Store) AckInbox(ctx context.Context, teamID string, entryIDs []int64) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	var acked int64
	err := s.runWithRetry(ctx, func() error {
		acked = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ack inbox tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(entryIDs)), ", ")
		args := []any{now, teamID}
		for _, id := range entryIDs {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_entries
			SET ack_at = ?
			WHERE team_id = ? AND entry_id IN (`+placeholders+`) AND ack_at IS NULL;
		`, args...)
		if err != nil {
			return fmt.Errorf("ack inbox: %w", err)
		}
		acked, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ack rows affected: %w", err)
		}
		if acked > 0 {
			if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return acked, nil
}
