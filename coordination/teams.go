package coordination

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TeamStatus string

const (
	TeamStatusActive    TeamStatus = "active"
	TeamStatusIdle      TeamStatus = "idle"
	TeamStatusPaused    TeamStatus = "paused"
	TeamStatusFinalized TeamStatus = "finalized"
	TeamStatusArchived  TeamStatus = "archived"
)

type TeamMode string

const (
	TeamModeDefault  TeamMode = "default"
	TeamModeDelegate TeamMode = "delegate"
	TeamModePlan     TeamMode = "plan"
)

// Team is one node in the hierarchy of cooperating agent teams. UpdatedAt and
// LastActiveAt are refreshed by every mutation that touches the team or any
// of its child entities, and never move backwards.
type Team struct {
	TeamID       string         `json:"team_id"`
	ParentTeamID string         `json:"parent_team_id,omitempty"`
	RootTeamID   string         `json:"root_team_id,omitempty"`
	Depth        int            `json:"depth"`
	Status       TeamStatus     `json:"status"`
	Mode         TeamMode       `json:"mode"`
	Profile      string         `json:"profile,omitempty"`
	Objective    string         `json:"objective,omitempty"`
	MaxThreads   int            `json:"max_threads"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
}

// TeamPatch carries optional team field updates; nil fields keep the stored
// value.
type TeamPatch struct {
	Status     *TeamStatus
	Mode       *TeamMode
	Profile    *string
	Objective  *string
	MaxThreads *int
	Metadata   map[string]any
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}

func unmarshalMetadata(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

const teamColumns = `team_id, COALESCE(parent_team_id, ''), COALESCE(root_team_id, ''), depth,
	status, mode, profile, objective, max_threads, metadata_json, created_at, updated_at, last_active_at`

func scanTeam(scanFn func(dest ...any) error, team *Team) error {
	var metaJSON string
	if err := scanFn(
		&team.TeamID,
		&team.ParentTeamID,
		&team.RootTeamID,
		&team.Depth,
		&team.Status,
		&team.Mode,
		&team.Profile,
		&team.Objective,
		&team.MaxThreads,
		&metaJSON,
		&team.CreatedAt,
		&team.UpdatedAt,
		&team.LastActiveAt,
	); err != nil {
		return err
	}
	team.Metadata = unmarshalMetadata(metaJSON)
	return nil
}

// CreateTeam inserts a new team. Missing identifiers are generated; when a
// parent is named, depth and root are derived from the parent row.
func (s *Store) CreateTeam(ctx context.Context, team Team) (Team, error) {
	if team.TeamID == "" {
		team.TeamID = uuid.NewString()
	}
	if team.Status == "" {
		team.Status = TeamStatusActive
	}
	if team.Mode == "" {
		team.Mode = TeamModeDefault
	}
	if team.MaxThreads <= 0 {
		team.MaxThreads = 1
	}
	metaJSON, err := marshalMetadata(team.Metadata)
	if err != nil {
		return Team{}, err
	}
	now := time.Now().UTC()
	team.CreatedAt = now
	team.UpdatedAt = now
	team.LastActiveAt = now

	err = s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create team tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if team.ParentTeamID != "" {
			var parentRoot string
			var parentDepth int
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(root_team_id, team_id), depth FROM teams WHERE team_id = ?;
			`, team.ParentTeamID).Scan(&parentRoot, &parentDepth); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("parent team %s: %w", team.ParentTeamID, ErrNotFound)
				}
				return fmt.Errorf("read parent team: %w", err)
			}
			team.RootTeamID = parentRoot
			team.Depth = parentDepth + 1
		} else if team.RootTeamID == "" {
			team.RootTeamID = team.TeamID
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO teams (team_id, parent_team_id, root_team_id, depth, status, mode,
				profile, objective, max_threads, metadata_json, created_at, updated_at, last_active_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, team.TeamID, team.ParentTeamID, team.RootTeamID, team.Depth, team.Status, team.Mode,
			team.Profile, team.Objective, team.MaxThreads, metaJSON, now, now, now); err != nil {
			return fmt.Errorf("insert team: %w", err)
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:    team.TeamID,
			EventType: "team_created",
			Payload:   fmt.Sprintf(`{"parent_team_id":%q}`, team.ParentTeamID),
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Team{}, err
	}
	return team, nil
}

// GetTeam returns the team row or ErrNotFound.
func (s *Store) GetTeam(ctx context.Context, teamID string) (Team, error) {
	var team Team
	err := scanTeam(s.db.QueryRowContext(ctx, `
		SELECT `+teamColumns+`
		FROM teams WHERE team_id = ?;
	`, teamID).Scan, &team)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Team{}, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
		}
		return Team{}, fmt.Errorf("get team: %w", err)
	}
	return team, nil
}

// ListTeams returns teams ordered by creation time, optionally filtered by
// status (empty means all).
func (s *Store) ListTeams(ctx context.Context, status TeamStatus) ([]Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, team_id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []Team
	for rows.Next() {
		var team Team
		if err := scanTeam(rows.Scan, &team); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		out = append(out, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("team rows: %w", err)
	}
	return out, nil
}

// ListChildTeams returns the direct children of a team, ordered by creation
// time.
func (s *Store) ListChildTeams(ctx context.Context, parentTeamID string) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+teamColumns+`
		FROM teams WHERE parent_team_id = ?
		ORDER BY created_at ASC, team_id ASC;
	`, parentTeamID)
	if err != nil {
		return nil, fmt.Errorf("list child teams: %w", err)
	}
	defer rows.Close()

	var out []Team
	for rows.Next() {
		var team Team
		if err := scanTeam(rows.Scan, &team); err != nil {
			return nil, fmt.Errorf("scan child team: %w", err)
		}
		out = append(out, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("child team rows: %w", err)
	}
	return out, nil
}

// UpdateTeam applies a patch to the team row and returns the updated record.
func (s *Store) UpdateTeam(ctx context.Context, teamID string, patch TeamPatch) (Team, error) {
	var out Team
	err := s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update team tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Team
		if err := scanTeam(tx.QueryRowContext(ctx, `
			SELECT `+teamColumns+` FROM teams WHERE team_id = ?;
		`, teamID).Scan, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
			}
			return fmt.Errorf("read team for update: %w", err)
		}

		if patch.Status != nil {
			current.Status = *patch.Status
		}
		if patch.Mode != nil {
			current.Mode = *patch.Mode
		}
		if patch.Profile != nil {
			current.Profile = *patch.Profile
		}
		if patch.Objective != nil {
			current.Objective = *patch.Objective
		}
		if patch.MaxThreads != nil {
			current.MaxThreads = *patch.MaxThreads
		}
		if patch.Metadata != nil {
			current.Metadata = patch.Metadata
		}
		metaJSON, err := marshalMetadata(current.Metadata)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE teams
			SET status = ?, mode = ?, profile = ?, objective = ?, max_threads = ?, metadata_json = ?
			WHERE team_id = ?;
		`, current.Status, current.Mode, current.Profile, current.Objective,
			current.MaxThreads, metaJSON, teamID); err != nil {
			return fmt.Errorf("update team: %w", err)
		}
		if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update team tx: %w", err)
		}
		if now.After(current.UpdatedAt) {
			current.UpdatedAt = now
			current.LastActiveAt = now
		}
		out = current
		return nil
	})
	if err != nil {
		return Team{}, err
	}
	return out, nil
}

// UpdateTeamStatus is a convenience wrapper for status-only transitions
// (idle sweeps, pause, finalize, archive).
func (s *Store) UpdateTeamStatus(ctx context.Context, teamID string, status TeamStatus) error {
	_, err := s.UpdateTeam(ctx, teamID, TeamPatch{Status: &status})
	return err
}

// TouchTeam refreshes the team's activity timestamps without any other
// mutation. Returns ErrNotFound for unknown teams.
func (s *Store) TouchTeam(ctx context.Context, teamID string) error {
	return s.runWithRetry(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE teams
			SET updated_at = CASE WHEN updated_at > ?1 THEN updated_at ELSE ?1 END,
				last_active_at = CASE WHEN last_active_at > ?1 THEN last_active_at ELSE ?1 END
			WHERE team_id = ?2;
		`, now, teamID)
		if err != nil {
			return fmt.Errorf("touch team: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("touch team rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
		}
		return nil
	})
}
