package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is owned exclusively by its team; there are no cross-team agent
// references anywhere in the schema.
type Agent struct {
	AgentID   string         `json:"agent_id"`
	TeamID    string         `json:"team_id"`
	Role      string         `json:"role,omitempty"`
	Status    AgentStatus    `json:"status"`
	Model     string         `json:"model,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

const agentColumns = `agent_id, team_id, role, status, model, metadata_json, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, agent *Agent) error {
	var metaJSON string
	if err := scanFn(
		&agent.AgentID,
		&agent.TeamID,
		&agent.Role,
		&agent.Status,
		&agent.Model,
		&metaJSON,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return err
	}
	agent.Metadata = unmarshalMetadata(metaJSON)
	return nil
}

// CreateAgent registers an agent under its owning team and touches the team.
func (s *Store) CreateAgent(ctx context.Context, agent Agent) (Agent, error) {
	if agent.TeamID == "" {
		return Agent{}, fmt.Errorf("agent team id required")
	}
	if agent.AgentID == "" {
		agent.AgentID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = AgentStatusIdle
	}
	metaJSON, err := marshalMetadata(agent.Metadata)
	if err != nil {
		return Agent{}, err
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	err = s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := requireTeamTx(ctx, tx, agent.TeamID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, team_id, role, status, model, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, agent.AgentID, agent.TeamID, agent.Role, agent.Status, agent.Model, metaJSON, now, now); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		if err := s.touchTeamTx(ctx, tx, agent.TeamID, now); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:    agent.TeamID,
			AgentID:   agent.AgentID,
			EventType: "agent_created",
			Payload:   fmt.Sprintf(`{"role":%q}`, agent.Role),
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Agent{}, err
	}
	return agent, nil
}

func requireTeamTx(ctx context.Context, tx *sql.Tx, teamID string) error {
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM teams WHERE team_id = ?;`, teamID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
		}
		return fmt.Errorf("check team: %w", err)
	}
	return nil
}

// GetAgent returns the agent row or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, teamID, agentID string) (Agent, error) {
	var agent Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents WHERE team_id = ? AND agent_id = ?;
	`, teamID, agentID).Scan, &agent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns the team's agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context, teamID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents WHERE team_id = ?
		ORDER BY created_at ASC, agent_id ASC;
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var agent Agent
		if err := scanAgent(rows.Scan, &agent); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// UpdateAgentStatus sets the agent's status and touches the owning team.
func (s *Store) UpdateAgentStatus(ctx context.Context, teamID, agentID string, status AgentStatus) error {
	return s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin agent status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = ?
			WHERE team_id = ? AND agent_id = ?;
		`, status, now, teamID, agentID)
		if err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("agent status rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		if err := s.touchTeamTx(ctx, tx, teamID, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UpdateAgent replaces the mutable agent fields (role, model, metadata) with
// the given record's values and touches the owning team.
func (s *Store) UpdateAgent(ctx context.Context, agent Agent) (Agent, error) {
	metaJSON, err := marshalMetadata(agent.Metadata)
	if err != nil {
		return Agent{}, err
	}
	err = s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET role = ?, model = ?, metadata_json = ?, updated_at = ?
			WHERE team_id = ? AND agent_id = ?;
		`, agent.Role, agent.Model, metaJSON, now, agent.TeamID, agent.AgentID)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update agent rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("agent %s: %w", agent.AgentID, ErrNotFound)
		}
		if err := s.touchTeamTx(ctx, tx, agent.TeamID, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update agent tx: %w", err)
		}
		agent.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	return s.GetAgent(ctx, agent.TeamID, agent.AgentID)
}
