package coordination

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact is one immutable version of a named work product. Publishing the
// same artifact id again creates the next version; existing versions are
// never rewritten.
type Artifact struct {
	ArtifactID  string         `json:"artifact_id"`
	TeamID      string         `json:"team_id"`
	Version     int64          `json:"version"`
	Name        string         `json:"name"`
	Checksum    string         `json:"checksum"`
	Content     []byte         `json:"content,omitempty"`
	PublishedBy string         `json:"published_by"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Ref returns the reference to this exact version for use in messages.
func (a Artifact) Ref() ArtifactRef {
	return ArtifactRef{ArtifactID: a.ArtifactID, Version: a.Version}
}

const artifactColumns = `artifact_id, team_id, version, name, checksum, content,
	published_by, metadata_json, created_at`

func scanArtifact(scanFn func(dest ...any) error, art *Artifact) error {
	var metaJSON string
	if err := scanFn(
		&art.ArtifactID,
		&art.TeamID,
		&art.Version,
		&art.Name,
		&art.Checksum,
		&art.Content,
		&art.PublishedBy,
		&metaJSON,
		&art.CreatedAt,
	); err != nil {
		return err
	}
	art.Metadata = unmarshalMetadata(metaJSON)
	return nil
}

// PublishArtifact writes a new version of the artifact. The version is
// MAX(existing)+1 (1 for a new artifact id) and the checksum is the hex
// SHA-256 of the content, computed here so callers cannot publish a stale
// digest.
func (s *Store) PublishArtifact(ctx context.Context, art Artifact) (Artifact, error) {
	if art.TeamID == "" {
		return Artifact{}, fmt.Errorf("artifact team id required")
	}
	if art.PublishedBy == "" {
		return Artifact{}, fmt.Errorf("artifact publisher required")
	}
	if art.ArtifactID == "" {
		art.ArtifactID = uuid.NewString()
	}
	if art.Name == "" {
		art.Name = art.ArtifactID
	}
	sum := sha256.Sum256(art.Content)
	art.Checksum = hex.EncodeToString(sum[:])
	metaJSON, err := marshalMetadata(art.Metadata)
	if err != nil {
		return Artifact{}, err
	}

	err = s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin publish artifact tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := requireTeamTx(ctx, tx, art.TeamID); err != nil {
			return err
		}
		var version int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1
			FROM artifacts WHERE team_id = ? AND artifact_id = ?;
		`, art.TeamID, art.ArtifactID).Scan(&version); err != nil {
			return fmt.Errorf("next artifact version: %w", err)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (artifact_id, team_id, version, name, checksum, content,
				published_by, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, art.ArtifactID, art.TeamID, version, art.Name, art.Checksum, art.Content,
			art.PublishedBy, metaJSON, now); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		if err := s.touchTeamTx(ctx, tx, art.TeamID, now); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, RunEvent{
			TeamID:     art.TeamID,
			AgentID:    art.PublishedBy,
			ArtifactID: art.ArtifactID,
			EventType:  "artifact_published",
			Payload:    fmt.Sprintf(`{"version":%d,"name":%q}`, version, art.Name),
		}, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit publish artifact tx: %w", err)
		}
		art.Version = version
		art.CreatedAt = now
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}
	return art, nil
}

// GetArtifact returns the requested version, or the latest when version is 0.
func (s *Store) GetArtifact(ctx context.Context, teamID, artifactID string, version int64) (Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE team_id = ? AND artifact_id = ?`
	args := []any{teamID, artifactID}
	if version > 0 {
		query += ` AND version = ?;`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1;`
	}
	var art Artifact
	err := scanArtifact(s.db.QueryRowContext(ctx, query, args...).Scan, &art)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s v%d in team %s: %w", artifactID, version, teamID, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	return art, nil
}

// ListArtifacts returns the latest version of every artifact in the team,
// ordered by when each artifact id first appeared.
func (s *Store) ListArtifacts(ctx context.Context, teamID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts a
		WHERE a.team_id = ?
			AND a.version = (SELECT MAX(version) FROM artifacts WHERE team_id = a.team_id AND artifact_id = a.artifact_id)
		ORDER BY (SELECT MIN(created_at) FROM artifacts WHERE team_id = a.team_id AND artifact_id = a.artifact_id) ASC,
			a.artifact_id ASC;
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var art Artifact
		if err := scanArtifact(rows.Scan, &art); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, art)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifact rows: %w", err)
	}
	return out, nil
}
