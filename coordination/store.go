// Package coordination is the durable backbone for a hierarchy of cooperating
// agent teams: team/agent identity, an idempotent message inbox, a task queue
// with dependency ordering and optimistic-concurrency claims, versioned
// artifacts, and an append-only run-event log.
//
// The engine is synchronous and holds no internal locks; correctness under
// concurrent callers (including separate OS processes sharing the store file)
// relies on SQLite transaction isolation, conditional writes checked through
// RowsAffected, and a bounded busy-retry wrapper around every mutation.
package coordination

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultBusyTimeout    = 5 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 30 * time.Millisecond
	retryMaxDelay         = 500 * time.Millisecond

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Options tune the store adapter. The zero value is usable: a discard logger,
// 3 retries with a 30ms backoff base, and a 5s driver busy timeout.
type Options struct {
	Logger         *slog.Logger
	MaxRetries     int
	RetryBaseDelay time.Duration
	BusyTimeout    time.Duration
}

// Store owns the single connection to the coordination database. All exported
// operations are safe for use by concurrent callers.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
	retryBase  time.Duration
}

// Open opens (creating if necessary) the store file at path, configures
// durability pragmas, and applies any pending schema migrations. A migration
// failure rolls back fully and aborts the open.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBaseDelay
	}

	store := &Store{db: db, logger: logger, maxRetries: maxRetries, retryBase: retryBase}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migrate applies every embedded migration unit not yet recorded in the
// schema_migrations ledger, in lexical filename order, each inside its own
// transaction together with its ledger row.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, name, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		s.logger.Info("schema migration applied", "name", name)
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations;`)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		out[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("migration ledger rows: %w", err)
	}
	return out, nil
}

func (s *Store) applyMigration(ctx context.Context, name, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (name, applied_at) VALUES (?, CURRENT_TIMESTAMP);
	`, name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// runWithRetry executes op and retries it on a transient SQLITE_BUSY/LOCKED
// condition with jittered exponential backoff. Any other error, and retry
// exhaustion, propagate to the caller; exhaustion is wrapped in
// ErrStoreContention so callers can distinguish contention from corruption.
// Every mutating operation in this package goes through here.
func (s *Store) runWithRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == s.maxRetries {
			s.logger.Warn("store retries exhausted", "attempts", attempt+1, "error", err)
			return fmt.Errorf("%w: %w", ErrStoreContention, err)
		}
		delay := s.retryBase << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		// ±25% jitter so contending processes do not re-collide in lockstep.
		jitterBound := int(delay / 2)
		if jitterBound < 1 {
			jitterBound = 1
		}
		jitter := time.Duration(rand.IntN(jitterBound))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a SQLITE_BUSY (5) or SQLITE_LOCKED (6)
// condition. Matches on the error string to avoid importing the CGO driver
// package outside the blank registration import.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// The idempotent message path treats this as the definitive duplicate signal.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// clampLimit substitutes fallback for a non-positive page limit and caps
// oversized requests at maxListLimit.
func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// touchTeamTx refreshes the owning team's activity timestamps. Every mutation
// of a child entity (agent, task, message, artifact) calls this inside its
// transaction; the CASE guard keeps both columns monotonically non-decreasing.
func (s *Store) touchTeamTx(ctx context.Context, tx *sql.Tx, teamID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE teams
		SET updated_at = CASE WHEN updated_at > ?1 THEN updated_at ELSE ?1 END,
			last_active_at = CASE WHEN last_active_at > ?1 THEN last_active_at ELSE ?1 END
		WHERE team_id = ?2;
	`, now, teamID)
	if err != nil {
		return fmt.Errorf("touch team: %w", err)
	}
	return nil
}
