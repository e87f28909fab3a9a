// Package history implements the optional session-history ledger (C8): a
// best-effort SQLite event log recorded by the Session Manager, the Git
// Operations Engine and the PTY Supervisor, surfaced for post-hoc
// debugging rather than anything load-bearing to a session's lifecycle.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/common/sqlite"
)

// Event is one recorded lifecycle event.
type Event struct {
	ID         string    `db:"id"`
	RepoHash   string    `db:"repo_hash"`
	BranchName string    `db:"branch_name"`
	Kind       string    `db:"kind"`
	Detail     string    `db:"detail"`
	Success    int       `db:"success"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store persists session lifecycle events to SQLite.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Store{db: db, log: log.WithFields(zap.String("component", "history_store"))}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		repo_hash TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_repo_branch ON session_events(repo_hash, branch_name);
	CREATE INDEX IF NOT EXISTS idx_session_events_kind ON session_events(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create session_events schema: %w", err)
	}
	return sqlite.EnsureColumn(s.db.DB, "session_events", "detail", "TEXT NOT NULL DEFAULT ''")
}

// Record inserts one event, logging (rather than propagating) any write
// failure: history is best-effort and must never block a session
// operation on a database hiccup.
func (s *Store) Record(ctx context.Context, repoHash, branchName, kind, detail string, success bool) {
	event := Event{
		ID:         uuid.NewString(),
		RepoHash:   repoHash,
		BranchName: branchName,
		Kind:       kind,
		Detail:     detail,
		Success:    sqlite.BoolToInt(success),
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session_events (id, repo_hash, branch_name, kind, detail, success, created_at)
		VALUES (:id, :repo_hash, :branch_name, :kind, :detail, :success, :created_at)
	`, event)
	if err != nil {
		s.log.Warn("record session event failed",
			zap.String("repo_hash", repoHash),
			zap.String("branch", branchName),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// EventsForBranch returns every recorded event for (repoHash, branchName),
// most recent first.
func (s *Store) EventsForBranch(ctx context.Context, repoHash, branchName string) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, repo_hash, branch_name, kind, detail, success, created_at
		FROM session_events
		WHERE repo_hash = ? AND branch_name = ?
		ORDER BY created_at DESC
	`, repoHash, branchName)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	return events, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
