// Package audit keeps a durable record of every accepted human
// decision, independent of the output collections.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seclab/vulnreview/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	item_id     INTEGER NOT NULL,
	sub_id      INTEGER NOT NULL,
	code_id     INTEGER NOT NULL,
	function_id TEXT NOT NULL DEFAULT '',
	stage       INTEGER NOT NULL,
	value       INTEGER NOT NULL,
	decided_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
`

// Entry is one audited decision.
type Entry struct {
	RunID     string
	Key       entity.ItemKey
	Stage     int
	Value     int
	DecidedAt time.Time
}

// Store wraps the sqlite decision log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the audit database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single writer, same as the rest of the run state.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	logger.Info("audit.open", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Record appends one decision to the log.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (run_id, item_id, sub_id, code_id, function_id, stage, value, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Key.ID, e.Key.SubID, e.Key.CodeID, e.Key.FunctionID, e.Stage, e.Value,
		e.DecidedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	s.logger.Debug("audit.record",
		"run_id", e.RunID,
		"item", e.Key.String(),
		"stage", e.Stage,
		"value", e.Value,
	)
	return nil
}

// List returns the decisions recorded for a run, oldest first.
func (s *Store) List(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, item_id, sub_id, code_id, function_id, stage, value, decided_at
		 FROM decisions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var decidedAt string
		if err := rows.Scan(&e.RunID, &e.Key.ID, &e.Key.SubID, &e.Key.CodeID, &e.Key.FunctionID, &e.Stage, &e.Value, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, decidedAt); err == nil {
			e.DecidedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database gracefully.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Error("audit.close_error", "error", err)
	}
}
