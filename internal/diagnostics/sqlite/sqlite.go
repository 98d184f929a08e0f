// Package sqlite persists diagnostic records to a local SQLite database,
// adapted from the teacher's internal/history/sqlite sink.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/qontinui/supervisor/internal/diagnostics"
)

// Sink writes diagnostic records to SQLite.
type Sink struct {
	db *sql.DB
}

// New creates a SQLite diagnostics sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS diagnostic_events(
		id TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		runner_pid INTEGER,
		initiator TEXT,
		reason TEXT,
		build_duration_seconds REAL,
		build_error TEXT,
		ai_provider TEXT,
		ai_model TEXT,
		iteration_number INTEGER,
		fixes_applied INTEGER
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, r diagnostics.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostic_events(
			id, occurred_at, type, runner_pid, initiator, reason,
			build_duration_seconds, build_error, ai_provider, ai_model,
			iteration_number, fixes_applied)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.OccurredAt.UTC(), string(r.Type), r.RunnerPID, r.Initiator, r.Reason,
		r.BuildDurationSeconds, r.BuildError, r.AIProvider, r.AIModel,
		r.IterationNumber, r.FixesApplied)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
