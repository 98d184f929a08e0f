// Package clickhouse persists diagnostic records to ClickHouse using the
// official client, adapted from the teacher's internal/history/clickhouse
// sink for high-volume workflow-loop iteration telemetry.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/qontinui/supervisor/internal/diagnostics"
)

// Sink sends diagnostic records to ClickHouse.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Send(ctx context.Context, r diagnostics.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (
		id, occurred_at, type, runner_pid, initiator, reason,
		build_duration_seconds, build_error, ai_provider, ai_model,
		iteration_number, fixes_applied) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		r.ID, r.OccurredAt, string(r.Type), r.RunnerPID, r.Initiator, r.Reason,
		r.BuildDurationSeconds, r.BuildError, r.AIProvider, r.AIModel,
		r.IterationNumber, r.FixesApplied)
	if err != nil {
		return fmt.Errorf("failed to insert diagnostic event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
