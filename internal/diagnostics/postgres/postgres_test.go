package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/qontinui/supervisor/internal/diagnostics"
)

func TestPostgresSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("failed to create postgres sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("failed to close sink: %v", err)
		}
	}()

	r1 := diagnostics.NewRecord(diagnostics.EventBuildFailure, time.Now().UTC())
	r1.BuildError = "undefined reference to foo"
	r1.BuildDurationSeconds = 4.2
	if err := sink.Send(ctx, r1); err != nil {
		t.Fatalf("failed to send build failure record: %v", err)
	}

	r2 := diagnostics.NewRecord(diagnostics.EventAIDebugSpawned, time.Now().UTC())
	r2.AIProvider = "anthropic"
	r2.AIModel = "claude-opus-4-6"
	if err := sink.Send(ctx, r2); err != nil {
		t.Fatalf("failed to send ai debug record: %v", err)
	}

	rows, err := sink.db.QueryContext(ctx, "SELECT COUNT(*) FROM diagnostic_events")
	if err != nil {
		t.Fatalf("failed to query diagnostic_events: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			t.Fatalf("failed to scan count: %v", err)
		}
	}
	if count != 2 {
		t.Errorf("expected 2 records, got %d", count)
	}
}

func TestPostgresSinkEmptyDSNErrors(t *testing.T) {
	_, err := New("  ")
	if err == nil {
		t.Error("expected error with empty DSN, got nil")
	}
}
