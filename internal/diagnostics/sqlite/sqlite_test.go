package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/qontinui/supervisor/internal/diagnostics"
)

func TestSQLiteSinkInMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	r := diagnostics.NewRecord(diagnostics.EventWatchdogRestart, time.Now().UTC())
	r.RunnerPID = 4242
	r.Initiator = "watchdog"

	if err := sink.Send(ctx, r); err != nil {
		t.Fatalf("Failed to send record: %v", err)
	}
}

func TestSQLiteSinkFileDSN(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/diagnostics.db"

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create file-backed sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	r := diagnostics.NewRecord(diagnostics.EventBuildFailure, time.Now().UTC())
	r.BuildError = "exit status 1"
	r.BuildDurationSeconds = 4.2

	if err := sink.Send(ctx, r); err != nil {
		t.Fatalf("Failed to send record: %v", err)
	}
}

func TestSQLiteSinkRejectsEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
