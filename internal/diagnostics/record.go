// Package diagnostics defines the append-only event shape persisted by the
// workflow loop, watchdog, and AI debug scheduler, and the Sink interface
// its storage backends implement. Grounded on the teacher's
// internal/history package, narrowed from process start/stop lifecycle
// events to the supervisor's own domain: restart attempts, crashes, build
// failures, and AI debug sessions.
package diagnostics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of diagnostic event being recorded.
type EventType string

const (
	EventRunnerCrash      EventType = "runner_crash"
	EventWatchdogRestart  EventType = "watchdog_restart"
	EventWatchdogDisabled EventType = "watchdog_disabled"
	EventBuildFailure     EventType = "build_failure"
	EventAIDebugSpawned   EventType = "ai_debug_spawned"
	EventWorkflowLoopIter EventType = "workflow_loop_iteration"
)

// Record is a single diagnostic event. Not every field applies to every
// EventType; unused fields are left zero.
type Record struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	// Runner/watchdog fields.
	RunnerPID int    `json:"runner_pid,omitempty"`
	Initiator string `json:"initiator,omitempty"` // "watchdog", "workflow_loop", "manual"
	Reason    string `json:"reason,omitempty"`

	// Build fields.
	BuildDurationSeconds float64 `json:"build_duration_seconds,omitempty"`
	BuildError           string  `json:"build_error,omitempty"`

	// AI debug fields.
	AIProvider string `json:"ai_provider,omitempty"`
	AIModel    string `json:"ai_model,omitempty"`

	// Workflow-loop fields.
	IterationNumber int `json:"iteration_number,omitempty"`
	FixesApplied    int `json:"fixes_applied,omitempty"`
}

// NewRecord fills in an ID, stamping the event with a fresh correlation id
// the way the workflow loop's test fixtures key iterations.
func NewRecord(t EventType, occurredAt time.Time) Record {
	return Record{ID: uuid.NewString(), Type: t, OccurredAt: occurredAt}
}

// Sink is a destination for diagnostic records. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

var activeSink atomic.Value // holds Sink

// SetSink installs the process-wide diagnostics sink. Components call
// Emit without knowing whether a sink is configured; SetSink(nil) is a
// valid way to turn recording back off.
func SetSink(s Sink) {
	activeSink.Store(&s)
}

// Emit best-effort sends r to the configured sink, same no-op-until-wired
// shape as the metrics package's recorders. Components that observe
// restarts, crashes, or build failures call this alongside their metrics
// increment, not instead of it.
func Emit(r Record) {
	v, _ := activeSink.Load().(*Sink)
	if v == nil || *v == nil {
		return
	}
	sink := *v
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.Send(ctx, r)
	}()
}
