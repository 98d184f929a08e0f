// Package watchdog drives automatic restarts when health degrades, while
// detecting crash loops and capping restart attempts, per §4.2.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/qontinui/supervisor/internal/diagnostics"
	"github.com/qontinui/supervisor/internal/health"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/state"
)

// RunnerControl is the slice of runnerproc.Supervisor the watchdog needs.
// Kept as an interface so the watchdog package doesn't import runnerproc
// directly and tests can supply a fake.
type RunnerControl interface {
	StopRunner(ctx context.Context) error
	StartRunner() error
}

// DebugRequester is the slice of aidebug.Scheduler the watchdog needs to
// trigger an AI debug session when it gives up.
type DebugRequester interface {
	ScheduleDebug(reason string)
}

// Watchdog ticks on Config.CheckInterval and applies the decision table
// from §4.2.
type Watchdog struct {
	cfg      Config
	st       *state.Supervisor
	runner   RunnerControl
	debugger DebugRequester
	log      *logfanout.Fanout
}

func New(cfg Config, st *state.Supervisor, runner RunnerControl, debugger DebugRequester, log *logfanout.Fanout) *Watchdog {
	return &Watchdog{cfg: cfg, st: st, runner: runner, debugger: debugger, log: log}
}

// Run drives the tick loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	if !w.st.Watchdog.Enabled() {
		return
	}

	runnerSnap := w.st.Runner.Snapshot()
	if runnerSnap.StopRequested || runnerSnap.RestartRequested || w.st.Build.InProgress() {
		return
	}

	healthy := health.Healthy(w.st.Health.Load(), w.cfg.DevMode)

	if healthy {
		if w.st.Watchdog.Attempts() > 0 {
			w.st.Watchdog.ResetAttempts()
			w.log.Info(logfanout.SourceWatchdog, "runner recovered, restart attempts reset")
		}
		return
	}

	w.decide(ctx)
}

type action int

const (
	actionCrashLoop action = iota
	actionCooldown
	actionMaxAttempts
	actionRestart
)

// decide implements the crash-record + single-action-choice step. It holds
// no lock across the subsequent restart/stop calls: the decision is made
// from state-tree snapshots and counters, then acted on afterward.
func (w *Watchdog) decide(ctx context.Context) {
	now := time.Now()
	w.st.Watchdog.RecordCrash(now)

	var act action
	switch {
	case w.st.Watchdog.CrashesSince(now.Add(-w.cfg.CrashWindow)) >= w.cfg.CrashThreshold:
		act = actionCrashLoop
	case now.Sub(w.st.Watchdog.LastRestartAt()) < w.cfg.CooldownSecs:
		act = actionCooldown
	case w.st.Watchdog.Attempts() >= w.cfg.MaxAttempts:
		act = actionMaxAttempts
	default:
		act = actionRestart
	}

	switch act {
	case actionCrashLoop:
		w.st.Watchdog.Disable("crash loop")
		w.log.Error(logfanout.SourceWatchdog, "crash loop detected, watchdog disabled")
		metrics.SetWatchdogDisabled(true)
		diagnostics.Emit(diagnosticsRecord(diagnostics.EventWatchdogDisabled, "crash loop detected"))
		w.debugger.ScheduleDebug("crash loop detected")
	case actionCooldown:
		// Skip; try again next tick.
	case actionMaxAttempts:
		w.st.Watchdog.Disable("max restart attempts exceeded")
		w.log.Error(logfanout.SourceWatchdog, "max restart attempts exceeded, watchdog disabled")
		metrics.SetWatchdogDisabled(true)
		diagnostics.Emit(diagnosticsRecord(diagnostics.EventWatchdogDisabled, "max restart attempts exceeded"))
		w.debugger.ScheduleDebug("max restart attempts exceeded")
	case actionRestart:
		n := w.st.Watchdog.IncAttempts()
		metrics.IncWatchdogRestartAttempt()
		w.restart(ctx, n)
	}
}

func (w *Watchdog) restart(ctx context.Context, attempt int) {
	w.log.Warn(logfanout.SourceWatchdog, fmt.Sprintf("unhealthy, restart attempt %d", attempt))

	if w.st.Runner.IsRunning() {
		if err := w.runner.StopRunner(ctx); err != nil {
			w.log.Error(logfanout.SourceWatchdog, "stop during watchdog restart failed: "+err.Error())
			return
		}
	}
	if err := w.runner.StartRunner(); err != nil {
		w.log.Error(logfanout.SourceWatchdog, "start during watchdog restart failed: "+err.Error())
		return
	}

	w.log.Info(logfanout.SourceWatchdog, "watchdog restart complete")
	metrics.IncRunnerRestart("watchdog")
	rec := diagnosticsRecord(diagnostics.EventWatchdogRestart, fmt.Sprintf("restart attempt %d", attempt))
	rec.Initiator = "watchdog"
	diagnostics.Emit(rec)
	w.st.HealthChanged.Notify()
}

func diagnosticsRecord(t diagnostics.EventType, reason string) diagnostics.Record {
	r := diagnostics.NewRecord(t, time.Now())
	r.Reason = reason
	return r
}

// Disable turns the watchdog off via an explicit operator action, leaving
// disabled_reason empty as required by the invariant distinguishing manual
// from automatic disablement.
func Disable(st *state.Supervisor) {
	st.Watchdog.SetEnabled(false)
	metrics.SetWatchdogDisabled(true)
}

// Enable turns the watchdog back on.
func Enable(st *state.Supervisor) {
	st.Watchdog.SetEnabled(true)
	metrics.SetWatchdogDisabled(false)
}
