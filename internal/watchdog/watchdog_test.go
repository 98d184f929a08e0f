package watchdog

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/stretchr/testify/require"
)

func fakeCmdStarted(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	return cmd
}

type fakeRunner struct {
	stopErr  error
	startErr error
	stops    int
	starts   int
}

func (f *fakeRunner) StopRunner(ctx context.Context) error { f.stops++; return f.stopErr }
func (f *fakeRunner) StartRunner() error                   { f.starts++; return f.startErr }

type fakeDebugger struct {
	reasons []string
}

func (f *fakeDebugger) ScheduleDebug(reason string) { f.reasons = append(f.reasons, reason) }

func newTestWatchdog(cfg Config) (*Watchdog, *state.Supervisor, *fakeRunner, *fakeDebugger) {
	st := state.New(true, "anthropic", "claude")
	runner := &fakeRunner{}
	debugger := &fakeDebugger{}
	w := New(cfg, st, runner, debugger, logfanout.New(50))
	return w, st, runner, debugger
}

func TestTickSkipsWhenDisabled(t *testing.T) {
	w, st, runner, _ := newTestWatchdog(DefaultConfig())
	st.Watchdog.SetEnabled(false)

	w.tick(context.Background())
	require.Equal(t, 0, runner.starts)
}

func TestTickSkipsDuringStopOrRestartOrBuild(t *testing.T) {
	w, st, runner, _ := newTestWatchdog(DefaultConfig())

	st.Runner.SetStopRequested(true)
	w.tick(context.Background())
	st.Runner.SetStopRequested(false)
	require.Equal(t, 0, runner.starts)

	st.Runner.SetRestartRequested(true)
	w.tick(context.Background())
	st.Runner.SetRestartRequested(false)
	require.Equal(t, 0, runner.starts)

	st.Build.TryBegin()
	w.tick(context.Background())
	require.Equal(t, 0, runner.starts)
}

func TestTickResetsAttemptsWhenHealthy(t *testing.T) {
	w, st, _, _ := newTestWatchdog(DefaultConfig())
	st.Watchdog.IncAttempts()
	st.Health.Store(state.CachedPortHealth{RunnerHTTPUp: true})

	w.tick(context.Background())
	require.Equal(t, 0, st.Watchdog.Attempts())
}

func TestDecideRestartsWhenUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownSecs = 0
	w, st, runner, _ := newTestWatchdog(cfg)

	w.decide(context.Background())
	require.Equal(t, 1, runner.starts)
	require.Equal(t, 1, st.Watchdog.Attempts())
}

func TestDecideCooldownSkipsRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownSecs = time.Hour
	w, st, runner, _ := newTestWatchdog(cfg)
	st.Watchdog.IncAttempts() // sets lastRestartAt = now

	w.decide(context.Background())
	require.Equal(t, 0, runner.starts, "within cooldown, no restart should be attempted")
}

func TestDecideMaxAttemptsDisablesAndSchedulesDebug(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownSecs = 0
	cfg.MaxAttempts = 1
	w, st, runner, debugger := newTestWatchdog(cfg)
	st.Watchdog.IncAttempts() // already at MaxAttempts

	w.decide(context.Background())
	require.Equal(t, 0, runner.starts)
	require.False(t, st.Watchdog.Enabled())
	require.Equal(t, "max restart attempts exceeded", st.Watchdog.Snapshot().DisabledReason)
	require.Contains(t, debugger.reasons, "max restart attempts exceeded")
}

func TestDecideCrashLoopDisablesAndSchedulesDebug(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownSecs = 0
	cfg.CrashThreshold = 1
	w, st, runner, debugger := newTestWatchdog(cfg)

	w.decide(context.Background())
	require.Equal(t, 0, runner.starts)
	require.False(t, st.Watchdog.Enabled())
	require.Equal(t, "crash loop detected", st.Watchdog.Snapshot().DisabledReason)
	require.Contains(t, debugger.reasons, "crash loop detected")
}

func TestRestartStopsRunningRunnerBeforeStarting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownSecs = 0
	w, st, runner, _ := newTestWatchdog(cfg)
	cmd := fakeCmdStarted(t)
	st.Runner.SetStarted(cmd)
	defer cmd.Process.Kill()

	w.restart(context.Background(), 1)
	require.Equal(t, 1, runner.stops)
	require.Equal(t, 1, runner.starts)
}

func TestRestartSkipsStartOnStopFailure(t *testing.T) {
	cfg := DefaultConfig()
	w, st, runner, _ := newTestWatchdog(cfg)
	runner.stopErr = context.DeadlineExceeded
	cmd := fakeCmdStarted(t)
	st.Runner.SetStarted(cmd)
	defer cmd.Process.Kill()

	w.restart(context.Background(), 1)
	require.Equal(t, 0, runner.starts)
}

func TestDisableAndEnable(t *testing.T) {
	st := state.New(true, "anthropic", "claude")
	Disable(st)
	require.False(t, st.Watchdog.Enabled())
	require.Empty(t, st.Watchdog.Snapshot().DisabledReason, "manual disable must not set disabled_reason")

	Enable(st)
	require.True(t, st.Watchdog.Enabled())
}
