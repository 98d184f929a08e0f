package state

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunnerStateLifecycle(t *testing.T) {
	r := &RunnerState{}
	require.False(t, r.IsRunning())

	cmd := exec.Command("sleep", "1")
	require.NoError(t, cmd.Start())
	r.SetStarted(cmd)

	snap := r.Snapshot()
	require.True(t, snap.Running)
	require.Equal(t, cmd.Process.Pid, snap.PID)

	taken := r.TakeCmd()
	require.Same(t, cmd, taken)
	require.Nil(t, r.TakeCmd())

	r.ClearExited()
	require.False(t, r.IsRunning())
	require.Equal(t, 0, r.Snapshot().PID)

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func TestRunnerStateStopAndRestartFlags(t *testing.T) {
	r := &RunnerState{}
	r.SetStopRequested(true)
	require.True(t, r.Snapshot().StopRequested)
	r.SetStopRequested(false)
	require.False(t, r.Snapshot().StopRequested)

	r.SetRestartRequested(true)
	require.True(t, r.Snapshot().RestartRequested)
}

func TestWatchdogStateEnableDisable(t *testing.T) {
	w := NewWatchdogState()
	require.True(t, w.Enabled())

	w.Disable("crash loop")
	require.False(t, w.Enabled())
	require.Equal(t, "crash loop", w.Snapshot().DisabledReason)

	w.SetEnabled(true)
	require.True(t, w.Enabled())
	require.Empty(t, w.Snapshot().DisabledReason)
}

func TestWatchdogStateCrashWindowIsAppendOnly(t *testing.T) {
	w := NewWatchdogState()
	base := time.Now()
	w.RecordCrash(base.Add(-time.Hour))
	w.RecordCrash(base)
	w.RecordCrash(base.Add(time.Minute))

	require.Len(t, w.Snapshot().CrashHistory, 3)
	require.Equal(t, 2, w.CrashesSince(base))
}

func TestWatchdogStateAttempts(t *testing.T) {
	w := NewWatchdogState()
	require.Equal(t, 1, w.IncAttempts())
	require.Equal(t, 2, w.IncAttempts())
	require.Equal(t, 2, w.Attempts())
	require.False(t, w.LastRestartAt().IsZero())

	w.ResetAttempts()
	require.Equal(t, 0, w.Attempts())
}

func TestBuildStateTryBeginIsExclusive(t *testing.T) {
	b := &BuildState{}
	require.True(t, b.TryBegin())
	require.False(t, b.TryBegin(), "a second build must not start while one is in progress")
	require.True(t, b.InProgress())

	b.Finish("boom")
	require.False(t, b.InProgress())
	snap := b.Snapshot()
	require.True(t, snap.HadError)
	require.Equal(t, "boom", snap.LastError)

	require.True(t, b.TryBegin())
	b.Finish("")
	require.False(t, b.Snapshot().HadError)
}

func TestHealthCacheBoxLoadStore(t *testing.T) {
	box := &HealthCacheBox{}
	require.Equal(t, CachedPortHealth{}, box.Load())

	box.Store(CachedPortHealth{RunnerPortOpen: true, RunnerHTTPUp: true})
	got := box.Load()
	require.True(t, got.RunnerPortOpen)
	require.True(t, got.RunnerHTTPUp)
	require.False(t, got.SecondaryPortOpen)
}

func TestAIStateSessionLifecycle(t *testing.T) {
	a := NewAIState(true, "anthropic", "claude", 2)
	require.True(t, a.AutoDebugEnabled())
	require.False(t, a.Running())

	provider, model := a.ProviderModel()
	require.Equal(t, "anthropic", provider)
	require.Equal(t, "claude", model)

	cmd := exec.Command("sleep", "1")
	require.NoError(t, cmd.Start())
	a.MarkStarted(cmd)
	require.True(t, a.Running())
	require.False(t, a.LastDebugAt().IsZero())

	a.AppendOutput(AIOutputLine{Stream: "stdout", Line: "one"})
	a.AppendOutput(AIOutputLine{Stream: "stdout", Line: "two"})
	a.AppendOutput(AIOutputLine{Stream: "stdout", Line: "three"})
	out := a.OutputSnapshot()
	require.Len(t, out, 2, "output ring buffer must cap at outputCap")
	require.Equal(t, "two", out[0].Line)
	require.Equal(t, "three", out[1].Line)

	taken := a.TakeCmd()
	require.Same(t, cmd, taken)
	a.ClearExited()
	require.False(t, a.Running())

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func TestAIStateSetAutoDebugAndProviderModel(t *testing.T) {
	a := NewAIState(false, "", "", 0)
	require.False(t, a.AutoDebugEnabled())
	a.SetAutoDebug(true)
	require.True(t, a.AutoDebugEnabled())

	a.SetProviderModel("openai", "codex")
	provider, model := a.ProviderModel()
	require.Equal(t, "openai", provider)
	require.Equal(t, "codex", model)
}

func TestCodeActivityStatePendingLatch(t *testing.T) {
	c := &CodeActivityState{}
	_, ok := c.TakePending()
	require.False(t, ok)

	c.SetLastChange(time.Now())
	require.False(t, c.LastChange().IsZero())

	c.SetExternalSession(true)
	require.True(t, c.ExternalSession())

	c.SetPending("build failed")
	reason, ok := c.TakePending()
	require.True(t, ok)
	require.Equal(t, "build failed", reason)

	_, ok = c.TakePending()
	require.False(t, ok, "TakePending must clear the latch")
}

func TestSupervisorNewWiresAllLeaves(t *testing.T) {
	s := New(true, "anthropic", "claude")
	require.NotNil(t, s.Runner)
	require.NotNil(t, s.Watchdog)
	require.NotNil(t, s.Build)
	require.NotNil(t, s.Health)
	require.NotNil(t, s.AI)
	require.NotNil(t, s.CodeActivity)
	require.NotNil(t, s.HealthChanged)
	require.NotNil(t, s.HealthCacheRefresh)
	require.True(t, s.Watchdog.Enabled())
	require.True(t, s.AI.AutoDebugEnabled())
}
