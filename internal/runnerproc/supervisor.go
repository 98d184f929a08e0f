// Package runnerproc owns the runner child's lifecycle: spawn, graceful
// stop with OS-level port cleanup, and rebuild-then-restart, per §4.1.
package runnerproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/qontinui/supervisor/internal/diagnostics"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/qontinui/supervisor/internal/svcerr"
)

// Supervisor drives RunnerState transitions. It never holds the runner lock
// across a suspension that waits on the child process: every wait first
// moves the *exec.Cmd out of state under lock, then awaits the moved handle.
type Supervisor struct {
	cfg     Config
	runner  *state.RunnerState
	build   *state.BuildState
	log     *logfanout.Fanout
	refresh *state.Notifier
	builder *Builder

	// monitorWG counts in-flight exit-monitor tasks; nothing in this package
	// waits on it.
	monitorWG sync.WaitGroup
}

func New(cfg Config, st *state.Supervisor, log *logfanout.Fanout) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		runner:  st.Runner,
		build:   st.Build,
		log:     log,
		refresh: st.HealthCacheRefresh,
		builder: NewBuilder(cfg, st.Build, log),
	}
}

// StartRunner spawns the runner child. Preconditions: not already running,
// no build in progress.
func (s *Supervisor) StartRunner() error {
	if s.runner.IsRunning() {
		return svcerr.Precondition("runner already running")
	}
	if s.build.InProgress() {
		return svcerr.Precondition("build in progress")
	}

	cmd := s.cfg.BuildCmd()
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	cmd.Env = s.cfg.FilteredEnv(os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return svcerr.Process("runner stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return svcerr.Process("runner stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		s.log.Error(logfanout.SourceSupervisor, "failed to start runner: "+err.Error())
		return svcerr.Process("spawn runner", err)
	}

	s.runner.SetStarted(cmd)
	s.log.Info(logfanout.SourceSupervisor, "runner started")
	metrics.IncRunnerStart()

	go logfanout.StreamLines(s.log, logfanout.SourceRunner, stdout, nil)
	go logfanout.StreamLines(s.log, logfanout.SourceRunner, stderr, nil)

	s.monitorWG.Add(1)
	go s.exitMonitor(cmd)

	s.refresh.Notify()
	return nil
}

// exitMonitor blocks on the child's exit. It first takes the *exec.Cmd out
// of state under lock (even though it already holds the same reference
// locally) so the state tree stops exposing a handle the moment a wait is
// in flight on it, then awaits the moved handle with no lock held at all,
// per the design's exit-monitor rule.
func (s *Supervisor) exitMonitor(cmd *exec.Cmd) {
	defer s.monitorWG.Done()
	_ = s.runner.TakeCmd()

	err := cmd.Wait()

	s.runner.ClearExited()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		s.log.Info(logfanout.SourceSupervisor, "runner exited normally")
	case errors.As(err, &exitErr):
		s.log.Warn(logfanout.SourceSupervisor, fmt.Sprintf("runner exited with code %d", exitErr.ExitCode()))
		metrics.IncRunnerCrash()
		emitRunnerCrash(cmd.Process.Pid, fmt.Sprintf("exit code %d", exitErr.ExitCode()))
	default:
		s.log.Error(logfanout.SourceSupervisor, "runner exit wait failed: "+err.Error())
		metrics.IncRunnerCrash()
		emitRunnerCrash(cmd.Process.Pid, err.Error())
	}

	s.refresh.Notify()
}

func emitRunnerCrash(pid int, reason string) {
	r := diagnostics.NewRecord(diagnostics.EventRunnerCrash, time.Now())
	r.RunnerPID = pid
	r.Reason = reason
	diagnostics.Emit(r)
}

// StopRunner requests a graceful stop, falling back to OS-level port
// cleanup. Idempotent: stopping when not running is not an error.
func (s *Supervisor) StopRunner(ctx context.Context) error {
	if !s.runner.IsRunning() {
		s.runner.SetStopRequested(false)
		return nil
	}
	s.runner.SetStopRequested(true)
	defer s.runner.SetStopRequested(false)

	snap := s.runner.Snapshot()
	if snap.PID > 0 {
		_ = killProcessGroup(snap.PID, syscall.SIGTERM)
	}

	deadline := time.After(s.cfg.GracefulKillTimeout)
waitExit:
	for {
		select {
		case <-deadline:
			if snap.PID > 0 {
				_ = killProcessGroup(snap.PID, syscall.SIGKILL)
			}
			break waitExit
		case <-ctx.Done():
			break waitExit
		case <-time.After(25 * time.Millisecond):
			if !s.runner.IsRunning() {
				break waitExit
			}
		}
	}

	portCtx, cancel := context.WithTimeout(ctx, s.cfg.PortFreeTimeout)
	defer cancel()
	s.waitPortsFree(portCtx, []int{s.cfg.RunnerPort, s.cfg.SecondaryPort})

	s.log.Info(logfanout.SourceSupervisor, "runner stopped")
	metrics.IncRunnerStop()
	s.refresh.Notify()
	return nil
}

// waitPortsFree repeatedly kills any lingering port holder until the ports
// are clear or portCtx expires, per the "port-free timeout" budget.
func (s *Supervisor) waitPortsFree(portCtx context.Context, ports []int) {
	for {
		_ = KillPortHolders(ports)
		select {
		case <-portCtx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		if allPortsFree(ports) {
			return
		}
	}
}

func allPortsFree(ports []int) bool {
	for _, p := range ports {
		if p <= 0 {
			continue
		}
		conn, err := (&net.Dialer{Timeout: 150 * time.Millisecond}).Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			_ = conn.Close()
			return false
		}
	}
	return true
}

// RestartRunner stops (if running), optionally rebuilds, then starts.
func (s *Supervisor) RestartRunner(ctx context.Context, rebuild bool) error {
	s.runner.SetRestartRequested(true)
	defer s.runner.SetRestartRequested(false)

	if err := s.StopRunner(ctx); err != nil {
		return err
	}

	if rebuild {
		if err := s.builder.Run(ctx); err != nil {
			var svcErr *svcerr.Error
			if errors.As(err, &svcErr) {
				s.log.Error(logfanout.SourceBuild, "rebuild failed: "+svcErr.Error())
			}
			return err
		}
	}

	return s.StartRunner()
}
