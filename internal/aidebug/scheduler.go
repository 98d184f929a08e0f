// Package aidebug spawns an external LLM CLI with a constructed debug
// prompt, on demand or when the watchdog calls it, deferring the spawn
// while source is being edited or another LLM session is detected, per
// §4.6.
package aidebug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/qontinui/supervisor/internal/codeactivity"
	"github.com/qontinui/supervisor/internal/diagnostics"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/qontinui/supervisor/internal/svcerr"
)

// Config carries the scheduler's guards and prompt-construction inputs.
type Config struct {
	Cooldown        time.Duration
	LogFilePath     string
	RepoDir         string
	TempDir         string
	EditQuietPeriod time.Duration
}

func DefaultConfig(logFilePath, repoDir string) Config {
	return Config{
		Cooldown:        5 * time.Minute,
		LogFilePath:     logFilePath,
		RepoDir:         repoDir,
		TempDir:         os.TempDir(),
		EditQuietPeriod: codeactivity.DefaultQuietPeriod,
	}
}

// Scheduler owns the AI debug child process lifecycle.
type Scheduler struct {
	cfg          Config
	ai           *state.AIState
	ca           *state.CodeActivityState
	build        *state.BuildState
	log          *logfanout.Fanout
	changed      *state.Notifier
	runningTasks RunningTasksFetcher
}

func New(cfg Config, st *state.Supervisor, changed *state.Notifier, runningTasks RunningTasksFetcher, log *logfanout.Fanout) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		ai:           st.AI,
		ca:           st.CodeActivity,
		build:        st.Build,
		log:          log,
		changed:      changed,
		runningTasks: runningTasks,
	}
}

// ScheduleDebug implements the guarded, possibly-deferred entry point used
// by the watchdog and by operator-triggered debug requests.
func (s *Scheduler) ScheduleDebug(reason string) {
	if !s.ai.AutoDebugEnabled() {
		return
	}
	if s.codeBeingEditedOrExternal() {
		s.ca.SetPending(reason)
		s.log.Info(logfanout.SourceAIDebug, "deferring AI debug: "+reason)
		metrics.IncAIDebugDeferred()
		return
	}
	if err := s.SpawnDebug(reason); err != nil {
		s.log.Warn(logfanout.SourceAIDebug, "AI debug spawn failed: "+err.Error())
	}
}

func (s *Scheduler) codeBeingEditedOrExternal() bool {
	last := s.ca.LastChange()
	editing := !last.IsZero() && time.Since(last) < s.cfg.EditQuietPeriod
	return editing || s.ca.ExternalSession()
}

// SpawnDebug runs the spawn guards, builds the prompt, and launches the
// provider CLI, capturing its output into the AI ring buffer.
func (s *Scheduler) SpawnDebug(reason string) error {
	if s.ai.Running() {
		return svcerr.Precondition("AI debug session already running")
	}
	if since := time.Since(s.ai.LastDebugAt()); !s.ai.LastDebugAt().IsZero() && since < s.cfg.Cooldown {
		return svcerr.Precondition("AI debug cooldown in effect")
	}
	if s.codeBeingEditedOrExternal() {
		return svcerr.Precondition("code is being edited or an external LLM session is running")
	}

	provider, modelKey := s.ai.ProviderModel()
	modelID := resolveModel(provider, modelKey)
	if modelID == "" {
		return svcerr.New(svcerr.KindOther, fmt.Sprintf("unknown model %s/%s", provider, modelKey))
	}
	binary, args := cliArgs(provider, modelID, "")
	if binary == "" {
		return svcerr.New(svcerr.KindOther, "unsupported provider: "+provider)
	}

	build := s.build.Snapshot()
	prompt := BuildPrompt(context.Background(), PromptInputs{
		Reason:       reason,
		LogFilePath:  s.cfg.LogFilePath,
		LastBuildErr: build.LastError,
		RepoDir:      s.cfg.RepoDir,
		RunningTasks: s.runningTasks,
	})

	promptPath := filepath.Join(s.cfg.TempDir, fmt.Sprintf("ai-debug-prompt-%d.md", time.Now().UnixNano()))
	if err := os.WriteFile(promptPath, []byte(prompt), 0o600); err != nil {
		return svcerr.Process("write debug prompt", err)
	}

	_, argsWithPrompt := cliArgs(provider, modelID, promptPath)
	// #nosec G204 -- binary/args come from the static provider table, not untrusted input.
	cmd := exec.Command(binary, argsWithPrompt...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return svcerr.Process("ai debug stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return svcerr.Process("ai debug stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return svcerr.Process("spawn ai debug CLI", err)
	}

	s.ai.MarkStarted(cmd)
	s.log.Info(logfanout.SourceAIDebug, "AI debug session started: "+reason)
	metrics.IncAIDebugSpawn(provider)
	rec := diagnostics.NewRecord(diagnostics.EventAIDebugSpawned, time.Now())
	rec.Reason = reason
	rec.AIProvider = provider
	rec.AIModel = modelID
	diagnostics.Emit(rec)
	s.changed.Notify()

	done := make(chan struct{}, 2)
	go s.captureOutput(stdout, "stdout", done)
	go s.captureOutput(stderr, "stderr", done)

	go s.awaitCompletion(cmd, done, promptPath)

	return nil
}

func (s *Scheduler) captureOutput(r io.Reader, stream string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.ai.AppendOutput(state.AIOutputLine{Timestamp: time.Now(), Stream: stream, Line: line})
		s.log.Info(logfanout.SourceAIDebug, line)
	}
}

// awaitCompletion waits for both output readers, then takes the child out
// of state and awaits it with no lock held, per the completion-task rule.
func (s *Scheduler) awaitCompletion(cmd *exec.Cmd, done <-chan struct{}, promptPath string) {
	<-done
	<-done

	_ = s.ai.TakeCmd()
	_ = cmd.Wait()
	_ = os.Remove(promptPath)

	s.ai.ClearExited()
	s.log.Info(logfanout.SourceAIDebug, "AI debug session finished")
	s.changed.Notify()
}

// Stop kills the AI process if one is running.
func (s *Scheduler) Stop() error {
	cmd := s.ai.TakeCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return svcerr.Process("kill ai debug process", err)
	}
	s.ai.ClearExited()
	return nil
}
