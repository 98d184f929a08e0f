package runnerproc

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/qontinui/supervisor/internal/diagnostics"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/qontinui/supervisor/internal/svcerr"
)

// defaultOrphanBuildTools lists process names the pre-build cleanup step
// terminates before spawning a fresh build, mirroring the original's
// build-monitor orphan scan.
var defaultOrphanBuildTools = []string{"tsc", "webpack", "vite", "esbuild"}

// Builder runs the project's build command with both streams captured and
// classified, per §4.1.1.
type Builder struct {
	cfg   Config
	build *state.BuildState
	log   *logfanout.Fanout
}

func NewBuilder(cfg Config, build *state.BuildState, log *logfanout.Fanout) *Builder {
	return &Builder{cfg: cfg, build: build, log: log}
}

// Run executes the configured build command. It fails fast with a
// PreconditionConflict if a build is already in progress, matching the
// "at most one build in progress" invariant.
func (b *Builder) Run(ctx context.Context) error {
	if !b.build.TryBegin() {
		return svcerr.Precondition("build already in progress")
	}

	killOrphanBuildTools(ctx, defaultOrphanBuildTools)
	startedAt := time.Now()

	buildCtx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout)
	defer cancel()

	// #nosec G204 -- build command is operator-configured.
	cmd := exec.CommandContext(buildCtx, "/bin/sh", "-c", b.cfg.BuildCommand)
	if b.cfg.WorkDir != "" {
		cmd.Dir = b.cfg.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.build.Finish(err.Error())
		return svcerr.Process("build stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.build.Finish(err.Error())
		return svcerr.Process("build stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		b.build.Finish(err.Error())
		return svcerr.Process("start build", err)
	}

	firstErr := make(chan string, 1)
	done := make(chan struct{}, 2)
	go b.scan(stdout, false, firstErr, done)
	go b.scan(stderr, true, firstErr, done)
	<-done
	<-done

	waitErr := cmd.Wait()

	var summary string
	select {
	case summary = <-firstErr:
	default:
	}

	metrics.ObserveBuildDuration(time.Since(startedAt).Seconds())

	if buildCtx.Err() == context.DeadlineExceeded {
		b.log.Error(logfanout.SourceBuild, "build timed out, killing")
		b.build.Finish("build timed out")
		metrics.IncBuildFailure()
		emitBuildFailure("build timed out", time.Since(startedAt).Seconds())
		return svcerr.Timeout("build exceeded budget")
	}

	if waitErr != nil {
		if summary == "" {
			summary = waitErr.Error()
		}
		b.build.Finish(summary)
		metrics.IncBuildFailure()
		emitBuildFailure(summary, time.Since(startedAt).Seconds())
		return svcerr.BuildFailed(summary)
	}

	b.build.Finish("")
	return nil
}

func emitBuildFailure(errMsg string, durationSeconds float64) {
	r := diagnostics.NewRecord(diagnostics.EventBuildFailure, time.Now())
	r.BuildError = errMsg
	r.BuildDurationSeconds = durationSeconds
	diagnostics.Emit(r)
}

func (b *Builder) scan(r io.Reader, isStderr bool, firstErr chan<- string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		level := logfanout.ClassifyBuildLine(line)
		b.log.Emit(logfanout.SourceBuild, level, line)
		if isStderr && logfanout.IsBuildErrorLine(line) {
			select {
			case firstErr <- line:
			default:
			}
		}
	}
}
