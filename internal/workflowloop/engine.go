// Package workflowloop drives the runner's workflow-execution endpoint
// across multiple iterations until a configured exit strategy says stop,
// applying a between-iterations action each time, per §4.5.
package workflowloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qontinui/supervisor/internal/diagnostics"
	"github.com/qontinui/supervisor/internal/health"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/qontinui/supervisor/internal/svcerr"
)

// RunnerController is the slice of runnerproc.Supervisor the engine needs
// to apply between-iteration actions.
type RunnerController interface {
	RestartRunner(ctx context.Context, rebuild bool) error
	StartRunner() error
}

// LoopState is the workflow loop's own independently lockable leaf. It is
// not folded into the shared supervisor state tree because nothing outside
// this package needs to mutate it; the engine is its sole writer, readers
// (the status endpoint) only ever call Snapshot.
type LoopState struct {
	mu               sync.Mutex
	running          bool
	cfg              Config
	iteration        int
	phase            Phase
	startedAt        time.Time
	errMsg           string
	records          []IterationRecord
	restartSignaled  bool
	cancel           context.CancelFunc
}

// Snapshot is a point-in-time, lock-free copy.
type Snapshot struct {
	Running   bool
	Config    Config
	Iteration int
	Phase     Phase
	StartedAt time.Time
	Error     string
	Records   []IterationRecord
}

func (l *LoopState) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Running:   l.running,
		Config:    l.cfg,
		Iteration: l.iteration,
		Phase:     l.phase,
		StartedAt: l.startedAt,
		Error:     l.errMsg,
		Records:   append([]IterationRecord(nil), l.records...),
	}
}

// SignalRestart sets the flag restart_on_signal's between-iterations action
// consumes and clears, corresponding to the external signal endpoint named
// in the design.
func (l *LoopState) SignalRestart() {
	l.mu.Lock()
	l.restartSignaled = true
	l.mu.Unlock()
}

func (l *LoopState) takeRestartSignal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.restartSignaled
	l.restartSignaled = false
	return v
}

func (l *LoopState) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

func (l *LoopState) appendRecord(r IterationRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// Engine runs the loop described by §4.5 against one configuration at a
// time; Start rejects a second concurrent run.
type Engine struct {
	state    LoopState
	client   *RunnerClient
	runner   RunnerController
	health   *state.HealthCacheBox
	changed  *state.Notifier
	log      *logfanout.Fanout
	devMode  bool
	healthWaitTimeout time.Duration
}

func New(client *RunnerClient, runner RunnerController, st *state.Supervisor, log *logfanout.Fanout, devMode bool) *Engine {
	return &Engine{
		client:            client,
		runner:            runner,
		health:            st.Health,
		changed:           st.HealthChanged,
		log:               log,
		devMode:           devMode,
		healthWaitTimeout: 60 * time.Second,
	}
}

func (e *Engine) Snapshot() Snapshot { return e.state.Snapshot() }

// SignalRestart forwards to the loop's own state, for the HTTP layer to
// trigger restart_on_signal without reaching into LoopState directly.
func (e *Engine) SignalRestart() { e.state.SignalRestart() }

// Start validates cfg and launches the loop in a background goroutine.
func (e *Engine) Start(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return svcerr.Wrap(svcerr.KindPrecondition, "invalid workflow loop config", err)
	}

	e.state.mu.Lock()
	if e.state.running {
		e.state.mu.Unlock()
		return svcerr.Precondition("workflow loop already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.state.running = true
	e.state.cfg = cfg
	e.state.iteration = 0
	e.state.phase = PhaseIdle
	e.state.startedAt = time.Now()
	e.state.errMsg = ""
	e.state.records = nil
	e.state.cancel = cancel
	e.state.mu.Unlock()

	metrics.SetWorkflowLoopRunning(true)
	go e.run(ctx, cfg)
	return nil
}

// Cancel requests cooperative cancellation; the loop observes it at its
// next checkpoint.
func (e *Engine) Cancel() {
	e.state.mu.Lock()
	cancel := e.state.cancel
	e.state.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context, cfg Config) {
	defer func() {
		e.state.mu.Lock()
		e.state.running = false
		e.state.mu.Unlock()
		metrics.SetWorkflowLoopRunning(false)
	}()

	rebuildNext := false

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			e.finish(PhaseStopped, "")
			return
		}

		e.state.mu.Lock()
		e.state.iteration = iter
		e.state.mu.Unlock()

		record := IterationRecord{Number: iter, StartedAt: time.Now(), RebuildTriggered: rebuildNext}
		rebuildNext = false

		taskRunID, fixInfo, err := e.runIteration(ctx, cfg, iter, &record)
		if err != nil {
			if ctx.Err() != nil {
				e.finish(PhaseStopped, "")
				return
			}
			e.finish(PhaseError, err.Error())
			return
		}
		record.TaskRunID = taskRunID

		e.state.setPhase(PhaseEvaluatingExit)
		exitCheck, err := e.evaluateExit(ctx, cfg, iter, taskRunID, fixInfo)
		if err != nil {
			e.finish(PhaseError, err.Error())
			return
		}
		record.ExitCheck = exitCheck
		record.CompletedAt = time.Now()
		e.state.appendRecord(record)
		metrics.IncWorkflowLoopIteration()
		fixCount := 0
		if fixInfo != nil && fixInfo.fixCount > 0 {
			fixCount = fixInfo.fixCount
			metrics.AddWorkflowLoopFixesApplied(fixCount)
		}
		rec := diagnostics.NewRecord(diagnostics.EventWorkflowLoopIter, record.CompletedAt)
		rec.IterationNumber = iter
		rec.FixesApplied = fixCount
		diagnostics.Emit(rec)

		if fixInfo != nil && fixInfo.rebuildTriggered {
			rebuildNext = true
		}

		if exitCheck.ShouldExit {
			e.finish(PhaseComplete, "")
			return
		}
		if iter == cfg.MaxIterations {
			e.finish(PhaseComplete, "")
			return
		}

		if ctx.Err() != nil {
			e.finish(PhaseStopped, "")
			return
		}
		if err := e.applyBetweenIterations(ctx, cfg, rebuildNext); err != nil {
			e.finish(PhaseError, err.Error())
			return
		}
	}
}

func (e *Engine) finish(phase Phase, errMsg string) {
	e.state.mu.Lock()
	e.state.phase = phase
	e.state.errMsg = errMsg
	e.state.running = false
	e.state.mu.Unlock()
}

type fixBatchInfo struct {
	reflectionTaskRunID string
	fixCount             int
	rebuildTriggered     bool
	implementedFixes     bool
}

// runIteration executes one workflow run (simple mode) or one pipeline
// sweep (pipeline mode) and returns the task-run id to evaluate exit on.
func (e *Engine) runIteration(ctx context.Context, cfg Config, iter int, record *IterationRecord) (string, *fixBatchInfo, error) {
	if !cfg.IsPipeline() {
		e.state.setPhase(PhaseRunningWorkflow)
		taskRunID, err := e.client.StartWorkflow(ctx, cfg.WorkflowID)
		if err != nil {
			return "", nil, err
		}
		if err := e.pollUntilComplete(ctx, taskRunID); err != nil {
			return "", nil, err
		}
		return taskRunID, nil, nil
	}

	return e.runPipelineIteration(ctx, cfg, iter, record)
}

func (e *Engine) runPipelineIteration(ctx context.Context, cfg Config, iter int, record *IterationRecord) (string, *fixBatchInfo, error) {
	p := cfg.Phases

	if p.Build != nil {
		e.state.setPhase(PhaseBuildingWorkflow)
		// The build phase's generated workflow id is returned by the runner;
		// the supervisor only needs to remember it for the iteration record.
		genID, err := e.client.StartWorkflow(ctx, "pipeline-build")
		if err != nil {
			return "", nil, err
		}
		record.GeneratedWorkflowID = genID
	}

	workflowID := p.ExecuteWorkflowID
	if workflowID == "" {
		workflowID = record.GeneratedWorkflowID
	}

	e.state.setPhase(PhaseRunningWorkflow)
	taskRunID, err := e.client.StartWorkflow(ctx, workflowID)
	if err != nil {
		return "", nil, err
	}
	if err := e.pollUntilComplete(ctx, taskRunID); err != nil {
		return "", nil, err
	}

	var info *fixBatchInfo
	if p.Reflect != nil {
		e.state.setPhase(PhaseReflecting)
		reflectionID, fixCount, fixes, err := e.triggerAndCountFixes(ctx, taskRunID)
		if err != nil {
			return "", nil, err
		}
		info = &fixBatchInfo{reflectionTaskRunID: reflectionID, fixCount: fixCount, rebuildTriggered: ShouldRebuild(fixes)}
		record.ReflectionTaskRunID = reflectionID
		record.FixCount = fixCount

		if p.ImplementFixes != nil && fixCount > 0 {
			e.state.setPhase(PhaseImplementingFixes)
			if _, err := e.client.StartWorkflow(ctx, p.ImplementFixes.WorkflowID); err != nil {
				return "", nil, err
			}
			info.implementedFixes = true
			record.ImplementedFixes = true
		}
	}

	return taskRunID, info, nil
}

// triggerAndCountFixes implements the reflection-trigger + enumerate +
// count flow used by both the reflection exit strategy and pipeline mode.
// The returned []Fix is nil when the count came from the heuristic fallback,
// since free-text grepping carries no fix_type and so cannot feed
// ShouldRebuild — the structured endpoint is the only canonical source for
// the rebuild decision.
func (e *Engine) triggerAndCountFixes(ctx context.Context, taskRunID string) (string, int, []Fix, error) {
	reflectionID, alreadyRunning, err := e.client.TriggerReflection(ctx, taskRunID)
	if err != nil {
		return "", 0, nil, err
	}
	if alreadyRunning {
		runs, err := e.client.ListTaskRuns(ctx)
		if err != nil {
			return "", 0, nil, err
		}
		found, ok := FindReflectionBySource(runs, taskRunID)
		if !ok {
			return "", 0, nil, svcerr.New(svcerr.KindRPC, "reflection already running but source not found in task runs")
		}
		reflectionID = found.ID
	}

	if err := e.pollUntilComplete(ctx, reflectionID); err != nil {
		return "", 0, nil, err
	}

	fixes, err := e.client.ReflectionFixes(ctx, reflectionID)
	if err != nil {
		// Fallback per the design: heuristic line-grep of the reflection output.
		fixCount, err := e.client.HeuristicFixCount(ctx, reflectionID, 10000)
		if err != nil {
			return reflectionID, 0, nil, err
		}
		return reflectionID, fixCount, nil, nil
	}
	return reflectionID, len(fixes), fixes, nil
}

// pollUntilComplete fans the cancellation watch and the poll loop into one
// errgroup so a context cancellation and a completed poll both resolve the
// same wait through the same error path.
func (e *Engine) pollUntilComplete(ctx context.Context, taskRunID string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				st, err := e.client.PollWorkflowState(gctx, taskRunID)
				if err != nil {
					// A just-started task run can briefly answer 404; keep polling.
					if strings.HasSuffix(err.Error(), ": status 404") {
						continue
					}
					return err
				}
				if st.IsComplete {
					return nil
				}
			}
		}
	})
	return g.Wait()
}

func (e *Engine) evaluateExit(ctx context.Context, cfg Config, iter int, taskRunID string, info *fixBatchInfo) (ExitCheckResult, error) {
	switch cfg.ExitStrategy.Kind {
	case ExitFixedIterations:
		return ExitCheckResult{ShouldExit: iter == cfg.MaxIterations, Reason: fmt.Sprintf("iteration %d/%d", iter, cfg.MaxIterations)}, nil

	case ExitWorkflowVerification:
		st, err := e.client.PollWorkflowState(ctx, taskRunID)
		if err != nil {
			return ExitCheckResult{}, err
		}
		iters := st.VerificationIters
		if iters == 0 {
			iters = st.IterationCount
		}
		return ExitCheckResult{ShouldExit: iters == 1, Reason: "workflow verification iteration count"}, nil

	case ExitReflection:
		fixCount := 0
		if info != nil {
			fixCount = info.fixCount
		} else {
			_, count, _, err := e.triggerAndCountFixes(ctx, taskRunID)
			if err != nil {
				return ExitCheckResult{}, err
			}
			fixCount = count
		}
		if fixCount == 0 {
			return ExitCheckResult{ShouldExit: true, Reason: "Reflection found 0 new fixes — clean"}, nil
		}
		return ExitCheckResult{ShouldExit: false, Reason: fmt.Sprintf("Reflection found %d new fixes", fixCount)}, nil

	default:
		return ExitCheckResult{}, svcerr.New(svcerr.KindOther, "unknown exit strategy")
	}
}

// applyBetweenIterations runs the configured between-iterations action.
// forceRebuild overrides it: a fix batch that requires a rebuild (per
// ShouldRebuild) must rebuild the runner before the next iteration starts
// regardless of what between_iterations is configured to do otherwise.
func (e *Engine) applyBetweenIterations(ctx context.Context, cfg Config, forceRebuild bool) error {
	switch cfg.BetweenIterations.Kind {
	case BetweenRestartRunner:
		if err := e.runner.RestartRunner(ctx, cfg.BetweenIterations.Rebuild || forceRebuild); err != nil {
			return err
		}
		metrics.IncRunnerRestart("workflow_loop")
		return e.waitHealthy(ctx)

	case BetweenRestartOnSignal:
		if e.state.takeRestartSignal() || forceRebuild {
			if err := e.runner.RestartRunner(ctx, cfg.BetweenIterations.Rebuild || forceRebuild); err != nil {
				return err
			}
			metrics.IncRunnerRestart("workflow_loop")
		}
		return e.waitHealthy(ctx)

	case BetweenWaitHealthy:
		if forceRebuild {
			if err := e.runner.RestartRunner(ctx, true); err != nil {
				return err
			}
			metrics.IncRunnerRestart("workflow_loop")
		}
		return e.waitHealthy(ctx)

	case BetweenNone:
		if !forceRebuild {
			return nil
		}
		if err := e.runner.RestartRunner(ctx, true); err != nil {
			return err
		}
		metrics.IncRunnerRestart("workflow_loop")
		return e.waitHealthy(ctx)

	default:
		return svcerr.New(svcerr.KindOther, "unknown between-iterations action")
	}
}

// waitHealthy blocks until cached health reports healthy or the configured
// timeout elapses, per "phase becomes waiting_for_runner ... waits up to a
// configured timeout".
func (e *Engine) waitHealthy(ctx context.Context) error {
	e.state.setPhase(PhaseWaitingForRunner)

	if health.Healthy(e.health.Load(), e.devMode) {
		return nil
	}

	deadline := time.NewTimer(e.healthWaitTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return svcerr.Timeout("runner did not become healthy in time")
		case <-e.changed.C():
			if health.Healthy(e.health.Load(), e.devMode) {
				return nil
			}
		}
	}
}
