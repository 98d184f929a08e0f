// Package state holds the supervisor's shared, mutable state tree. Each
// leaf below is independently lockable; no lock here ever covers more than
// one leaf, per the shared-resource policy in the design notes.
package state

import (
	"os/exec"
	"sync"
	"time"
)

// RunnerState mirrors the RunnerProcess entity. running is set by SetStarted
// and cleared by ClearExited; the exit monitor takes cmd out with TakeCmd as
// soon as it starts waiting, so cmd is usually nil while running is true.
type RunnerState struct {
	mu               sync.Mutex
	cmd              *exec.Cmd
	running          bool
	pid              int
	startedAt        time.Time
	stopRequested    bool
	restartRequested bool
}

// RunnerSnapshot is a point-in-time copy safe to read without the lock held.
type RunnerSnapshot struct {
	Running          bool
	PID              int
	StartedAt        time.Time
	StopRequested    bool
	RestartRequested bool
}

func (s *RunnerState) Snapshot() RunnerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RunnerSnapshot{
		Running:          s.running,
		PID:              s.pid,
		StartedAt:        s.startedAt,
		StopRequested:    s.stopRequested,
		RestartRequested: s.restartRequested,
	}
}

func (s *RunnerState) SetStarted(cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmd = cmd
	s.running = true
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
}

// TakeCmd removes and returns the owned *exec.Cmd under lock, clearing
// `running` optimistically is NOT done here — callers must wait on the
// moved-out handle and then call ClearExited. This is the
// "move the handle out under lock, release, await" pattern required
// everywhere a component waits on a child process.
func (s *RunnerState) TakeCmd() *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cmd
	s.cmd = nil
	return c
}

func (s *RunnerState) ClearExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.pid = 0
}

func (s *RunnerState) SetStopRequested(v bool) {
	s.mu.Lock()
	s.stopRequested = v
	s.mu.Unlock()
}

func (s *RunnerState) SetRestartRequested(v bool) {
	s.mu.Lock()
	s.restartRequested = v
	s.mu.Unlock()
}

func (s *RunnerState) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// WatchdogState tracks automatic-restart bookkeeping. disabled_reason is
// non-empty iff the watchdog disabled itself (a manual Disable leaves it
// empty).
type WatchdogState struct {
	mu              sync.Mutex
	enabled         bool
	restartAttempts int
	lastRestartAt   time.Time
	crashHistory    []time.Time
	disabledReason  string
}

type WatchdogSnapshot struct {
	Enabled         bool
	RestartAttempts int
	LastRestartAt   time.Time
	CrashHistory    []time.Time
	DisabledReason  string
}

func NewWatchdogState() *WatchdogState { return &WatchdogState{enabled: true} }

func (w *WatchdogState) Snapshot() WatchdogSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchdogSnapshot{
		Enabled:         w.enabled,
		RestartAttempts: w.restartAttempts,
		LastRestartAt:   w.lastRestartAt,
		CrashHistory:    append([]time.Time(nil), w.crashHistory...),
		DisabledReason:  w.disabledReason,
	}
}

func (w *WatchdogState) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

func (w *WatchdogState) SetEnabled(v bool) {
	w.mu.Lock()
	w.enabled = v
	if v {
		w.disabledReason = ""
	}
	w.mu.Unlock()
}

// Disable turns the watchdog off and records why, distinguishing an
// automatic trip from a manual operator toggle.
func (w *WatchdogState) Disable(reason string) {
	w.mu.Lock()
	w.enabled = false
	w.disabledReason = reason
	w.mu.Unlock()
}

// RecordCrash appends now to the crash history. Append-only: the window
// check masks old entries rather than evicting them.
func (w *WatchdogState) RecordCrash(now time.Time) {
	w.mu.Lock()
	w.crashHistory = append(w.crashHistory, now)
	w.mu.Unlock()
}

// CrashesSince counts crash-history entries at or after since.
func (w *WatchdogState) CrashesSince(since time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.crashHistory {
		if !t.Before(since) {
			n++
		}
	}
	return n
}

func (w *WatchdogState) IncAttempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restartAttempts++
	w.lastRestartAt = time.Now()
	return w.restartAttempts
}

func (w *WatchdogState) ResetAttempts() {
	w.mu.Lock()
	w.restartAttempts = 0
	w.mu.Unlock()
}

func (w *WatchdogState) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restartAttempts
}

func (w *WatchdogState) LastRestartAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRestartAt
}

// BuildState tracks at most one in-flight build per supervisor.
type BuildState struct {
	mu           sync.Mutex
	inProgress   bool
	lastError    string
	hadError     bool
	lastBuildAt  time.Time
}

type BuildSnapshot struct {
	InProgress  bool
	LastError   string
	HadError    bool
	LastBuildAt time.Time
}

func (b *BuildState) Snapshot() BuildSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BuildSnapshot{InProgress: b.inProgress, LastError: b.lastError, HadError: b.hadError, LastBuildAt: b.lastBuildAt}
}

// TryBegin atomically flips inProgress from false to true, returning false
// if a build is already running.
func (b *BuildState) TryBegin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inProgress {
		return false
	}
	b.inProgress = true
	return true
}

func (b *BuildState) Finish(errSummary string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inProgress = false
	b.lastBuildAt = time.Now()
	b.hadError = errSummary != ""
	b.lastError = errSummary
}

func (b *BuildState) InProgress() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inProgress
}

// CachedPortHealth is replaced as a whole by the health-cache loop.
type CachedPortHealth struct {
	RunnerPortOpen   bool
	RunnerHTTPUp     bool
	SecondaryPortOpen bool
}

type HealthCacheBox struct {
	mu    sync.RWMutex
	value CachedPortHealth
}

func (h *HealthCacheBox) Load() CachedPortHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

func (h *HealthCacheBox) Store(v CachedPortHealth) {
	h.mu.Lock()
	h.value = v
	h.mu.Unlock()
}

// AIOutputLine is one line captured from the AI debug CLI's stdout/stderr.
type AIOutputLine struct {
	Timestamp time.Time
	Stream    string // "stdout" | "stderr"
	Line      string
}

// AIState tracks the AI debug child process.
type AIState struct {
	mu              sync.Mutex
	cmd             *exec.Cmd
	running         bool
	provider        string
	modelKey        string
	autoDebug       bool
	lastDebugAt     time.Time
	sessionStart    time.Time
	output          []AIOutputLine
	outputCap       int
}

func NewAIState(autoDebug bool, provider, modelKey string, outputCap int) *AIState {
	if outputCap <= 0 {
		outputCap = 500
	}
	return &AIState{autoDebug: autoDebug, provider: provider, modelKey: modelKey, outputCap: outputCap}
}

func (a *AIState) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *AIState) AutoDebugEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoDebug
}

func (a *AIState) SetAutoDebug(v bool) {
	a.mu.Lock()
	a.autoDebug = v
	a.mu.Unlock()
}

func (a *AIState) ProviderModel() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provider, a.modelKey
}

func (a *AIState) SetProviderModel(provider, modelKey string) {
	a.mu.Lock()
	a.provider = provider
	a.modelKey = modelKey
	a.mu.Unlock()
}

func (a *AIState) LastDebugAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDebugAt
}

func (a *AIState) MarkStarted(cmd *exec.Cmd) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmd = cmd
	a.running = true
	a.lastDebugAt = time.Now()
	a.sessionStart = time.Now()
	a.output = nil
}

func (a *AIState) TakeCmd() *exec.Cmd {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.cmd
	a.cmd = nil
	return c
}

func (a *AIState) ClearExited() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.sessionStart = time.Time{}
}

func (a *AIState) AppendOutput(line AIOutputLine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output = append(a.output, line)
	if len(a.output) > a.outputCap {
		a.output = a.output[len(a.output)-a.outputCap:]
	}
}

func (a *AIState) OutputSnapshot() []AIOutputLine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AIOutputLine(nil), a.output...)
}

// CodeActivityState tracks the quiet-period scan and the deferred-debug latch.
type CodeActivityState struct {
	mu                   sync.Mutex
	lastChangeAt         time.Time
	externalSession      bool
	pendingDebug         bool
	pendingDebugReason   string
}

func (c *CodeActivityState) SetLastChange(t time.Time) {
	c.mu.Lock()
	c.lastChangeAt = t
	c.mu.Unlock()
}

func (c *CodeActivityState) LastChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChangeAt
}

func (c *CodeActivityState) SetExternalSession(v bool) {
	c.mu.Lock()
	c.externalSession = v
	c.mu.Unlock()
}

func (c *CodeActivityState) ExternalSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.externalSession
}

func (c *CodeActivityState) SetPending(reason string) {
	c.mu.Lock()
	c.pendingDebug = true
	c.pendingDebugReason = reason
	c.mu.Unlock()
}

// TakePending clears and returns the pending latch, if set.
func (c *CodeActivityState) TakePending() (reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pendingDebug {
		return "", false
	}
	reason = c.pendingDebugReason
	c.pendingDebug = false
	c.pendingDebugReason = ""
	return reason, true
}

// Supervisor is the root of the shared state tree. Every component above
// receives only the leaves it needs, never the whole struct, to keep the
// "independently lockable" invariant visible at call sites.
type Supervisor struct {
	Runner        *RunnerState
	Watchdog      *WatchdogState
	Build         *BuildState
	Health        *HealthCacheBox
	AI            *AIState
	CodeActivity  *CodeActivityState

	HealthChanged      *Notifier
	HealthCacheRefresh *Notifier
}

func New(autoDebug bool, aiProvider, aiModelKey string) *Supervisor {
	return &Supervisor{
		Runner:             &RunnerState{},
		Watchdog:           NewWatchdogState(),
		Build:              &BuildState{},
		Health:             &HealthCacheBox{},
		AI:                 NewAIState(autoDebug, aiProvider, aiModelKey, 500),
		CodeActivity:       &CodeActivityState{},
		HealthChanged:      NewNotifier(),
		HealthCacheRefresh: NewNotifier(),
	}
}
