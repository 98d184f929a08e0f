// Package codeactivity decides whether it is safe to spawn an AI debug
// session without racing a human editor or another LLM CLI, per §4.7.
package codeactivity

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/state"
)

// vendoredTrees lists directory names skipped during the mtime walk,
// carried over from the original implementation's skip list.
var vendoredTrees = map[string]bool{
	"node_modules": true,
	"target":       true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
}

// sourceExtensions are the file extensions the scan considers when
// computing the most recent modification time.
var sourceExtensions = map[string]bool{
	".go": true, ".rs": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".java": true, ".kt": true, ".c": true, ".cc": true, ".cpp": true,
	".h": true, ".hpp": true, ".toml": true, ".yaml": true, ".yml": true, ".json": true,
}

// externalLLMMarkers are substrings of process names that identify
// a competing LLM CLI running outside this supervisor.
var externalLLMMarkers = []string{"claude", "codex", "aider", "cursor-agent", "copilot"}

// DefaultQuietPeriod is the baseline "is code still being edited" threshold,
// shared with internal/aidebug so both packages answer that question the
// same way unless overridden by config.CodeActivityConfig.QuietPeriod.
const DefaultQuietPeriod = 30 * time.Second

// Config carries the monitor's timing knobs and scan roots.
type Config struct {
	Roots          []string
	CheckInterval  time.Duration
	QuietPeriod    time.Duration
	SelfPID        int32
}

func DefaultConfig(roots []string, selfPID int32) Config {
	return Config{
		Roots:         roots,
		CheckInterval: 5 * time.Second,
		QuietPeriod:   DefaultQuietPeriod,
		SelfPID:       selfPID,
	}
}

// DebugSpawner is the slice of aidebug.Scheduler the monitor needs to
// release a deferred debug request.
type DebugSpawner interface {
	SpawnDebug(reason string) error
}

// Monitor runs the quiet-period scan and external-session detection loop.
type Monitor struct {
	cfg      Config
	ca       *state.CodeActivityState
	spawner  DebugSpawner
	log      *logfanout.Fanout
}

func New(cfg Config, ca *state.CodeActivityState, spawner DebugSpawner, log *logfanout.Fanout) *Monitor {
	return &Monitor{cfg: cfg, ca: ca, spawner: spawner, log: log}
}

// Run drives the periodic tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	maxMtime := m.scanMaxMtime()
	if !maxMtime.IsZero() {
		m.ca.SetLastChange(maxMtime)
	}

	external := m.detectExternalLLMSession(ctx)
	m.ca.SetExternalSession(external)

	if reason, ok := m.ca.TakePending(); ok {
		if m.codeBeingEdited() || external {
			// Guard still active: put it back and try again next tick.
			m.ca.SetPending(reason)
			return
		}
		if err := m.spawner.SpawnDebug(reason); err != nil {
			m.log.Warn(logfanout.SourceAIDebug, "deferred debug spawn failed: "+err.Error())
		}
	}
}

// codeBeingEdited reports whether the most recent modification observed by
// the scan is within the configured quiet period.
func (m *Monitor) codeBeingEdited() bool {
	last := m.ca.LastChange()
	if last.IsZero() {
		return false
	}
	return time.Since(last) < m.cfg.QuietPeriod
}

func (m *Monitor) scanMaxMtime() time.Time {
	var max time.Time
	for _, root := range m.cfg.Roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // best-effort scan, skip unreadable entries
			}
			if d.IsDir() {
				if vendoredTrees[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil //nolint:nilerr
			}
			if info.ModTime().After(max) {
				max = info.ModTime()
			}
			return nil
		})
	}
	return max
}

func (m *Monitor) detectExternalLLMSession(ctx context.Context) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false
	}
	for _, p := range procs {
		if p.Pid == m.cfg.SelfPID {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		lname := strings.ToLower(name)
		for _, marker := range externalLLMMarkers {
			if strings.Contains(lname, marker) {
				return true
			}
		}
	}
	return false
}
