// Package server exposes the supervisor's minimal HTTP surface: a status
// snapshot, a liveness probe, a log-tail SSE stream, watchdog enable and
// disable, the workflow loop's restart signal, and AI settings updates.
// Request/response shapes for an operator dashboard, auth, and routing for
// the runner's own UI are not provided; this package only carries the
// ambient gin-router plumbing the teacher always wraps its core in.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qontinui/supervisor/internal/health"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/settings"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/qontinui/supervisor/internal/watchdog"
	"github.com/qontinui/supervisor/internal/workflowloop"
)

// Router provides the supervisor's embeddable HTTP handlers.
type Router struct {
	st       *state.Supervisor
	log      *logfanout.Fanout
	loop     *workflowloop.Engine
	devMode  bool
	basePath string
	repoDir  string
}

// NewRouter constructs a Router with configurable basePath, mirroring the
// teacher's sanitizeBase convention. repoDir is where persisted settings
// live; settings writes are best-effort, so an empty repoDir (as in tests)
// only affects whether the write succeeds, never the in-memory update.
func NewRouter(st *state.Supervisor, log *logfanout.Fanout, loop *workflowloop.Engine, devMode bool, basePath, repoDir string) *Router {
	return &Router{st: st, log: log, loop: loop, devMode: devMode, basePath: sanitizeBase(basePath), repoDir: repoDir}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux, or served standalone via NewServer.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.GET("/logs/stream", r.handleLogsStream)
	group.POST("/watchdog/enable", r.handleWatchdogEnable)
	group.POST("/watchdog/disable", r.handleWatchdogDisable)
	group.POST("/workflow-loop/restart-signal", r.handleWorkflowLoopRestartSignal)
	group.POST("/ai/settings", r.handleAISettingsUpdate)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // the SSE stream is long-lived
		IdleTimeout:       60 * time.Second,
	}
}

// diagnosticsSnapshot is the small, read-only aggregate spec.md's
// out-of-scope /diagnostics concept reduces to here: counts and current
// states assembled from the shared state tree, not a persisted record (see
// internal/diagnostics for the persisted form).
type diagnosticsSnapshot struct {
	Runner struct {
		Running          bool      `json:"running"`
		PID              int       `json:"pid"`
		StartedAt        time.Time `json:"started_at,omitempty"`
		StopRequested    bool      `json:"stop_requested"`
		RestartRequested bool      `json:"restart_requested"`
	} `json:"runner"`
	Watchdog struct {
		Enabled         bool      `json:"enabled"`
		DisabledReason  string    `json:"disabled_reason,omitempty"`
		RestartAttempts int       `json:"restart_attempts"`
		CrashCount      int       `json:"crash_count"`
		LastRestartAt   time.Time `json:"last_restart_at,omitempty"`
	} `json:"watchdog"`
	Build struct {
		InProgress  bool      `json:"in_progress"`
		HadError    bool      `json:"had_error"`
		LastError   string    `json:"last_error,omitempty"`
		LastBuildAt time.Time `json:"last_build_at,omitempty"`
	} `json:"build"`
	AI struct {
		Running          bool   `json:"running"`
		AutoDebugEnabled bool   `json:"auto_debug_enabled"`
		Provider         string `json:"provider"`
		Model            string `json:"model"`
	} `json:"ai"`
	Health state.CachedPortHealth `json:"health"`
	Healthy bool                   `json:"healthy"`
	WorkflowLoop *workflowloop.Snapshot `json:"workflow_loop,omitempty"`
}

func (r *Router) snapshot() diagnosticsSnapshot {
	var snap diagnosticsSnapshot

	runnerSnap := r.st.Runner.Snapshot()
	snap.Runner.Running = runnerSnap.Running
	snap.Runner.PID = runnerSnap.PID
	snap.Runner.StartedAt = runnerSnap.StartedAt
	snap.Runner.StopRequested = runnerSnap.StopRequested
	snap.Runner.RestartRequested = runnerSnap.RestartRequested

	wdSnap := r.st.Watchdog.Snapshot()
	snap.Watchdog.Enabled = wdSnap.Enabled
	snap.Watchdog.DisabledReason = wdSnap.DisabledReason
	snap.Watchdog.RestartAttempts = wdSnap.RestartAttempts
	snap.Watchdog.CrashCount = len(wdSnap.CrashHistory)
	snap.Watchdog.LastRestartAt = wdSnap.LastRestartAt

	buildSnap := r.st.Build.Snapshot()
	snap.Build.InProgress = buildSnap.InProgress
	snap.Build.HadError = buildSnap.HadError
	snap.Build.LastError = buildSnap.LastError
	snap.Build.LastBuildAt = buildSnap.LastBuildAt

	snap.AI.Running = r.st.AI.Running()
	snap.AI.AutoDebugEnabled = r.st.AI.AutoDebugEnabled()
	snap.AI.Provider, snap.AI.Model = r.st.AI.ProviderModel()

	snap.Health = r.st.Health.Load()
	snap.Healthy = health.Healthy(snap.Health, r.devMode)

	if r.loop != nil {
		s := r.loop.Snapshot()
		snap.WorkflowLoop = &s
	}

	return snap
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.snapshot())
}

// handleHealth is the liveness probe: 200 when the cached health check is
// up, 503 otherwise. It never performs I/O itself, per the health cache's
// purpose of keeping request handlers off the probe path.
func (r *Router) handleHealth(c *gin.Context) {
	h := r.st.Health.Load()
	if health.Healthy(h, r.devMode) {
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	writeJSON(c, http.StatusServiceUnavailable, okResp{OK: false})
}

type okResp struct {
	OK bool `json:"ok"`
}

type errorResp struct {
	Error string `json:"error"`
}

// handleLogsStream serves the fan-out's history followed by live entries as
// server-sent events, until the client disconnects.
func (r *Router) handleLogsStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch, unsubscribe := r.log.Subscribe()
	defer unsubscribe()

	flusher, canFlush := c.Writer.(http.Flusher)

	for _, e := range r.log.History() {
		writeLogEvent(c.Writer, e)
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-r.log.ShutdownSignal():
			writeFarewellEvent(c.Writer)
			if canFlush {
				flusher.Flush()
			}
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeLogEvent(c.Writer, e)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func writeLogEvent(w http.ResponseWriter, e logfanout.Entry) {
	_, _ = fmt.Fprintf(w, "data: {\"timestamp\":%q,\"source\":%q,\"level\":%q,\"message\":%q}\n\n",
		e.Timestamp.Format(time.RFC3339Nano), e.Source, e.Level, e.Message)
}

// writeFarewellEvent sends the shutdown-broadcast frame the spec's stream
// contract requires before a consumer's connection closes.
func writeFarewellEvent(w http.ResponseWriter) {
	_, _ = fmt.Fprintf(w, "event: shutdown\ndata: {\"timestamp\":%q,\"message\":\"supervisor shutting down\"}\n\n",
		time.Now().Format(time.RFC3339Nano))
}

func (r *Router) handleWatchdogEnable(c *gin.Context) {
	watchdog.Enable(r.st)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWatchdogDisable(c *gin.Context) {
	watchdog.Disable(r.st)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// aiSettingsRequest is the body for POST /ai/settings. Omitted fields keep
// their current value.
type aiSettingsRequest struct {
	Provider         *string `json:"ai_provider"`
	Model            *string `json:"ai_model"`
	AutoDebugEnabled *bool   `json:"auto_debug_enabled"`
}

// handleAISettingsUpdate mutates the AI provider/model/auto-debug fields and
// persists them, so the choice survives a supervisor restart per the
// persisted-settings external interface.
func (r *Router) handleAISettingsUpdate(c *gin.Context) {
	var req aiSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	provider, model := r.st.AI.ProviderModel()
	if req.Provider != nil {
		provider = *req.Provider
	}
	if req.Model != nil {
		model = *req.Model
	}
	r.st.AI.SetProviderModel(provider, model)

	autoDebug := r.st.AI.AutoDebugEnabled()
	if req.AutoDebugEnabled != nil {
		autoDebug = *req.AutoDebugEnabled
		r.st.AI.SetAutoDebug(autoDebug)
	}

	s := settings.Settings{AIProvider: provider, AIModel: model, AutoDebugEnabled: autoDebug}
	if err := settings.Save(r.repoDir, s); err != nil {
		r.log.Error(logfanout.SourceSupervisor, "save settings: "+err.Error())
	}

	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWorkflowLoopRestartSignal(c *gin.Context) {
	if r.loop == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "workflow loop not configured"})
		return
	}
	r.loop.SignalRestart()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
