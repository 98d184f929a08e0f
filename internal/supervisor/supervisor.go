// Package supervisor wires the state tree, runner, watchdog, health cache,
// code-activity monitor, AI debug scheduler, workflow loop, diagnostics
// sink, metrics, and HTTP surface into a single daemon lifecycle. Grounded
// on the teacher's cmd/provisr/main.go construction of a provisr.Manager,
// generalized from "build a manager, run subcommands against it" to "build
// and run one long-lived daemon for a single child process."
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/qontinui/supervisor/internal/aidebug"
	"github.com/qontinui/supervisor/internal/codeactivity"
	"github.com/qontinui/supervisor/internal/config"
	"github.com/qontinui/supervisor/internal/diagnostics"
	"github.com/qontinui/supervisor/internal/diagnostics/factory"
	"github.com/qontinui/supervisor/internal/health"
	"github.com/qontinui/supervisor/internal/logfanout"
	"github.com/qontinui/supervisor/internal/logging"
	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/runnerproc"
	"github.com/qontinui/supervisor/internal/server"
	"github.com/qontinui/supervisor/internal/settings"
	"github.com/qontinui/supervisor/internal/state"
	"github.com/qontinui/supervisor/internal/watchdog"
	"github.com/qontinui/supervisor/internal/workflowloop"
)

// shutdownGrace bounds how long an HTTP server is given to drain in-flight
// requests (notably the long-lived /logs/stream SSE connections) on stop.
const shutdownGrace = 5 * time.Second

// Daemon owns every long-running component and the shared state tree they
// read and write.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	st  *state.Supervisor
	fan *logfanout.Fanout

	runner  *runnerproc.Supervisor
	health  *health.Cache
	watch   *watchdog.Watchdog
	codeAct *codeactivity.Monitor
	debug   *aidebug.Scheduler
	loop    *workflowloop.Engine

	diag     diagnostics.Sink
	metricsS *http.Server
	apiS     *http.Server
}

// New constructs every component from cfg without starting anything.
func New(cfg *config.Config) (*Daemon, error) {
	logCfg := logging.Config{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Level:      parseLevel(cfg.Log.Level),
	}
	logger := logging.New(logCfg)

	// auto_debug_enabled has no config-file equivalent, so it is seeded
	// entirely from the persisted settings file (defaulting to enabled, same
	// as before this file existed). Provider/model stay config-authoritative
	// at a fresh deploy; once /ai/settings has saved a value that differs
	// from the baked-in defaults, that saved value wins across restarts.
	persisted := settings.Load(cfg.RepoDir)
	aiProvider, aiModel := cfg.AI.Provider, cfg.AI.Model
	if persisted != settings.Defaults() {
		if persisted.AIProvider != "" {
			aiProvider = persisted.AIProvider
		}
		if persisted.AIModel != "" {
			aiModel = persisted.AIModel
		}
	}
	st := state.New(persisted.AutoDebugEnabled, aiProvider, aiModel)
	fan := logfanout.New(2000)

	runnerCfg := runnerproc.Config{
		Mode:                parseMode(cfg.Runner.Mode),
		ExecutablePath:      cfg.Runner.ExecutablePath,
		Args:                cfg.Runner.Args,
		DevCommand:          cfg.Runner.DevCommand,
		WorkDir:             cfg.Runner.WorkDir,
		Env:                 cfg.Runner.Env,
		StripEnvVar:         cfg.Runner.StripEnvVar,
		RunnerPort:          cfg.Runner.Port,
		SecondaryPort:       cfg.Runner.SecondaryPort,
		GracefulKillTimeout: cfg.Runner.GracefulKillTimeout,
		PortFreeTimeout:     cfg.Runner.PortFreeTimeout,
		BuildCommand:        cfg.Runner.BuildCommand,
		BuildTimeout:        cfg.Runner.BuildTimeout,
	}
	runner := runnerproc.New(runnerCfg, st, fan)

	healthCfg := health.Config{
		RunnerPort:      cfg.Runner.Port,
		SecondaryPort:   cfg.Runner.SecondaryPort,
		HealthURL:       healthURL(cfg),
		RefreshInterval: cfg.Health.RefreshInterval,
		SettleDelay:     cfg.Health.SettleDelay,
		ProbeTimeout:    cfg.Health.ProbeTimeout,
		DevMode:         cfg.DevMode,
	}
	healthCache := health.New(healthCfg, st.Health, st.HealthCacheRefresh, st.HealthChanged, logger)

	runnerClient := workflowloop.NewRunnerClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Runner.Port))

	debugCfg := aidebug.DefaultConfig(cfg.Log.FilePath, cfg.RepoDir)
	debugCfg.Cooldown = cfg.AI.Cooldown
	if cfg.CodeActivity.QuietPeriod > 0 {
		debugCfg.EditQuietPeriod = cfg.CodeActivity.QuietPeriod
	}
	debugScheduler := aidebug.New(debugCfg, st, st.HealthChanged, runnerClient, fan)

	watchdogCfg := watchdog.Config{
		CheckInterval:  cfg.Watchdog.CheckInterval,
		MaxAttempts:    cfg.Watchdog.MaxAttempts,
		CrashThreshold: cfg.Watchdog.CrashThreshold,
		CrashWindow:    cfg.Watchdog.CrashWindow,
		CooldownSecs:   cfg.Watchdog.CooldownSecs,
		DevMode:        cfg.DevMode,
	}
	watch := watchdog.New(watchdogCfg, st, runner, debugScheduler, fan)

	caCfg := codeactivity.DefaultConfig([]string{cfg.RepoDir}, int32(os.Getpid()))
	if cfg.CodeActivity.QuietPeriod > 0 {
		caCfg.QuietPeriod = cfg.CodeActivity.QuietPeriod
	}
	if cfg.CodeActivity.CheckInterval > 0 {
		caCfg.CheckInterval = cfg.CodeActivity.CheckInterval
	}
	codeAct := codeactivity.New(caCfg, st.CodeActivity, debugScheduler, fan)

	loop := workflowloop.New(runnerClient, runner, st, fan, cfg.DevMode)

	var diag diagnostics.Sink
	if cfg.Diagnostics.Enabled && cfg.Diagnostics.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.Diagnostics.DSN)
		if err != nil {
			return nil, fmt.Errorf("open diagnostics sink: %w", err)
		}
		diag = sink
		diagnostics.SetSink(sink)
	}

	router := server.NewRouter(st, fan, loop, cfg.DevMode, "", cfg.RepoDir)

	d := &Daemon{
		cfg:     cfg,
		log:     logger,
		st:      st,
		fan:     fan,
		runner:  runner,
		health:  healthCache,
		watch:   watch,
		codeAct: codeAct,
		debug:   debugScheduler,
		loop:    loop,
		diag:    diag,
	}

	if cfg.Server.Listen != "" {
		d.apiS = server.NewServer(cfg.Server.Listen, router)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metricsS = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}

	return d, nil
}

// Run starts the runner, the health, watchdog and code-activity loops, and
// the HTTP servers, and blocks until ctx is cancelled; it then shuts down the
// log stream, stops the runner, closes the diagnostics sink, stops any AI
// debug session, and waits for the loops and servers to return.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("supervisor starting", "mode", d.cfg.Runner.Mode, "dev_mode", d.cfg.DevMode)

	if err := d.runner.StartRunner(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { d.health.Run(gctx); return nil })
	g.Go(func() error { d.watch.Run(gctx); return nil })
	g.Go(func() error { d.codeAct.Run(gctx); return nil })

	if d.apiS != nil {
		g.Go(func() error { return serveUntilDone(gctx, d.apiS) })
	}
	if d.metricsS != nil {
		g.Go(func() error { return serveUntilDone(gctx, d.metricsS) })
	}

	<-gctx.Done()
	d.log.Info("supervisor stopping")
	d.fan.Shutdown()
	_ = d.runner.StopRunner(context.Background())
	if d.diag != nil {
		_ = d.diag.Close()
	}
	_ = d.debug.Stop()

	return g.Wait()
}

func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func healthURL(cfg *config.Config) string {
	if cfg.Runner.HealthPath == "" {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Runner.Port, cfg.Runner.HealthPath)
}

func parseMode(m string) runnerproc.Mode {
	if m == "direct" {
		return runnerproc.ModeDirect
	}
	return runnerproc.ModeShellDev
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
