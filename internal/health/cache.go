// Package health implements the cached port/HTTP probe loop that decouples
// request handlers and the watchdog from slow I/O, per the health-cache
// design: a periodic-or-notified refresh loop that replaces one cached
// triple atomically as a whole.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/qontinui/supervisor/internal/metrics"
	"github.com/qontinui/supervisor/internal/state"
)

// Config carries the ports/URL the cache probes and its timing knobs.
type Config struct {
	RunnerPort      int
	SecondaryPort   int
	HealthURL       string
	RefreshInterval time.Duration
	SettleDelay     time.Duration
	ProbeTimeout    time.Duration
	DevMode         bool
}

// DefaultConfig matches the recommended defaults in the design: a 2s tick
// and a ~100ms settle delay after a lifecycle notification.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 2 * time.Second,
		SettleDelay:     100 * time.Millisecond,
		ProbeTimeout:    750 * time.Millisecond,
	}
}

// Cache owns the refresh loop. It reads/writes only the state tree's health
// box and the two notifiers; it holds no lock of its own across I/O.
type Cache struct {
	cfg    Config
	box    *state.HealthCacheBox
	refresh *state.Notifier
	changed *state.Notifier
	logger *slog.Logger
	client *http.Client

	lastDebugLog time.Time
	// probed is set by the first probeAndStore, which always notifies so
	// subscribers see the first real reading.
	probed bool
}

func New(cfg Config, box *state.HealthCacheBox, refresh, changed *state.Notifier, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		box:     box,
		refresh: refresh,
		changed: changed,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Run drives the refresh loop until ctx is cancelled. It ticks on
// RefreshInterval and also wakes immediately on the refresh notifier,
// applying SettleDelay after a notified wake to avoid racing a port close.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAndStore(ctx)
		case <-c.refresh.C():
			select {
			case <-time.After(c.cfg.SettleDelay):
			case <-ctx.Done():
				return
			}
			c.probeAndStore(ctx)
		}
	}
}

func (c *Cache) probeAndStore(ctx context.Context) {
	prev := c.box.Load()
	next := state.CachedPortHealth{
		RunnerPortOpen:    c.probePort(c.cfg.RunnerPort),
		RunnerHTTPUp:      c.probeHTTP(ctx),
		SecondaryPortOpen: c.probePort(c.cfg.SecondaryPort),
	}
	c.box.Store(next)
	metrics.SetHealthStatus(Healthy(next, c.cfg.DevMode))

	if !c.probed || next != prev {
		c.probed = true
		c.changed.Notify()
	}

	if time.Since(c.lastDebugLog) >= time.Minute {
		c.lastDebugLog = time.Now()
		c.logger.Debug("health cache refreshed",
			"runner_port_open", next.RunnerPortOpen,
			"runner_http_up", next.RunnerHTTPUp,
			"secondary_port_open", next.SecondaryPortOpen,
		)
	}
}

// probePort treats a completed connect, and a connect that is still in
// progress when ProbeTimeout expires, as "something is listening"; a
// refused or otherwise failed connect is not.
func (c *Cache) probePort(port int) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), c.cfg.ProbeTimeout)
	if err != nil {
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}
	_ = conn.Close()
	return true
}

func (c *Cache) probeHTTP(ctx context.Context) bool {
	if c.cfg.HealthURL == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Healthy applies the design's definition: the HTTP endpoint responds, and
// in dev mode the secondary port must also be open.
func Healthy(h state.CachedPortHealth, devMode bool) bool {
	if !h.RunnerHTTPUp {
		return false
	}
	if devMode && !h.SecondaryPortOpen {
		return false
	}
	return true
}
