// Package logging sets up the supervisor's own operational logger: a
// colorized text handler writing to stderr and, optionally, to a file
// rotated via lumberjack. This is
// distinct from §4.4's log fan-out, which carries the runner child's
// captured output rather than the supervisor's own diagnostics.
package logging

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the teacher's process-log rotation knobs, reused here for
// the supervisor's own log file.
type Config struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      slog.Level
}

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	defaultMaxAgeDays = 7
)

// New builds the supervisor's slog.Logger on one colorized text handler.
// When FilePath is set, that handler's output is duplicated to stderr and
// to a rotated file (so the file carries the same color codes); when unset,
// it writes to stderr only.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var writers []io.Writer
	writers = append(writers, os.Stderr)
	if cfg.FilePath != "" {
		writers = append(writers, &lj.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    valOr(cfg.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, defaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, defaultMaxAgeDays),
			Compress:   cfg.Compress,
		})
	}

	handler := newColorTextHandler(io.MultiWriter(writers...), opts)
	return slog.New(handler)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
