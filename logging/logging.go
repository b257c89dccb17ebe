// Package logging builds the slog.Logger used by the agent and client,
// following the teacher's env-driven config + rotating file + stderr
// fan-out pattern, adapted to basalt's BASALT_LOG_* environment variables
// and a real rotating writer (lumberjack) instead of a hand-rolled one.
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ----------------- Config -----------------

type Config struct {
	Level      slog.Level // default: Info
	Format     string     // "text" or "json" (default "text")
	File       string     // path to log file; empty = no file
	AlsoStderr bool       // default true

	MaxSizeMB  int // default 10
	MaxBackups int // default 3
	MaxAgeDays int // default 14
	Compress   bool

	SetAsDefault bool // set slog.SetDefault
}

func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		AlsoStderr: true,
		MaxSizeMB:  10, MaxBackups: 3, MaxAgeDays: 14,
		Compress: true,
	}
}

// NewConfigFromEnv reads BASALT_LOG_* environment variables, falling back
// to DefaultConfig for anything unset.
func NewConfigFromEnv() Config {
	cfg := DefaultConfig()

	switch strings.ToLower(os.Getenv("BASALT_LOG_LEVEL")) {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn", "warning":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}

	switch strings.ToLower(os.Getenv("BASALT_LOG_FORMAT")) {
	case "json":
		cfg.Format = "json"
	case "text", "":
		cfg.Format = "text"
	}

	cfg.File = strings.TrimSpace(os.Getenv("BASALT_LOG_FILE"))
	cfg.AlsoStderr = envBool(os.Getenv("BASALT_LOG_STDERR"), true)
	cfg.MaxSizeMB = envInt(os.Getenv("BASALT_LOG_MAX_SIZE_MB"), cfg.MaxSizeMB)
	cfg.MaxBackups = envInt(os.Getenv("BASALT_LOG_MAX_BACKUPS"), cfg.MaxBackups)
	cfg.MaxAgeDays = envInt(os.Getenv("BASALT_LOG_MAX_AGE_DAYS"), cfg.MaxAgeDays)
	cfg.Compress = envBool(os.Getenv("BASALT_LOG_COMPRESS"), cfg.Compress)
	cfg.SetAsDefault = true

	return cfg
}

func envBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y":
		return true
	case "0", "false", "f", "no", "n":
		return false
	default:
		return def
	}
}

func envInt(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

// MultiHandler fans out to multiple slog.Handlers.
type MultiHandler struct{ hs []slog.Handler }

func (m MultiHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range m.hs {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.hs {
		if err := h.Handle(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithAttrs(attrs)
	}
	return MultiHandler{hs: out}
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithGroup(name)
	}
	return MultiHandler{hs: out}
}

// EnsureDir creates the parent directory of path if needed.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// New builds a slog.Logger using cfg.
func New(cfg Config) *slog.Logger {
	handlers := make([]slog.Handler, 0, 2)

	if cfg.File != "" {
		_ = EnsureDir(cfg.File)
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		switch cfg.Format {
		case "json":
			handlers = append(handlers, slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: cfg.Level}))
		default:
			handlers = append(handlers, slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: cfg.Level}))
		}
	}

	if cfg.AlsoStderr {
		switch cfg.Format {
		case "json":
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level}))
		default:
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level}))
		}
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level})
	case 1:
		h = handlers[0]
	default:
		h = MultiHandler{hs: handlers}
	}

	l := slog.New(h)
	if cfg.SetAsDefault {
		slog.SetDefault(l)
	}
	return l
}

func NewFromEnv() *slog.Logger {
	return New(NewConfigFromEnv())
}

// NewCorrelationID returns a short id used to tie together the log lines
// produced while servicing one connection's request batch. The wire
// protocol itself carries no ids (spec mandates one round-trip per
// connection); this exists purely to make the agent's log readable.
func NewCorrelationID() string {
	return uuid.NewString()[:8]
}
