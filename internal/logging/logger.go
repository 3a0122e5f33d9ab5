// Package logging wraps log/slog with the component-scoped logger used
// throughout Foreman.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is a slog.Logger that knows how to scope itself to a component.
type Logger struct {
	*slog.Logger
}

// Config selects the handler. Console output is the default; JSON suits
// log shippers.
type Config struct {
	Level      Level
	Output     io.Writer
	JSON       bool
	TimeFormat string
}

func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.JSON {
		return &Logger{slog.New(slog.NewJSONHandler(cfg.Output, opts))}
	}
	h := NewConsoleHandler(cfg.Output, opts)
	if cfg.TimeFormat != "" {
		h.timeFormat = cfg.TimeFormat
	}
	return &Logger{slog.New(h)}
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default is the process logger installed by SetDefault, or a console
// logger at info level.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	return defaultLogger
}

func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// OrDefault lets components accept an optional logger.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

// ParseLevel maps the log.level config value. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// WithComponent tags every record with component=name. The console handler
// prints it as a prefix.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}

// Audit records an action taken on behalf of a user, such as submitting or
// interrupting a command. Extra args are key/value pairs.
func (l *Logger) Audit(action, commandID string, args ...any) {
	l.Info("audit", append([]any{"action", action, "command", commandID}, args...)...)
}
