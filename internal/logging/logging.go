// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the leveled key/value logger used across arflow.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) charm() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ParseLevel maps a config string to a Level. Unknown names yield LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer
	JSON   bool
	// Timestamps are omitted when false; tests keep output stable this way.
	Timestamps bool
	// Syslog, when enabled, receives a copy of every record at the priority
	// matching its level.
	Syslog *SyslogConfig
}

// DefaultConfig returns an info-level text logger on stderr.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		Timestamps: true,
	}
}

// Logger is a structured logger. The zero value is not usable; use New.
type Logger struct {
	l   *log.Logger
	sys *log.Logger // nil without a syslog sink
}

// New creates a logger from cfg. A syslog sink that cannot be opened is
// reported on the primary output and skipped.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var (
		sys       *log.Logger
		syslogErr error
	)
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			syslogErr = err
		} else {
			sys = syslogLogger(w, cfg.Level)
		}
	}

	opts := log.Options{
		Level:           cfg.Level.charm(),
		ReportTimestamp: cfg.Timestamps,
		TimeFormat:      time.RFC3339Nano,
	}
	if cfg.JSON {
		opts.Formatter = log.JSONFormatter
	}

	lg := &Logger{l: log.NewWithOptions(out, opts), sys: sys}
	if syslogErr != nil {
		lg.Warn("syslog output disabled", "error", syslogErr)
	}
	return lg
}

// syslogLogger formats records for a syslog writer: logfmt with the level
// first and no timestamp, since the collector stamps its own.
func syslogLogger(w io.Writer, level Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:     level.charm(),
		Formatter: log.LogfmtFormatter,
	})
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(Config{Level: LevelError, Output: io.Discard})
}

// WithComponent returns a child logger tagged with a component name.
func (lg *Logger) WithComponent(name string) *Logger {
	return lg.With("component", name)
}

// With returns a child logger carrying the given key/value pairs.
func (lg *Logger) With(keyvals ...any) *Logger {
	child := &Logger{l: lg.l.With(keyvals...)}
	if lg.sys != nil {
		child.sys = lg.sys.With(keyvals...)
	}
	return child
}

// SetLevel changes the minimum level at runtime.
func (lg *Logger) SetLevel(level Level) {
	lg.l.SetLevel(level.charm())
	if lg.sys != nil {
		lg.sys.SetLevel(level.charm())
	}
}

// Enabled reports whether records at level would be written.
func (lg *Logger) Enabled(level Level) bool {
	return lg.l.GetLevel() <= level.charm()
}

func (lg *Logger) Debug(msg string, keyvals ...any) {
	lg.l.Debug(msg, keyvals...)
	if lg.sys != nil {
		lg.sys.Debug(msg, keyvals...)
	}
}

func (lg *Logger) Info(msg string, keyvals ...any) {
	lg.l.Info(msg, keyvals...)
	if lg.sys != nil {
		lg.sys.Info(msg, keyvals...)
	}
}

func (lg *Logger) Warn(msg string, keyvals ...any) {
	lg.l.Warn(msg, keyvals...)
	if lg.sys != nil {
		lg.sys.Warn(msg, keyvals...)
	}
}

func (lg *Logger) Error(msg string, keyvals ...any) {
	lg.l.Error(msg, keyvals...)
	if lg.sys != nil {
		lg.sys.Error(msg, keyvals...)
	}
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(DefaultConfig()))
}

// Default returns the process-wide logger.
func Default() *Logger { return defaultLogger.Load() }

// SetDefault replaces the process-wide logger.
func SetDefault(lg *Logger) {
	if lg != nil {
		defaultLogger.Store(lg)
	}
}

// WithComponent returns a child of the default logger.
func WithComponent(name string) *Logger { return Default().WithComponent(name) }

func Debug(msg string, keyvals ...any) { Default().Debug(msg, keyvals...) }
func Info(msg string, keyvals ...any)  { Default().Info(msg, keyvals...) }
func Warn(msg string, keyvals ...any)  { Default().Warn(msg, keyvals...) }
func Error(msg string, keyvals ...any) { Default().Error(msg, keyvals...) }
