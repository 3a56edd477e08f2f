// Package logx is a small leveled wrapper around log/slog, shaped like a
// traditional logger so call sites read the way the rest of this codebase
// expects: a package-level default plus cheap Verbosef/Debugf/... helpers.
package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("logx: unknown log level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is the leveled logging surface used throughout the server. It is
// deliberately small: structured attributes are attached with With, and
// the Xf helpers are for the common single-line, printf-style messages.
type Logger struct {
	level *slog.LevelVar
	base  *slog.Logger
}

var std = New(os.Stderr, LevelInfo)

// Default returns the process-wide logger. Session code should prefer
// explicit injection, but leaf helpers that can't easily carry a Logger
// (e.g. package-level constructors) fall back to this.
func Default() *Logger { return std }

// SetDefault replaces the process-wide logger, used once at startup after
// the configured log level is known.
func SetDefault(l *Logger) { std = l }

func New(w io.Writer, level Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{level: lv, base: slog.New(handler)}
}

func (l *Logger) SetLevel(level Level) { l.level.Set(level.slogLevel()) }

func (l *Logger) IsOutput(level Level) bool { return l.base.Enabled(context.Background(), level.slogLevel()) }

func (l *Logger) With(args ...any) *Logger {
	return &Logger{level: l.level, base: l.base.With(args...)}
}

func (l *Logger) log(level Level, format string, v ...any) {
	if !l.IsOutput(level) {
		return
	}
	l.base.Log(context.Background(), level.slogLevel(), fmt.Sprintf(format, v...))
}

func (l *Logger) Verbosef(format string, v ...any) { l.log(LevelTrace, format, v...) }
func (l *Logger) Debugf(format string, v ...any)   { l.log(LevelDebug, format, v...) }
func (l *Logger) Infof(format string, v ...any)    { l.log(LevelInfo, format, v...) }
func (l *Logger) Warnf(format string, v ...any)    { l.log(LevelWarn, format, v...) }
func (l *Logger) Errorf(format string, v ...any)   { l.log(LevelError, format, v...) }
