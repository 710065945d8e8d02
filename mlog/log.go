// Package mlog adds package-scoped log levels and an explicit-error calling
// convention on top of the standard library's log/slog.
//
// Each level has an "x" variant that takes an error value, so a call site
// logging a successful outcome (err == nil) reads identically in shape to one
// logging a failure: Debugx("dns lookup", err, slog.String("host", host)).
// Levels are configured per originating package (the "pkg" field added to
// every line), with an empty-string fallback for everything else.
package mlog

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Level mirrors the handful of levels this module's packages actually use.
// Debug is the noisy per-lookup/per-attempt line; Info is user-visible
// progress (policy match, DANE match); Error is a hard failure.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

var levelNames = map[Level]string{LevelError: "error", LevelInfo: "info", LevelDebug: "debug"}

func (l Level) String() string { return levelNames[l] }

var config atomic.Value // map[string]Level

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetLevel sets the minimum level logged for pkg. An empty pkg sets the
// fallback level used for packages without an explicit entry.
func SetLevel(pkg string, level Level) {
	old := config.Load().(map[string]Level)
	next := make(map[string]Level, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[pkg] = level
	config.Store(next)
}

func levelFor(pkg string) Level {
	levels := config.Load().(map[string]Level)
	if l, ok := levels[pkg]; ok {
		return l
	}
	return levels[""]
}

// Log is a package-scoped logging handle wrapping a *slog.Logger. The zero
// value logs to slog.Default() under package "".
type Log struct {
	pkg    string
	logger *slog.Logger
}

// New returns a Log for pkg. If parent is nil, slog.Default() is used. Every
// line logged through the result carries a "pkg" attribute.
func New(pkg string, parent *slog.Logger) Log {
	if parent == nil {
		parent = slog.Default()
	}
	return Log{pkg: pkg, logger: parent.With(slog.String("pkg", pkg))}
}

// Logger returns the underlying *slog.Logger, e.g. to hand to a collaborator
// that itself takes a plain *slog.Logger.
func (l Log) Logger() *slog.Logger { return l.logger }

// WithContext returns a copy of l. The context is not retained: slog
// handlers do not see ctx through log calls on the result.
func (l Log) WithContext(ctx context.Context) Log {
	return Log{pkg: l.pkg, logger: l.logger}
}

func (l Log) enabled(level Level) bool {
	return level <= levelFor(l.pkg)
}

func (l Log) logx(level Level, msg string, err error, attrs []slog.Attr) {
	if !l.enabled(level) {
		return
	}
	args := make([]any, 0, len(attrs)+1)
	if err != nil {
		args = append(args, slog.Any("err", err))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	switch level {
	case LevelError:
		l.logger.Error(msg, args...)
	case LevelInfo:
		l.logger.Info(msg, args...)
	default:
		l.logger.Debug(msg, args...)
	}
}

func (l Log) Debug(msg string, attrs ...slog.Attr)              { l.logx(LevelDebug, msg, nil, attrs) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr)  { l.logx(LevelDebug, msg, err, attrs) }
func (l Log) Info(msg string, attrs ...slog.Attr)               { l.logx(LevelInfo, msg, nil, attrs) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr)   { l.logx(LevelInfo, msg, err, attrs) }
func (l Log) Error(msg string, attrs ...slog.Attr)              { l.logx(LevelError, msg, nil, attrs) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr)  { l.logx(LevelError, msg, err, attrs) }
