// Package mlog provides logging with protocol trace levels on top of
// log/slog.
//
// Protocol transcripts are logged with Trace at level LevelTrace.
// Authentication exchanges (messages with passwords) are logged at
// LevelTraceauth, and full data transfers (message contents) at
// LevelTracedata. Handlers that don't enable those levels don't see
// credentials or message data.
package mlog

import (
	"context"
	"log/slog"
	"strconv"
)

// Log levels for protocol traces, below slog.LevelDebug.
var (
	LevelTrace     slog.Level = slog.LevelDebug - 4
	LevelTraceauth slog.Level = slog.LevelDebug - 6
	LevelTracedata slog.Level = slog.LevelDebug - 8
)

// Log is a logger with convenience functions for logging with and without
// errors, and for protocol traces.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds field "pkg" to each logged line. If elog is
// nil, slog.Default() is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.Default()
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// WithFunc returns a Log that calls fn for each logged line, adding its
// attrs. Useful for delta timestamps between protocol commands.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(funcHandler{l.Logger.Handler(), fn})}
}

type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.h.Handle(ctx, r)
}

func (h funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h funcHandler) WithGroup(name string) slog.Handler {
	return funcHandler{h.h.WithGroup(name), h.fn}
}

func (l Log) log(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, msg, nil, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, nil, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, err, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelWarn, msg, nil, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelWarn, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, nil, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, err, attrs...)
}

// Trace logs data read from or written to a connection, as quoted string,
// with prefix indicating the direction.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if l.Logger.Enabled(context.Background(), level) {
		l.Logger.LogAttrs(context.Background(), level, prefix+strconv.QuoteToASCII(string(data)))
	}
}
