// Package logger carries a [slog.Logger] through a [context.Context],
// so library packages can log with whatever logger their caller set up,
// and falls back to the default logger when none was set.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type ctxKey struct{}

var ctxLoggerKey = ctxKey{}

// InContext attaches a logger to the given context. Connections created
// with this context log through it.
func InContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, l)
}

// FromContext returns the logger attached to the given context, or the
// process-wide default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxLoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// FatalError logs an unrecoverable error and exits the process. Meant
// for main functions, not for library code.
func FatalError(msg string, err error, attrs ...slog.Attr) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:]) // Report the caller, not this helper.

	r := slog.NewRecord(time.Now(), slog.LevelError, msg, pcs[0])
	if err != nil {
		r.AddAttrs(slog.Any("error", err))
	}
	r.AddAttrs(attrs...)

	_ = slog.Default().Handler().Handle(context.Background(), r)
	os.Exit(1)
}
