package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey struct{}

type fields struct {
	index  string
	worker string
}

func Setup(level string, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w without touching the process default.
func New(w io.Writer, level string, format string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func WithIndex(ctx context.Context, indexName string) context.Context {
	f := fieldsFrom(ctx)
	f.index = indexName
	return context.WithValue(ctx, contextKey{}, f)
}

func WithWorker(ctx context.Context, worker string) context.Context {
	f := fieldsFrom(ctx)
	f.worker = worker
	return context.WithValue(ctx, contextKey{}, f)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	f := fieldsFrom(ctx)
	if f.worker != "" {
		logger = logger.With("worker", f.worker)
	}
	if f.index != "" {
		logger = logger.With("index", f.index)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func fieldsFrom(ctx context.Context) fields {
	if f, ok := ctx.Value(contextKey{}).(fields); ok {
		return f
	}
	return fields{}
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
