// Package logger is the engine's default logger. It writes JSON lines through log/slog with the metadata keys
// flattened into the line.
package logger

import (
	"context"
	"io"
	"log/slog"
	"sort"
)

type Logger struct {
	log *slog.Logger
}

func New(w io.Writer) *Logger {
	// LevelDebug is set as the engine gates debug logs itself.
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Logger{
		log: slog.New(h).With(slog.String("lib", "jobflow")),
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, meta map[string]string) {
	l.log.LogAttrs(ctx, slog.LevelDebug, msg, attrs(meta)...)
}

func (l *Logger) Error(ctx context.Context, err error, meta map[string]string) {
	l.log.LogAttrs(ctx, slog.LevelError, err.Error(), attrs(meta)...)
}

func attrs(meta map[string]string) []slog.Attr {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		res = append(res, slog.String(k, meta[k]))
	}

	return res
}
