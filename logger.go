package jobflow

import (
	"context"
	"os"

	"github.com/andrewwormald/jobflow/internal/logger"
)

type Logger interface {
	// Debug will be used by the engine for debug logs when in debug mode.
	Debug(ctx context.Context, msg string, meta MKV)
	// Error is used when writing errors to the logs.
	Error(ctx context.Context, err error)
}

// MKV is a multiple key value store for the logger to format into its output.
type MKV map[string]string

// engineLogger only forwards debug logs when debug mode is enabled.
type engineLogger struct {
	debugMode bool
	inner     Logger
}

func (l *engineLogger) Debug(ctx context.Context, msg string, meta MKV) {
	if !l.debugMode {
		return
	}

	l.inner.Debug(ctx, msg, meta)
}

func (l *engineLogger) Error(ctx context.Context, err error) {
	l.inner.Error(ctx, err)
}

type defaultLogger struct {
	l interface {
		Debug(ctx context.Context, msg string, meta map[string]string)
		Error(ctx context.Context, err error, meta map[string]string)
	}
}

func (d defaultLogger) Debug(ctx context.Context, msg string, meta MKV) {
	d.l.Debug(ctx, msg, meta)
}

func (d defaultLogger) Error(ctx context.Context, err error) {
	d.l.Error(ctx, err, nil)
}

func newDefaultLogger() Logger {
	return defaultLogger{l: logger.New(os.Stdout)}
}
