// Package zaplog adapts a zap logger to the sendberry.Logger interface.
//
//	logger, _ := zap.NewProduction()
//	cfg := sendberry.NewConfig(router, sendberry.WithLogger(zaplog.New(logger)))
package zaplog

import (
	"go.uber.org/zap"

	"github.com/blockberries/sendberry"
)

// Logger implements sendberry.Logger with a zap.SugaredLogger. Key-value
// pairs are passed through as structured fields.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ sendberry.Logger = (*Logger)(nil)

// New wraps l. A nil l yields a logger that discards everything.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{sugar: l.Sugar()}
}

// Named returns a logger whose entries carry the given sub-logger name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named(name)}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes any buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
