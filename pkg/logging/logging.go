// Package logging defines the logging contract shared by every sendberry
// component.
package logging

// Logger defines the logging interface for sendberry.
// It is designed to be compatible with standard logging libraries
// such as slog, zap, and zerolog.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	// Used for per-packet and per-chunk diagnostics.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	// Used for connection lifecycle events.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	// Used for protocol violations by remote peers and for callback
	// misconfiguration.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	// Used for API misuse and failures that end a connection.
	Error(msg string, keysAndValues ...any)
}

// NopLogger is a no-op logger implementation that discards all log messages.
// It is the default logger when no logger is configured.
type NopLogger struct{}

// Ensure NopLogger implements Logger.
var _ Logger = NopLogger{}

// Debug implements Logger.Debug (no-op).
func (NopLogger) Debug(msg string, keysAndValues ...any) {}

// Info implements Logger.Info (no-op).
func (NopLogger) Info(msg string, keysAndValues ...any) {}

// Warn implements Logger.Warn (no-op).
func (NopLogger) Warn(msg string, keysAndValues ...any) {}

// Error implements Logger.Error (no-op).
func (NopLogger) Error(msg string, keysAndValues ...any) {}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
