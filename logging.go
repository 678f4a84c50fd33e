package sendberry

import "github.com/blockberries/sendberry/pkg/logging"

// Logger defines the logging interface for sendberry.
// It is designed to be compatible with standard logging libraries
// such as slog, zap, and zerolog. See the zaplog package for a zap adapter.
//
// Implementations must be safe for concurrent use.
type Logger = logging.Logger

// NopLogger is a no-op logger implementation that discards all log messages.
// It is the default logger when no logger is configured.
type NopLogger = logging.NopLogger
