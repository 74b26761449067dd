package runner

import "log/slog"

// Logger is a simple logging interface that the runner uses.
// Implementations can wrap any logging library (zap, logrus, slog, etc).
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

// NewNoopLogger returns a no-op logger.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// slogAdapter wraps *slog.Logger as a runner.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

// NewSlogLogger wraps an slog logger for use with the Runner.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return slogAdapter{logger: logger}
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, keysAndValues...)
}

func (a slogAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, keysAndValues...)
}

func (a slogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}
