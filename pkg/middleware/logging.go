// Package middleware provides cross-cutting dispatch middleware shared by
// the gateway's synchronous path and the worker.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/fiskal/cmdrelay/pkg/command"
)

// Logging logs command execution with timing information using slog.
func Logging(logger *slog.Logger) command.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
			start := time.Now()

			logger.InfoContext(ctx, "executing command",
				slog.String("operation", cmd.Operation),
				slog.String("request_id", cmd.RequestID),
				slog.String("principal_id", cmd.PrincipalID),
			)

			outcome, err := next.Execute(ctx, cmd)

			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command execution faulted",
					slog.String("operation", cmd.Operation),
					slog.String("request_id", cmd.RequestID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			if !outcome.Succeeded() {
				logger.InfoContext(ctx, "command failed",
					slog.String("operation", cmd.Operation),
					slog.String("request_id", cmd.RequestID),
					slog.String("error_code", outcome.Error.Code),
					slog.Int64("duration_ms", duration.Milliseconds()),
				)
				return outcome, nil
			}

			logger.InfoContext(ctx, "command completed",
				slog.String("operation", cmd.Operation),
				slog.String("request_id", cmd.RequestID),
				slog.Int("status", outcome.Result.StatusCode),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return outcome, nil
		})
	}
}
