package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/fiskal/cmdrelay/pkg/command"
)

// Recovery converts handler panics into infrastructure errors so a panicking
// domain handler triggers redelivery instead of killing the worker.
func Recovery(logger *slog.Logger) command.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (outcome *command.Outcome, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())

					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("operation", cmd.Operation),
						slog.String("request_id", cmd.RequestID),
						slog.Any("panic", r),
						slog.String("stack_trace", stack),
					)

					outcome = nil
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next.Execute(ctx, cmd)
		})
	}
}
