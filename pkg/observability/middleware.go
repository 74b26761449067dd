package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskal/cmdrelay/pkg/command"
)

// DispatchMiddleware wraps command dispatch with tracing and metrics.
func DispatchMiddleware(tel *Telemetry) command.Middleware {
	tracer := tel.Tracer("cmdrelay.dispatch")

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
			ctx, span := tracer.Start(ctx, cmd.Operation,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("command.operation", cmd.Operation),
					attribute.String("command.request_id", cmd.RequestID),
				),
			)
			defer span.End()

			start := time.Now()
			outcome, err := next.Execute(ctx, cmd)
			duration := time.Since(start)

			label := "completed"
			switch {
			case err != nil:
				label = "error"
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case !outcome.Succeeded():
				label = "failed"
				span.SetStatus(codes.Error, outcome.Error.Message)
				span.SetAttributes(
					attribute.String("command.error.code", outcome.Error.Code),
				)
			default:
				span.SetStatus(codes.Ok, "")
			}
			span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))

			if tel.Metrics != nil {
				tel.Metrics.RecordDispatch(ctx, cmd.Operation, duration, label)
			}

			return outcome, err
		})
	}
}

// SetSpanError records an error on the span in the current context.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
