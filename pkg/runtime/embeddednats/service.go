// Package embeddednats provides a runner.Service adapter for the embedded
// NATS server. Used in single-binary development mode where gateway,
// worker and broker share one process.
package embeddednats

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fiskal/cmdrelay/pkg/infrastructure/nats"
	"github.com/fiskal/cmdrelay/pkg/observability"
	"github.com/fiskal/cmdrelay/pkg/runner"
)

// Service wraps an embedded NATS server as a runner.Service.
type Service struct {
	server *nats.EmbeddedServer
	logger runner.Logger
	tracer trace.Tracer
}

// Option configures the NATS service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a new embedded NATS service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
		logger: runner.NewNoopLogger(),
		tracer: noop.NewTracerProvider().Tracer("embeddednats"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "embedded-nats"
}

// Start starts the embedded NATS server.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer span.End()

	s.logger.Info("starting embedded NATS server")

	srv, err := nats.StartEmbeddedServer()
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))

	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop gracefully shuts down the embedded NATS server.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}

	return nil
}

// HealthCheck checks if the NATS server is running and responsive.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer span.End()

	if s.server == nil {
		err := fmt.Errorf("nats server not started")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := nats.Connect(s.server)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()

	span.SetAttributes(attribute.Bool("healthy", true))
	return nil
}

// URL returns the NATS server connection URL.
// Only available after Start() succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
