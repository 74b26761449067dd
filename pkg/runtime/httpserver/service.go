// Package httpserver provides a runner.Service adapter for an HTTP server.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fiskal/cmdrelay/pkg/runner"
)

// Service runs a net/http server under runner lifecycle management.
// Start binds the listener and serves in the background; Stop drains
// in-flight requests via http.Server.Shutdown.
type Service struct {
	addr    string
	handler http.Handler
	logger  runner.Logger

	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// Option configures the HTTP service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates an HTTP server service listening on addr.
func New(addr string, handler http.Handler, opts ...Option) *Service {
	s := &Service{
		addr:    addr,
		handler: handler,
		logger:  runner.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "http-server"
}

// Start binds the listener and begins serving requests.
// Returns once the listener is bound, not when the server exits.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server exited", "error", err)
			s.serveErr <- err
		}
		close(s.serveErr)
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// HealthCheck reports whether the server goroutine is still serving.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.server == nil {
		return fmt.Errorf("http server not started")
	}
	select {
	case err, ok := <-s.serveErr:
		if ok && err != nil {
			return err
		}
		return fmt.Errorf("http server no longer serving")
	default:
		return nil
	}
}

// Addr returns the bound listen address.
// Only available after Start() succeeds.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
