package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
// Used for tests and single-binary development mode.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an embedded NATS server on a random port.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		JetStream: true,
		StoreDir:  "", // Use temp directory
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server gracefully.
// Safe to call multiple times; only the first call performs shutdown.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("embedded NATS server shutdown timed out", "timeout", "5s")
		}
	})
}

// Connect connects a client to the embedded server.
func Connect(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}
