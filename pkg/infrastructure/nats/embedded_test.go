package nats

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEmbeddedServer_StartConnectShutdown(t *testing.T) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	defer srv.Shutdown()

	if !strings.HasPrefix(srv.URL(), "nats://") {
		t.Errorf("expected a nats:// URL, got %q", srv.URL())
	}

	nc, err := Connect(srv)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	nc.Close()
}

func TestEmbeddedServer_ShutdownIsIdempotent(t *testing.T) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent shutdowns timed out")
	}
}

func TestEmbeddedServer_ShutdownWithoutServer(t *testing.T) {
	srv := &EmbeddedServer{}

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown of zero-value server hung")
	}
}
