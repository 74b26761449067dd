package nats

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/queue"
	infranats "github.com/fiskal/cmdrelay/pkg/infrastructure/nats"
)

func newTestQueue(t *testing.T) *WorkQueue {
	t.Helper()

	srv, err := infranats.StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	config := DefaultConfig()
	config.URL = srv.URL()
	config.AckWait = 2 * time.Second

	q, err := NewWorkQueue(config)
	if err != nil {
		t.Fatalf("failed to create work queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testCommand(requestID string) *command.Command {
	return &command.Command{
		RequestID:   requestID,
		PrincipalID: "tenant-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	}
}

func TestWorkQueue_PublishSubscribeRoundtrip(t *testing.T) {
	q := newTestQueue(t)

	received := make(chan *queue.Delivery, 1)
	sub, err := q.Subscribe(func(ctx context.Context, d *queue.Delivery) error {
		received <- d
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := q.Publish(context.Background(), testCommand("req-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case d := <-received:
		if d.Command.RequestID != "req-1" {
			t.Errorf("unexpected request id: %s", d.Command.RequestID)
		}
		if d.Command.Operation != "vat.SubmitReturn" {
			t.Errorf("unexpected operation: %s", d.Command.Operation)
		}
		if string(d.Command.Payload) != `{"period":"2026-01"}` {
			t.Errorf("payload not preserved: %s", d.Command.Payload)
		}
		if d.Attempt != 1 {
			t.Errorf("expected attempt 1, got %d", d.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestWorkQueue_DuplicatePublishesCollapse(t *testing.T) {
	q := newTestQueue(t)

	var deliveries atomic.Int64
	sub, err := q.Subscribe(func(ctx context.Context, d *queue.Delivery) error {
		deliveries.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Same request id three times inside the dedup window.
	for i := 0; i < 3; i++ {
		if err := q.Publish(context.Background(), testCommand("req-1")); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	if err := q.Publish(context.Background(), testCommand("req-2")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(2 * time.Second)

	if got := deliveries.Load(); got != 2 {
		t.Errorf("expected 2 deliveries (one per request id), got %d", got)
	}
}

func TestWorkQueue_NakTriggersRedelivery(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	attempts := []uint64{}
	done := make(chan struct{})

	sub, err := q.Subscribe(func(ctx context.Context, d *queue.Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		count := len(attempts)
		mu.Unlock()

		if count == 1 {
			return context.DeadlineExceeded // any infrastructure-shaped error
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := q.Publish(context.Background(), testCommand("req-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected attempt numbers: %v", attempts)
	}
}

func TestWorkQueue_RejectsInvalidCommand(t *testing.T) {
	q := newTestQueue(t)

	if err := q.Publish(context.Background(), nil); err == nil {
		t.Error("expected error publishing nil command")
	}
	if err := q.Publish(context.Background(), &command.Command{}); err == nil {
		t.Error("expected error publishing command without request id")
	}
}
