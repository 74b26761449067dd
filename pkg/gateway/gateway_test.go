package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/queue"
	"github.com/fiskal/cmdrelay/pkg/sqlite"
	"github.com/fiskal/cmdrelay/pkg/store"
)

// fakeQueue records publishes; it never delivers.
type fakeQueue struct {
	mu        sync.Mutex
	published []*command.Command
	failWith  error
}

func (q *fakeQueue) Publish(ctx context.Context, cmd *command.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.published = append(q.published, cmd)
	return nil
}

func (q *fakeQueue) Subscribe(handler queue.Handler) (queue.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

func newTestStore(t *testing.T) store.StatusStore {
	t.Helper()
	st, err := sqlite.NewStatusStore(
		sqlite.WithMemoryDatabase(),
		sqlite.WithWALMode(false),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestGateway(t *testing.T, q queue.WorkQueue, d *command.Dispatcher) (*Gateway, store.StatusStore) {
	t.Helper()
	st := newTestStore(t)
	config := DefaultConfig()
	config.PendingPollInterval = 10 * time.Millisecond
	return New(st, q, d, config), st
}

func submitReturnDispatcher(t *testing.T) *command.Dispatcher {
	t.Helper()
	d := command.NewDispatcher()
	d.Register("vat.SubmitReturn", command.HandlerFunc(
		func(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
			var payload struct {
				Period string `json:"period"`
			}
			if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.Period == "" {
				return &command.Outcome{
					Error: command.NewValidationError("period is required", nil),
				}, nil
			}
			result, err := command.NewResult(http.StatusCreated, map[string]string{"period": payload.Period})
			require.NoError(t, err)
			return &command.Outcome{Result: result}, nil
		}))
	return d
}

func TestGateway_AsyncSubmissionAccepted(t *testing.T) {
	q := &fakeQueue{}
	g, st := newTestGateway(t, q, submitReturnDispatcher(t))

	reply, err := g.Handle(context.Background(), &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, reply.StatusCode)
	assert.Equal(t, "req-1", reply.RequestID)
	assert.True(t, reply.Pending)
	assert.Equal(t, 1, q.count())

	rec, err := st.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, rec.Status)
}

func TestGateway_DuplicateSubmissionPublishesOnce(t *testing.T) {
	q := &fakeQueue{}
	g, _ := newTestGateway(t, q, submitReturnDispatcher(t))

	sub := &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	}

	for i := 0; i < 3; i++ {
		reply, err := g.Handle(context.Background(), sub)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, reply.StatusCode)
	}

	assert.Equal(t, 1, q.count(), "repeated submissions must not re-publish")
}

func TestGateway_SyncExecutesInline(t *testing.T) {
	q := &fakeQueue{}
	g, st := newTestGateway(t, q, submitReturnDispatcher(t))

	reply, err := g.Handle(context.Background(), &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
		WaitBudget:  time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, reply.StatusCode)
	assert.False(t, reply.Pending)
	assert.JSONEq(t, `{"period":"2026-01"}`, string(reply.Body))
	assert.Equal(t, 0, q.count(), "sync path must not publish")

	rec, err := st.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, rec.Status)
}

func TestGateway_SyncValidationFailure(t *testing.T) {
	q := &fakeQueue{}
	g, st := newTestGateway(t, q, submitReturnDispatcher(t))

	reply, err := g.Handle(context.Background(), &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{}`),
		WaitBudget:  time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, reply.StatusCode)
	assert.Equal(t, 0, q.count(), "business failure must not reach the queue")

	var body command.DomainError
	require.NoError(t, json.Unmarshal(reply.Body, &body))
	assert.Equal(t, "VALIDATION_FAILED", body.Code)

	rec, err := st.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, rec.Status)
}

func TestGateway_ReplaysTerminalRecordVerbatim(t *testing.T) {
	q := &fakeQueue{}
	g, _ := newTestGateway(t, q, submitReturnDispatcher(t))

	sub := &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
		WaitBudget:  time.Second,
	}

	first, err := g.Handle(context.Background(), sub)
	require.NoError(t, err)

	// Later polls, with or without a wait budget, replay the stored result.
	sub.WaitBudget = 0
	second, err := g.Handle(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, string(first.Body), string(second.Body))
	assert.Equal(t, 0, q.count())
}

func TestGateway_UnknownOperation(t *testing.T) {
	q := &fakeQueue{}
	g, st := newTestGateway(t, q, submitReturnDispatcher(t))

	reply, err := g.Handle(context.Background(), &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.Nope",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, reply.StatusCode)
	assert.Equal(t, 0, q.count())

	// Unroutable submissions never create a record.
	_, err = st.Get(context.Background(), "req-1")
	assert.ErrorIs(t, err, command.ErrRecordNotFound)
}

func TestGateway_PublishFailureRollsBack(t *testing.T) {
	q := &fakeQueue{failWith: errors.New("broker down")}
	g, st := newTestGateway(t, q, submitReturnDispatcher(t))

	_, err := g.Handle(context.Background(), &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	})
	require.Error(t, err)

	// The pending record must not survive a failed handoff, or the client
	// would poll a command nothing will ever execute.
	_, err = st.Get(context.Background(), "req-1")
	assert.ErrorIs(t, err, command.ErrRecordNotFound)
}

func TestGateway_DerivesRequestIDWhenAbsent(t *testing.T) {
	q := &fakeQueue{}
	g, _ := newTestGateway(t, q, submitReturnDispatcher(t))

	sub := &Submission{
		PrincipalID: "tenant-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	}

	first, err := g.Handle(context.Background(), sub)
	require.NoError(t, err)
	require.NotEmpty(t, first.RequestID)

	second, err := g.Handle(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, first.RequestID, second.RequestID,
		"identical submissions must derive the same request id")
	assert.Equal(t, 1, q.count())
}

func TestGateway_AwaitPendingSeesWorkerCompletion(t *testing.T) {
	q := &fakeQueue{}
	g, st := newTestGateway(t, q, submitReturnDispatcher(t))
	ctx := context.Background()

	// First submission goes async.
	_, err := g.Handle(ctx, &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	})
	require.NoError(t, err)

	// A worker finalizes the record while the second call waits.
	go func() {
		time.Sleep(50 * time.Millisecond)
		result, _ := command.NewResult(http.StatusCreated, map[string]string{"period": "2026-01"})
		_ = st.Complete(ctx, "req-1", result, nil)
	}()

	reply, err := g.Handle(ctx, &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
		WaitBudget:  2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, reply.StatusCode)
	assert.False(t, reply.Pending)
}

func TestGateway_AwaitPendingTimesOutWith202(t *testing.T) {
	q := &fakeQueue{}
	g, _ := newTestGateway(t, q, submitReturnDispatcher(t))
	ctx := context.Background()

	_, err := g.Handle(ctx, &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
	})
	require.NoError(t, err)

	reply, err := g.Handle(ctx, &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
		WaitBudget:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, reply.StatusCode)
	assert.True(t, reply.Pending)
}

func TestGateway_InlineInfrastructureFaultRollsBack(t *testing.T) {
	d := command.NewDispatcher()
	d.Register("vat.SubmitReturn", command.HandlerFunc(
		func(ctx context.Context, cmd *command.Command) (*command.Outcome, error) {
			return nil, fmt.Errorf("downstream unavailable")
		}))

	q := &fakeQueue{}
	g, st := newTestGateway(t, q, d)

	_, err := g.Handle(context.Background(), &Submission{
		PrincipalID: "tenant-1",
		RequestID:   "req-1",
		Operation:   "vat.SubmitReturn",
		Payload:     []byte(`{"period":"2026-01"}`),
		WaitBudget:  time.Second,
	})
	require.Error(t, err)

	_, err = st.Get(context.Background(), "req-1")
	assert.ErrorIs(t, err, command.ErrRecordNotFound)
}

func TestGateway_RequiresPrincipal(t *testing.T) {
	q := &fakeQueue{}
	g, _ := newTestGateway(t, q, submitReturnDispatcher(t))

	_, err := g.Handle(context.Background(), &Submission{
		Operation: "vat.SubmitReturn",
	})
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
}
