package command

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(t *testing.T) Handler {
	t.Helper()
	return HandlerFunc(func(ctx context.Context, cmd *Command) (*Outcome, error) {
		result, err := NewResult(http.StatusOK, map[string]string{"echo": string(cmd.Payload)})
		require.NoError(t, err)
		return &Outcome{Result: result}, nil
	})
}

func TestDispatcher_Dispatch(t *testing.T) {
	d := NewDispatcher()
	d.Register("test.Echo", echoHandler(t))

	outcome, err := d.Dispatch(context.Background(), &Command{
		RequestID: "req-1",
		Operation: "test.Echo",
		Payload:   []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	require.True(t, outcome.Succeeded())
	assert.Equal(t, http.StatusOK, outcome.StatusCode())
}

func TestDispatcher_OperationNotFound(t *testing.T) {
	d := NewDispatcher()

	_, err := d.Dispatch(context.Background(), &Command{
		RequestID: "req-1",
		Operation: "test.Missing",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOperationNotFound))
}

func TestDispatcher_InvalidCommand(t *testing.T) {
	d := NewDispatcher()

	_, err := d.Dispatch(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrInvalidCommand))

	_, err = d.Dispatch(context.Background(), &Command{RequestID: "req-1"})
	assert.True(t, errors.Is(err, ErrInvalidCommand))
}

func TestDispatcher_DuplicateRegistrationPanics(t *testing.T) {
	d := NewDispatcher()
	d.Register("test.Echo", echoHandler(t))

	assert.Panics(t, func() {
		d.Register("test.Echo", echoHandler(t))
	})
}

func TestDispatcher_Handles(t *testing.T) {
	d := NewDispatcher()
	assert.False(t, d.Handles("test.Echo"))

	d.Register("test.Echo", echoHandler(t))
	assert.True(t, d.Handles("test.Echo"))
}

func TestDispatcher_MiddlewareOrder(t *testing.T) {
	d := NewDispatcher()

	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, cmd *Command) (*Outcome, error) {
				order = append(order, name+":before")
				outcome, err := next.Execute(ctx, cmd)
				order = append(order, name+":after")
				return outcome, err
			})
		}
	}

	d.Use(mw("outer"))
	d.Use(mw("inner"))
	d.Register("test.Echo", echoHandler(t))

	_, err := d.Dispatch(context.Background(), &Command{
		RequestID: "req-1",
		Operation: "test.Echo",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, order)
}

func TestOutcome_StatusCode(t *testing.T) {
	result, err := NewResult(http.StatusCreated, map[string]string{"id": "1"})
	require.NoError(t, err)

	ok := &Outcome{Result: result}
	assert.True(t, ok.Succeeded())
	assert.Equal(t, http.StatusCreated, ok.StatusCode())

	failed := &Outcome{Error: NewDomainError("CONFLICT", http.StatusConflict, "taken")}
	assert.False(t, failed.Succeeded())
	assert.Equal(t, http.StatusConflict, failed.StatusCode())
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
