package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDoer answers each call with the next scripted status code,
// repeating the last one once the script runs out.
type scriptedDoer struct {
	mu       sync.Mutex
	statuses []int
	calls    int
	requests []*http.Request
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.calls
	if idx >= len(d.statuses) {
		idx = len(d.statuses) - 1
	}
	d.calls++
	d.requests = append(d.requests, req)

	status := d.statuses[idx]
	body := `{"status":"pending"}`
	if status != http.StatusAccepted {
		body = `{"return_id":"R1"}`
	}

	resp := &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
	resp.Header.Set("x-request-id", req.Header.Get("x-request-id"))
	return resp, nil
}

func fastConfig() Config {
	return Config{
		Backoff: BackoffPolicy{
			FastDelay: time.Millisecond,
			FastPolls: 10,
			SlowDelay: 5 * time.Millisecond,
		},
		Timeout: time.Second,
	}
}

func TestClient_TerminalOnFirstCall(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{http.StatusCreated}}
	c := New("http://gateway", fastConfig(), WithDoer(doer))

	resp, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.False(t, resp.Pending)
	assert.Equal(t, 1, resp.Polls)
}

func TestClient_PollsUntilTerminal(t *testing.T) {
	// 11 pending answers, then the result: 12 calls in total.
	statuses := make([]int, 0, 12)
	for i := 0; i < 11; i++ {
		statuses = append(statuses, http.StatusAccepted)
	}
	statuses = append(statuses, http.StatusCreated)

	doer := &scriptedDoer{statuses: statuses}
	c := New("http://gateway", fastConfig(), WithDoer(doer))

	resp, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.False(t, resp.Pending)
	assert.Equal(t, 12, resp.Polls)
}

func TestClient_RequestIDReusedAcrossPolls(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{
		http.StatusAccepted, http.StatusAccepted, http.StatusOK,
	}}
	c := New("http://gateway", fastConfig(), WithDoer(doer))

	resp, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, doer.requests, 3)

	first := doer.requests[0].Header.Get("x-request-id")
	require.NotEmpty(t, first)
	for i, req := range doer.requests {
		assert.Equal(t, first, req.Header.Get("x-request-id"), "request %d", i)
	}
	assert.Equal(t, first, resp.RequestID)
}

func TestClient_ExplicitRequestID(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{http.StatusOK}}
	c := New("http://gateway", fastConfig(), WithDoer(doer))

	resp, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`),
		WithRequestID("req-custom"))
	require.NoError(t, err)

	assert.Equal(t, "req-custom", resp.RequestID)
	assert.Equal(t, "req-custom", doer.requests[0].Header.Get("x-request-id"))
}

func TestClient_TimeoutReturnsLastPending(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{http.StatusAccepted}}

	config := fastConfig()
	config.Timeout = 20 * time.Millisecond
	c := New("http://gateway", config, WithDoer(doer))

	start := time.Now()
	resp, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`))
	require.NoError(t, err, "timeout is not an error")

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.Pending)
	assert.NotEmpty(t, resp.RequestID, "caller must be able to resume polling")
	assert.Less(t, time.Since(start), config.Timeout+50*time.Millisecond,
		"polling must not overshoot the timeout")
}

func TestClient_CancellationAborts(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{http.StatusAccepted}}

	config := fastConfig()
	config.Backoff.FastDelay = time.Second
	c := New("http://gateway", config, WithDoer(doer))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Submit(ctx, "vat.SubmitReturn", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"cancellation must interrupt the backoff wait")
}

func TestClient_FireAndForget(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{http.StatusAccepted}}

	config := fastConfig()
	config.FireAndForget = true
	c := New("http://gateway", config, WithDoer(doer))

	resp, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`))
	require.NoError(t, err)

	assert.True(t, resp.Pending)
	assert.Equal(t, 1, resp.Polls)
	assert.Equal(t, 1, doer.calls)
}

func TestClient_SendsProtocolHeaders(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{http.StatusOK}}

	config := fastConfig()
	config.WaitBudget = 1500 * time.Millisecond
	c := New("http://gateway", config, WithDoer(doer))

	_, err := c.Submit(context.Background(), "vat.SubmitReturn", []byte(`{}`),
		WithAuthorization("Bearer tok"))
	require.NoError(t, err)

	req := doer.requests[0]
	assert.Equal(t, "http://gateway/commands/vat.SubmitReturn", req.URL.String())
	assert.Equal(t, "1500", req.Header.Get("x-wait-time-ms"))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}
