// Package client implements the caller-side polling loop of the command
// protocol: submit, then re-ask "is it done yet?" with tiered backoff until
// a terminal answer, a timeout, or cancellation.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrAborted is returned when the caller's context is cancelled while
// waiting between polls.
var ErrAborted = errors.New("polling aborted")

// Doer abstracts the HTTP transport; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds client configuration.
type Config struct {
	// Backoff is the polling schedule.
	Backoff BackoffPolicy

	// Timeout bounds the total wall-clock time spent polling. When it
	// elapses the client returns the last-seen 202 response rather than
	// an error, so the caller can resume polling later with the same
	// request id.
	Timeout time.Duration

	// WaitBudget is sent as x-wait-time-ms on every request: how long the
	// gateway may block for an inline answer. Zero requests pure async.
	WaitBudget time.Duration

	// FireAndForget returns the first 202 as-is without entering the
	// polling loop.
	FireAndForget bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backoff: DefaultBackoffPolicy(),
		Timeout: 60 * time.Second,
	}
}

// Response is the final answer of one logical command submission.
type Response struct {
	StatusCode int
	Body       []byte

	// RequestID identifies the command; with a still-pending response the
	// caller can resume polling later using the same id.
	RequestID string

	// Pending is true when the final response is still a 202: the client
	// gave up (timeout or fire-and-forget) before the work finished.
	Pending bool

	// Polls is the number of underlying HTTP calls made.
	Polls int
}

// Client submits commands to a gateway and polls them to completion.
type Client struct {
	baseURL string
	http    Doer
	config  Config
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDoer sets the HTTP transport.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.http = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, config Config, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    http.DefaultClient,
		config:  config,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// submission carries per-call options.
type submission struct {
	requestID     string
	authorization string
}

// SubmitOption configures one Submit call.
type SubmitOption func(*submission)

// WithRequestID supplies the idempotency key instead of generating one.
func WithRequestID(id string) SubmitOption {
	return func(s *submission) {
		s.requestID = id
	}
}

// WithAuthorization sets the Authorization header value.
func WithAuthorization(value string) SubmitOption {
	return func(s *submission) {
		s.authorization = value
	}
}

// Submit sends one logical command and polls until a terminal response, the
// configured timeout, or ctx cancellation.
//
// The request id is generated once and reused for every retry, so the
// gateway recognizes all polls as the same command. Any response other than
// 202 is terminal and returned immediately. On timeout the last 202 is
// returned with Pending set; only cancellation produces an error.
func (c *Client) Submit(ctx context.Context, operation string, payload []byte, opts ...SubmitOption) (*Response, error) {
	sub := submission{requestID: uuid.NewString()}
	for _, opt := range opts {
		opt(&sub)
	}

	start := time.Now()

	resp, err := c.call(ctx, operation, payload, &sub)
	if err != nil {
		return nil, err
	}
	polls := 1

	if resp.StatusCode != http.StatusAccepted {
		resp.Polls = polls
		return resp, nil
	}
	if c.config.FireAndForget {
		resp.Pending = true
		resp.Polls = polls
		return resp, nil
	}

	last := resp
	for poll := 1; ; poll++ {
		delay := c.config.Backoff.Delay(poll)

		// Never exceed the overall timeout: if the next poll cannot start
		// within it, give up now and hand back the last pending response.
		if time.Since(start)+delay >= c.config.Timeout {
			c.logger.Debug("polling timed out",
				"request_id", sub.requestID,
				"polls", polls,
				"elapsed", time.Since(start))
			last.Pending = true
			last.Polls = polls
			return last, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		case <-timer.C:
		}

		resp, err := c.call(ctx, operation, payload, &sub)
		if err != nil {
			return nil, err
		}
		polls++

		if resp.StatusCode != http.StatusAccepted {
			resp.Polls = polls
			return resp, nil
		}
		last = resp
	}
}

// call issues one HTTP request carrying the protocol headers.
func (c *Client) call(ctx context.Context, operation string, payload []byte, sub *submission) (*Response, error) {
	endpoint, err := url.JoinPath(c.baseURL, "commands", operation)
	if err != nil {
		return nil, fmt.Errorf("build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-request-id", sub.requestID)
	req.Header.Set("x-wait-time-ms", fmt.Sprintf("%d", c.config.WaitBudget.Milliseconds()))
	if sub.authorization != "" {
		req.Header.Set("Authorization", sub.authorization)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	requestID := httpResp.Header.Get("x-request-id")
	if requestID == "" {
		requestID = sub.requestID
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		RequestID:  requestID,
		Pending:    httpResp.StatusCode == http.StatusAccepted,
	}, nil
}
