package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fiskal/cmdrelay/pkg/security/principal"
)

// Protocol headers.
const (
	// HeaderWaitTime is the client's synchronous wait budget in
	// milliseconds. Default 0: never block.
	HeaderWaitTime = "x-wait-time-ms"

	// HeaderRequestID carries the request id. Present on every response;
	// clients echo it back on retries so repeated calls are recognized as
	// the same command.
	HeaderRequestID = "x-request-id"
)

// HTTPHandler exposes the gateway over HTTP. Commands are posted to
// /commands/{operation}; the body is the opaque payload.
type HTTPHandler struct {
	gateway  *Gateway
	resolver principal.Resolver
	logger   *slog.Logger

	// maxBodyBytes bounds the request payload size.
	maxBodyBytes int64
}

// HTTPOption configures an HTTPHandler.
type HTTPOption func(*HTTPHandler)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPHandler) {
		h.logger = logger
	}
}

// WithMaxBodyBytes caps the accepted payload size.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(h *HTTPHandler) {
		h.maxBodyBytes = n
	}
}

// NewHTTPHandler creates the HTTP surface over a gateway.
func NewHTTPHandler(g *Gateway, resolver principal.Resolver, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		gateway:      g,
		resolver:     resolver,
		logger:       slog.Default(),
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	operation := strings.TrimPrefix(r.URL.Path, "/commands/")
	if operation == "" || operation == r.URL.Path {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
		return
	}

	principalID, err := h.resolver.Resolve(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, principal.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials")
			return
		}
		h.logger.Error("principal resolution failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "authentication backend unavailable")
		return
	}

	waitBudget, err := parseWaitBudget(r.Header.Get(HeaderWaitTime))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WAIT_TIME", err.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body")
		return
	}

	reply, err := h.gateway.Handle(r.Context(), &Submission{
		PrincipalID: principalID,
		RequestID:   r.Header.Get(HeaderRequestID),
		Operation:   operation,
		Payload:     payload,
		WaitBudget:  waitBudget,
	})
	if err != nil {
		h.logger.Error("gateway request failed",
			"operation", operation,
			"principal_id", principalID,
			"error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "temporarily unable to process the command")
		return
	}

	h.logger.Info("gateway request",
		"operation", operation,
		"principal_id", principalID,
		"request_id", reply.RequestID,
		"status", reply.StatusCode,
		"pending", reply.Pending,
		"duration_ms", time.Since(start).Milliseconds())

	w.Header().Set(HeaderRequestID, reply.RequestID)
	if len(reply.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(reply.StatusCode)
	w.Write(reply.Body)
}

func parseWaitBudget(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return 0, errors.New("x-wait-time-ms must be a non-negative integer")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"code":        code,
		"status_code": statusCode,
		"message":     message,
	})
}
