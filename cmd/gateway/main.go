// Command gateway runs the HTTP front of the command relay: it accepts
// commands, answers synchronous calls inline and hands asynchronous ones to
// the work queue.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keeper for development

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/gateway"
	"github.com/fiskal/cmdrelay/pkg/middleware"
	"github.com/fiskal/cmdrelay/pkg/observability"
	natsqueue "github.com/fiskal/cmdrelay/pkg/queue/nats"
	"github.com/fiskal/cmdrelay/pkg/runner"
	"github.com/fiskal/cmdrelay/pkg/runtime/embeddednats"
	"github.com/fiskal/cmdrelay/pkg/runtime/httpserver"
	"github.com/fiskal/cmdrelay/pkg/security/credentials"
	"github.com/fiskal/cmdrelay/pkg/security/principal"
	"github.com/fiskal/cmdrelay/pkg/sqlite"
	"github.com/fiskal/cmdrelay/pkg/vat"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "cmdrelay-gateway",
		ServiceVersion: version,
		Environment:    envOr("CMDRELAY_ENV", "dev"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Shutdown(ctx)

	st, err := sqlite.NewStatusStore(
		sqlite.WithDSN(envOr("CMDRELAY_SQLITE_DSN", "file:cmdrelay.db?cache=shared")),
	)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer st.Close()

	services := []runner.Service{}

	natsURL := os.Getenv("CMDRELAY_NATS_URL")
	if natsURL == "" {
		// Development mode: run the broker in-process.
		embedded := embeddednats.New(
			embeddednats.WithLogger(runner.NewSlogLogger(logger)),
			embeddednats.WithTracer(tel.Tracer("embeddednats")),
		)
		if err := embedded.Start(ctx); err != nil {
			return err
		}
		defer embedded.Stop(ctx)
		natsURL = embedded.URL()
	}

	queueConfig := natsqueue.DefaultConfig()
	queueConfig.URL = natsURL
	q, err := natsqueue.NewWorkQueue(queueConfig, natsqueue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect work queue: %w", err)
	}
	defer q.Close()

	dispatcher := command.NewDispatcher()
	dispatcher.Use(middleware.Recovery(logger))
	dispatcher.Use(observability.DispatchMiddleware(tel))
	dispatcher.Use(middleware.Logging(logger))
	vat.NewService().Register(dispatcher)

	gwConfig := gateway.DefaultConfig()
	if v := os.Getenv("CMDRELAY_MAX_WAIT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CMDRELAY_MAX_WAIT_MS: %w", err)
		}
		gwConfig.MaxWaitBudget = time.Duration(ms) * time.Millisecond
	}

	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	if tel.Metrics != nil {
		gwOpts = append(gwOpts, gateway.WithMetrics(tel.Metrics))
	}
	gw := gateway.New(st, q, dispatcher, gwConfig, gwOpts...)

	resolver, closeResolver, err := buildResolver(ctx)
	if err != nil {
		return fmt.Errorf("build principal resolver: %w", err)
	}
	defer closeResolver()

	handler := gateway.NewHTTPHandler(gw, resolver, gateway.WithHTTPLogger(logger))

	services = append(services, httpserver.New(
		envOr("CMDRELAY_HTTP_ADDR", ":8080"),
		handler,
		httpserver.WithLogger(runner.NewSlogLogger(logger)),
	))

	r := runner.New(services,
		runner.WithLogger(runner.NewSlogLogger(logger)),
		runner.WithShutdownTimeout(30*time.Second),
	)
	return r.Run(ctx)
}

// version is stamped at build time via -ldflags.
var version = "dev"

// buildResolver selects how bearer tokens map to principals. A JWT secret
// (direct, or via a gocloud secret keeper) enables JWT verification;
// CMDRELAY_STATIC_TOKENS is the fallback for local setups.
func buildResolver(ctx context.Context) (principal.Resolver, func(), error) {
	noop := func() {}

	if keeperURL := os.Getenv("CMDRELAY_SECRET_KEEPER_URL"); keeperURL != "" {
		ciphertext, err := base64.StdEncoding.DecodeString(os.Getenv("CMDRELAY_JWT_SECRET_CIPHERTEXT"))
		if err != nil {
			return nil, noop, fmt.Errorf("decode CMDRELAY_JWT_SECRET_CIPHERTEXT: %w", err)
		}
		provider, err := credentials.NewSecretProvider(ctx, keeperURL, ciphertext, 5*time.Minute)
		if err != nil {
			return nil, noop, err
		}
		return principal.NewJWTResolver(provider), func() { _ = provider.Close() }, nil
	}

	if os.Getenv("CMDRELAY_JWT_SECRET") != "" {
		provider := credentials.NewEnvProvider("CMDRELAY_JWT_SECRET")
		return principal.NewJWTResolver(provider), func() { _ = provider.Close() }, nil
	}

	if raw := os.Getenv("CMDRELAY_STATIC_TOKENS"); raw != "" {
		tokens := map[string]string{}
		for _, pair := range strings.Split(raw, ",") {
			token, principalID, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, noop, fmt.Errorf("malformed CMDRELAY_STATIC_TOKENS entry %q", pair)
			}
			tokens[strings.TrimSpace(token)] = strings.TrimSpace(principalID)
		}
		return principal.NewStaticResolver(tokens), noop, nil
	}

	return nil, noop, fmt.Errorf("no authentication configured: set CMDRELAY_JWT_SECRET, CMDRELAY_SECRET_KEEPER_URL or CMDRELAY_STATIC_TOKENS")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("CMDRELAY_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
