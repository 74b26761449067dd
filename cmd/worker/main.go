// Command worker consumes queued commands, executes them and finalizes
// their status records. Scale out by running more instances with the same
// durable consumer name.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/consumer"
	"github.com/fiskal/cmdrelay/pkg/middleware"
	"github.com/fiskal/cmdrelay/pkg/observability"
	natsqueue "github.com/fiskal/cmdrelay/pkg/queue/nats"
	"github.com/fiskal/cmdrelay/pkg/runner"
	"github.com/fiskal/cmdrelay/pkg/sqlite"
	"github.com/fiskal/cmdrelay/pkg/vat"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
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
		ServiceName:    "cmdrelay-worker",
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

	natsURL := os.Getenv("CMDRELAY_NATS_URL")
	if natsURL == "" {
		return fmt.Errorf("CMDRELAY_NATS_URL is required; the worker never embeds a broker")
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

	sweeperConfig := consumer.DefaultSweeperConfig()
	sweeper := consumer.NewSweeper(st, sweeperConfig, logger)

	if tel.Metrics != nil {
		err := tel.Metrics.RegisterStalePendingGauge(func(ctx context.Context) (int64, error) {
			return st.CountStalePending(ctx, sweeperConfig.StaleThreshold)
		})
		if err != nil {
			return fmt.Errorf("register stale pending gauge: %w", err)
		}
	}

	consumerOpts := []consumer.Option{consumer.WithLogger(logger)}
	if tel.Metrics != nil {
		consumerOpts = append(consumerOpts, consumer.WithMetrics(tel.Metrics))
	}

	services := []runner.Service{
		consumer.New(st, q, dispatcher, consumerOpts...),
		sweeper,
	}

	r := runner.New(services,
		runner.WithLogger(runner.NewSlogLogger(logger)),
		runner.WithShutdownTimeout(30*time.Second),
	)
	return r.Run(ctx)
}

// version is stamped at build time via -ldflags.
var version = "dev"

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
