package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/fiskal/cmdrelay/pkg/runner"
	"github.com/fiskal/cmdrelay/pkg/store"
)

// SweeperConfig configures the record sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// StaleThreshold is the age past which a pending record counts as
	// stale. A stale record means its queue message dead-lettered or a
	// publisher crashed mid-handoff; it is surfaced, never repaired.
	StaleThreshold time.Duration
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:       time.Minute,
		StaleThreshold: 10 * time.Minute,
	}
}

// Sweeper periodically deletes expired records and reports stale pending
// ones. It is the retention policy of status records and the operator's
// view into stuck work.
type Sweeper struct {
	store  store.StatusStore
	config SweeperConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the status store.
func NewSweeper(st store.StatusStore, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  st,
		config: config,
		logger: logger,
	}
}

// Name implements runner.Service.
func (s *Sweeper) Name() string {
	return "record-sweeper"
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(loopCtx)

	s.logger.Info("record sweeper started",
		"interval", s.config.Interval,
		"stale_threshold", s.config.StaleThreshold)
	return nil
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("failed to delete expired records", "error", err)
	} else if deleted > 0 {
		s.logger.Info("expired records deleted", "count", deleted)
	}

	stale, err := s.store.CountStalePending(ctx, s.config.StaleThreshold)
	if err != nil {
		s.logger.Error("failed to count stale pending records", "error", err)
		return
	}
	if stale > 0 {
		s.logger.Warn("stale pending records detected",
			"count", stale,
			"older_than", s.config.StaleThreshold)
	}
}

// Ensure Sweeper implements runner.Service.
var _ runner.Service = (*Sweeper)(nil)
