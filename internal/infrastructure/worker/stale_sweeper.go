package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
)

// StaleSweeperConfig holds configuration for the stale dispatch sweeper
type StaleSweeperConfig struct {
	// StaleAfter is how long an item may stay dispatched before its outcome
	// counts as unknown
	StaleAfter time.Duration
	Interval   time.Duration
}

// DefaultStaleSweeperConfig returns default configuration
func DefaultStaleSweeperConfig() StaleSweeperConfig {
	return StaleSweeperConfig{
		StaleAfter: 15 * time.Minute,
		Interval:   time.Minute,
	}
}

// StaleMarker is the repository call the sweeper drives
type StaleMarker interface {
	MarkStale(ctx context.Context, olderThan time.Time, reason string) (int64, error)
}

// StaleSweeper fails line items left in dispatched, typically after a crash
// mid-run, so that they become retry-eligible
type StaleSweeper struct {
	config  StaleSweeperConfig
	items   StaleMarker
	onSweep func(n int64)
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
	swept     int64
}

// NewStaleSweeper creates a sweeper. onSweep, if set, is told how many
// items each pass failed.
func NewStaleSweeper(config StaleSweeperConfig, items StaleMarker, onSweep func(n int64), logger *zap.Logger) *StaleSweeper {
	def := DefaultStaleSweeperConfig()
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaleSweeper{
		config:  config,
		items:   items,
		onSweep: onSweep,
		logger:  logger,
		now:     time.Now,
	}
}

// Name returns the worker name for identification
func (w *StaleSweeper) Name() string {
	return "StaleDispatchSweeper"
}

// Start begins the sweep loop
func (w *StaleSweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return fmt.Errorf("stale sweeper already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.isRunning = true

	w.logger.Info("StaleDispatchSweeper started",
		zap.Duration("stale_after", w.config.StaleAfter),
		zap.Duration("interval", w.config.Interval))

	go w.loop(loopCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to finish
func (w *StaleSweeper) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("StaleDispatchSweeper stopped", zap.Int64("swept_total", w.Swept()))
	return nil
}

// Swept returns how many items the sweeper has failed so far
func (w *StaleSweeper) Swept() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.swept
}

func (w *StaleSweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("Failed to sweep stale dispatches", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs a single pass and returns how many items it failed
func (w *StaleSweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.config.StaleAfter)
	n, err := w.items.MarkStale(ctx, cutoff, entity.ReasonOutcomeUnknown)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale items: %w", err)
	}

	if n > 0 {
		w.mu.Lock()
		w.swept += n
		w.mu.Unlock()
		w.logger.Warn("Stale dispatches failed",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff))
	}
	if w.onSweep != nil {
		w.onSweep(n)
	}
	return n, nil
}
