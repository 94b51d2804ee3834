package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"commsgate/internal/retryqueue"
)

// Sweeper runs one pass over due jobs.
type Sweeper interface {
	ProcessPendingJobs(ctx context.Context) (int, error)
}

// Worker drives the retry queue on a fixed interval
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	onUpdate func() // Callback for broadcasting updates
}

// New creates a new worker
func New(sweeper Sweeper, interval time.Duration, logger *slog.Logger, onUpdate func()) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		onUpdate: onUpdate,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Ticks that fire while a sweep is still running are dropped by the ticker,
// so sweeps never overlap.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("retry queue worker started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry queue worker shutting down")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.sweeper.ProcessPendingJobs(ctx)
	switch {
	case errors.Is(err, retryqueue.ErrSweepInProgress):
		w.logger.Debug("sweep already running, skipping tick")
		return
	case err != nil:
		w.logger.Error("sweep failed", "error", err)
		return
	}

	if n > 0 {
		w.logger.Debug("sweep finished", "processed", n)
		if w.onUpdate != nil {
			w.onUpdate()
		}
	}
}
