package ingest

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = time.Hour

// Pruner deletes expired records and reports how many were removed.
type Pruner interface {
	Sweep(ctx context.Context) (int64, error)
}

// Sweeper runs retention sweeps periodically, off the request path.
type Sweeper struct {
	target   Pruner
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. If interval <= 0 it defaults to one hour.
func NewSweeper(target Pruner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		logger:   slog.Default().With("component", "sweeper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.target.Sweep(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Info("retention sweep removed records", "deleted", n, "duration", time.Since(start))
	}
	return n, nil
}
