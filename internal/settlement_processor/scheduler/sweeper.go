package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// StaleRequeuer returns stuck PROCESSING records to PENDING
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sweeper reconciles records a crashed batch left in PROCESSING
type Sweeper struct {
	store      StaleRequeuer
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(interval, staleAfter time.Duration, store StaleRequeuer, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		logger:     logger.With("component", "reconciliation_sweeper"),
		interval:   interval,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start blocks, sweeping on every tick until ctx is canceled
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting reconciliation sweeper",
		"interval", s.interval.String(),
		"stale_after", s.staleAfter.String(),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweeper stopping due to context cancellation.")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep recovers records that have been PROCESSING for longer than staleAfter: back to
// PENDING, or to FAILED when no retries are left
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	threshold := s.now().Add(-s.staleAfter)
	n, err := s.store.RequeueStale(ctx, threshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Recovered stale settlements", "count", n, "older_than", threshold)
	} else {
		s.logger.Debug("No stale settlements found")
	}
	return n, nil
}
