package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

// BatchProcessor is the orchestrator entry point the scheduler triggers
type BatchProcessor interface {
	ProcessBatch(ctx context.Context) (*service.BatchResult, error)
}

// Scheduler triggers a settlement batch on a fixed interval. It holds no business logic;
// the interval between ticks is also the retry backoff of requeued records.
type Scheduler struct {
	processor BatchProcessor
	logger    *slog.Logger
	interval  time.Duration
}

func NewScheduler(interval time.Duration, processor BatchProcessor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		processor: processor,
		logger:    logger.With("component", "batch_scheduler"),
		interval:  interval,
	}
}

// Start blocks, running a batch on every tick until ctx is canceled
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting batch scheduler", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Batch scheduler stopping due to context cancellation.")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one batch. Errors are logged and left for the next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	result, err := s.processor.ProcessBatch(ctx)
	switch {
	case errors.Is(err, service.ErrBatchInProgress):
		s.logger.Info("Previous batch still running, skipping tick")
	case errors.Is(err, context.Canceled):
		s.logger.Info("Batch skipped, scheduler is stopping")
	case err != nil:
		s.logger.Error("Settlement batch failed, will retry on next tick", "error", err)
	case result.Claimed > 0:
		s.logger.Info("Settlement batch tick complete",
			"batch_id", result.BatchID.String(),
			"claimed", result.Claimed,
			"completed", result.Completed,
			"requeued", result.Requeued,
			"failed", result.Failed,
			"released", result.Released,
		)
	default:
		s.logger.Debug("Settlement batch tick found nothing to do")
	}
}
