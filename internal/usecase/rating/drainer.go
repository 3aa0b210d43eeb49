package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
	"github.com/simaogato/topup-engine/internal/worker"
)

// JobName identifies the rating drain pass for leases and metrics
const JobName = "ratings"

// Drainer consumes the rating queue, folding each rating into the target's
// running average at most once per rater
type Drainer struct {
	Queue    domain.RatingQueue
	Notifier domain.Notifier
	workers  int
	logger   *zap.Logger
	now      func() time.Time
}

// NewDrainer creates a new Drainer instance
func NewDrainer(queue domain.RatingQueue, notifier domain.Notifier, workers int, logger *zap.Logger) *Drainer {
	if workers < 1 {
		workers = 1
	}
	return &Drainer{
		Queue:    queue,
		Notifier: notifier,
		workers:  workers,
		logger:   logger.With(zap.String("processor", JobName)),
		now:      time.Now,
	}
}

// Drain processes every request queued at the start of the pass
func (d *Drainer) Drain(ctx context.Context) error {
	entries, err := d.Queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read rating queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	d.logger.Debug("draining rating queue", zap.Int("pending", len(entries)))

	return worker.ForEach(ctx, d.workers, entries, func(ctx context.Context, entry domain.Entry[domain.RatingRequest]) error {
		d.process(ctx, entry)
		return nil
	})
}

func (d *Drainer) process(ctx context.Context, entry domain.Entry[domain.RatingRequest]) {
	logger := d.logger.With(zap.String("request_id", entry.ID))

	if entry.Err != nil {
		d.drop(ctx, logger, entry.ID, entry.Err)
		return
	}
	req := entry.Item
	if err := req.Validate(); err != nil {
		d.drop(ctx, logger, entry.ID, err)
		return
	}

	now := d.now()
	target, err := d.Queue.Settle(ctx, req, func(target *domain.Account) error {
		return target.ApplyRating(req.Rater, req.Stars)
	})

	switch {
	case err == nil:
		metrics.RatingsProcessed.WithLabelValues(metrics.OutcomeApplied).Inc()
		logger.Info("rating applied",
			zap.String("target", req.Target),
			zap.String("rater", req.Rater),
			zap.Float64("rating", target.Rating),
			zap.Int("count", len(target.RatedBy)),
		)
		d.Notifier.Notify(ctx, req.Rater, domain.RatingAcceptedAlert(now))

	case errors.Is(err, domain.ErrRequestConsumed):
		metrics.RatingsProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Debug("rating already consumed")

	case errors.Is(err, domain.ErrAlreadyRated):
		metrics.RatingsProcessed.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		logger.Info("ignoring repeated rating", zap.String("target", req.Target), zap.String("rater", req.Rater))
		d.Notifier.Notify(ctx, req.Rater, domain.RatingDuplicateAlert(now))
		d.remove(ctx, logger, entry.ID)

	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrAccountInvalid):
		d.drop(ctx, logger, entry.ID, err)

	default:
		// store failure; nothing was written and the entry stays queued
		metrics.RatingsProcessed.WithLabelValues(metrics.OutcomeError).Inc()
		logger.Error("failed to settle rating", zap.Error(err))
	}
}

func (d *Drainer) drop(ctx context.Context, logger *zap.Logger, id string, reason error) {
	metrics.RatingsProcessed.WithLabelValues(metrics.OutcomeDropped).Inc()
	logger.Warn("dropping invalid rating request", zap.Error(reason))
	d.remove(ctx, logger, id)
}

func (d *Drainer) remove(ctx context.Context, logger *zap.Logger, id string) {
	if err := d.Queue.Remove(ctx, id); err != nil {
		logger.Error("failed to remove rating request", zap.Error(err))
	}
}
