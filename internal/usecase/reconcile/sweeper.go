package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
)

// JobName identifies the stuck-claim sweep for leases and metrics
const JobName = "reconcile"

var errNoLongerStale = errors.New("order is no longer a stale claim")

// ErrAgeTooShort is returned when the sweep age does not exceed the longest
// time a live processor may hold a claim
var ErrAgeTooShort = errors.New("reconcile age must exceed the processing deadline")

// SweepResult summarises one sweep
type SweepResult struct {
	Examined int
	Refunded int
	Failed   int
}

// Sweeper refunds orders left in claimed longer than the configured age,
// which happens when a processor crashes between claim and resolution.
// A live processor may hold a claim for up to minAge, so olderThan must
// be longer or an in-flight delivery could also be refunded.
type Sweeper struct {
	OrderRepo domain.OrderRepository
	Notifier  domain.Notifier
	olderThan time.Duration
	minAge    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a new Sweeper instance
func NewSweeper(
	orderRepo domain.OrderRepository,
	notifier domain.Notifier,
	olderThan, minAge time.Duration,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		OrderRepo: orderRepo,
		Notifier:  notifier,
		olderThan: olderThan,
		minAge:    minAge,
		logger:    logger.With(zap.String("processor", JobName)),
		now:       time.Now,
	}
}

// CheckAge reports whether olderThan is safe to sweep with given minAge
func CheckAge(olderThan, minAge time.Duration) error {
	if olderThan <= 0 {
		return errors.New("reconcile age must be positive")
	}
	if olderThan <= minAge {
		return fmt.Errorf("%w: %s is not above %s", ErrAgeTooShort, olderThan, minAge)
	}
	return nil
}

// Sweep refunds every stale claim once
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if err := CheckAge(s.olderThan, s.minAge); err != nil {
		return result, err
	}

	claimed, err := s.OrderRepo.ListByStatus(ctx, domain.OrderStatusClaimed)
	if err != nil {
		return result, fmt.Errorf("failed to list claimed orders: %w", err)
	}

	now := s.now()
	cutoff := now.Add(-s.olderThan)
	reason := fmt.Sprintf("claim expired after %s", s.olderThan)

	for _, order := range claimed {
		if !order.ClaimedBefore(cutoff) {
			continue
		}
		result.Examined++

		refunded, _, err := s.OrderRepo.UpdateWithOwner(ctx, order.ID, func(o *domain.Order, owner *domain.Account) error {
			// re-checked inside the transaction in case the owning worker
			// resolved the order after it was listed
			if !o.ClaimedBefore(cutoff) {
				return errNoLongerStale
			}
			if err := o.Refund(reason, now); err != nil {
				return err
			}
			return owner.Credit(o.Cost)
		})
		if errors.Is(err, errNoLongerStale) {
			continue
		}
		if err != nil {
			result.Failed++
			s.logger.Error("failed to refund stale claim", zap.String("order_id", order.ID), zap.Error(err))
			continue
		}

		result.Refunded++
		metrics.OrdersProcessed.WithLabelValues(metrics.OutcomeRefunded).Inc()
		s.logger.Warn("refunded stale claim",
			zap.String("order_id", order.ID),
			zap.String("claimed_by", order.ClaimedBy),
			zap.Time("claimed_at", time.UnixMilli(order.ClaimedAt)),
		)
		s.Notifier.Notify(ctx, refunded.Owner, domain.OrderRefundedAlert(refunded, reason, now))
	}

	if result.Failed > 0 {
		return result, fmt.Errorf("%d of %d stale claims could not be refunded", result.Failed, result.Examined)
	}
	return result, nil
}

// Pass adapts Sweep to a poller pass
func (s *Sweeper) Pass(ctx context.Context) error {
	result, err := s.Sweep(ctx)
	if result.Refunded > 0 {
		s.logger.Info("sweep finished", zap.Int("refunded", result.Refunded), zap.Int("failed", result.Failed))
	}
	return err
}
