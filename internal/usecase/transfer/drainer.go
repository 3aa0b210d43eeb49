package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
	"github.com/simaogato/topup-engine/internal/worker"
)

// JobName identifies the transfer drain pass for leases and metrics
const JobName = "transfers"

// Drainer consumes the transfer queue. Every entry is consumed once:
// applied, rejected or dropped, then removed.
type Drainer struct {
	Queue    domain.TransferQueue
	Notifier domain.Notifier
	workers  int
	logger   *zap.Logger
	now      func() time.Time
}

// NewDrainer creates a new Drainer instance
func NewDrainer(queue domain.TransferQueue, notifier domain.Notifier, workers int, logger *zap.Logger) *Drainer {
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
		return fmt.Errorf("failed to read transfer queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	d.logger.Debug("draining transfer queue", zap.Int("pending", len(entries)))

	return worker.ForEach(ctx, d.workers, entries, func(ctx context.Context, entry domain.Entry[domain.TransferRequest]) error {
		d.process(ctx, entry)
		return nil
	})
}

func (d *Drainer) process(ctx context.Context, entry domain.Entry[domain.TransferRequest]) {
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
	var senderBalance decimal.Decimal
	tx, err := d.Queue.Settle(ctx, req, func(sender, receiver *domain.Account) (*domain.Transaction, error) {
		senderBalance = sender.Balance
		if err := sender.Debit(req.Amount); err != nil {
			return nil, err
		}
		if err := receiver.Credit(req.Amount); err != nil {
			return nil, err
		}
		return domain.NewTransferTransaction(sender, receiver, req.Amount, now), nil
	})

	switch {
	case err == nil:
		metrics.TransfersProcessed.WithLabelValues(metrics.OutcomeApplied).Inc()
		logger.Info("transfer applied",
			zap.String("op_id", tx.OpID),
			zap.String("sender", req.Sender),
			zap.String("receiver", req.Receiver),
			zap.String("amount", req.Amount.String()),
		)
		d.Notifier.Notify(ctx, req.Sender, domain.TransferSentAlert(req.Amount, now))
		d.Notifier.Notify(ctx, req.Receiver, domain.TransferReceiptAlert(tx, now))

	case errors.Is(err, domain.ErrRequestConsumed):
		metrics.TransfersProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Debug("transfer already consumed")

	case errors.Is(err, domain.ErrInsufficientFunds):
		metrics.TransfersProcessed.WithLabelValues(metrics.OutcomeInsufficient).Inc()
		logger.Info("transfer rejected for insufficient funds",
			zap.String("sender", req.Sender),
			zap.String("balance", senderBalance.String()),
			zap.String("amount", req.Amount.String()),
		)
		d.Notifier.Notify(ctx, req.Sender, domain.TransferInsufficientAlert(senderBalance, now))
		d.remove(ctx, logger, entry.ID)

	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrAccountInvalid):
		d.drop(ctx, logger, entry.ID, err)

	default:
		// nothing was written; the entry stays queued for the next pass
		metrics.TransfersProcessed.WithLabelValues(metrics.OutcomeError).Inc()
		logger.Error("failed to settle transfer", zap.Error(err))
	}
}

// drop removes a request that can never be applied. No debit happened, so
// there is nothing to compensate.
func (d *Drainer) drop(ctx context.Context, logger *zap.Logger, id string, reason error) {
	metrics.TransfersProcessed.WithLabelValues(metrics.OutcomeDropped).Inc()
	logger.Warn("dropping invalid transfer request", zap.Error(reason))
	d.remove(ctx, logger, id)
}

func (d *Drainer) remove(ctx context.Context, logger *zap.Logger, id string) {
	if err := d.Queue.Remove(ctx, id); err != nil {
		logger.Error("failed to remove transfer request", zap.Error(err))
	}
}
