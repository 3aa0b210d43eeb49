package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
)

// watchBackoff is the pause before resubscribing after the order watch fails
const watchBackoff = 2 * time.Second

var errInvalidOrder = errors.New("invalid order")

// Config tunes the processor
type Config struct {
	// WorkerID is recorded on every order this processor claims
	WorkerID string
	// Workers bounds how many orders are handled concurrently
	Workers int
	// ResyncInterval is how often submitted orders are re-listed in case a
	// change notification was missed
	ResyncInterval time.Duration
	// TokensPerReserveUnit converts an order cost into reserve currency
	TokensPerReserveUnit decimal.Decimal
	OracleTimeout        time.Duration
	ChannelTimeout       time.Duration
}

// Processor claims submitted orders, checks liquidity, calls the
// fulfillment channel and resolves each order to fulfilled or refunded.
type Processor struct {
	OrderRepo domain.OrderRepository
	Channel   domain.FulfillmentChannel
	Oracle    domain.LiquidityOracle
	Notifier  domain.Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	// inflight only avoids redundant claim attempts inside this process;
	// the claim itself is what guarantees a single delivery
	inflight sync.Map
}

// NewProcessor creates a new Processor instance
func NewProcessor(
	orderRepo domain.OrderRepository,
	channel domain.FulfillmentChannel,
	oracle domain.LiquidityOracle,
	notifier domain.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 30 * time.Second
	}
	if !cfg.TokensPerReserveUnit.IsPositive() {
		cfg.TokensPerReserveUnit = decimal.NewFromInt(1)
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 15 * time.Second
	}
	return &Processor{
		OrderRepo: orderRepo,
		Channel:   channel,
		Oracle:    oracle,
		Notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(zap.String("processor", "fulfillment")),
		now:       time.Now,
	}
}

// Run watches the order collection and periodically re-lists submitted
// orders until ctx is done. Orders already claimed are finished before
// Run returns.
func (p *Processor) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	defer g.Wait()

	resync := time.NewTicker(p.cfg.ResyncInterval)
	defer resync.Stop()
	subscribe := time.NewTimer(0)
	defer subscribe.Stop()

	var events <-chan domain.Entry[domain.Order]
	p.logger.Info("fulfillment processor started",
		zap.String("worker_id", p.cfg.WorkerID),
		zap.Int("workers", p.cfg.Workers),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("fulfillment processor stopping")
			return nil

		case <-subscribe.C:
			ch, err := p.OrderRepo.Watch(ctx)
			if err != nil {
				metrics.PassErrors.WithLabelValues("order_watch").Inc()
				p.logger.Error("failed to watch orders", zap.Error(err))
				subscribe.Reset(watchBackoff)
				continue
			}
			events = ch

		case entry, ok := <-events:
			if !ok {
				events = nil
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("order watch closed, resubscribing")
				subscribe.Reset(watchBackoff)
				continue
			}
			p.dispatch(ctx, &g, entry)

		case <-resync.C:
			p.resync(ctx, &g)
		}
	}
}

func (p *Processor) resync(ctx context.Context, g *errgroup.Group) {
	orders, err := p.OrderRepo.ListByStatus(ctx, domain.OrderStatusSubmitted)
	if err != nil {
		metrics.PassErrors.WithLabelValues("order_resync").Inc()
		p.logger.Error("failed to resync submitted orders", zap.Error(err))
		return
	}
	for _, order := range orders {
		p.dispatch(ctx, g, domain.Entry[domain.Order]{ID: order.ID, Item: order})
	}
}

func (p *Processor) dispatch(ctx context.Context, g *errgroup.Group, entry domain.Entry[domain.Order]) {
	if ctx.Err() != nil {
		return
	}
	if entry.Err != nil {
		p.logger.Warn("skipping undecodable order", zap.String("order_id", entry.ID), zap.Error(entry.Err))
		return
	}
	if entry.Item.Status != domain.OrderStatusSubmitted {
		return
	}
	if _, busy := p.inflight.LoadOrStore(entry.ID, struct{}{}); busy {
		return
	}

	g.Go(func() error {
		defer p.inflight.Delete(entry.ID)
		if err := p.Handle(ctx, entry.Item); err != nil {
			metrics.OrdersProcessed.WithLabelValues(metrics.OutcomeError).Inc()
			p.logger.Error("failed to process order", zap.String("order_id", entry.ID), zap.Error(err))
		}
		return nil
	})
}

// Handle processes one order observed as submitted.
// Losing the claim to another consumer is not an error.
func (p *Processor) Handle(ctx context.Context, order *domain.Order) error {
	logger := p.logger.With(zap.String("order_id", order.ID))

	claimed, err := p.OrderRepo.Update(ctx, order.ID, func(o *domain.Order) error {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errInvalidOrder, err)
		}
		return o.Claim(p.cfg.WorkerID, p.now())
	})
	switch {
	case errors.Is(err, domain.ErrOrderNotClaimable):
		metrics.OrdersProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Debug("order already claimed elsewhere")
		return nil
	case errors.Is(err, errInvalidOrder):
		metrics.OrdersProcessed.WithLabelValues(metrics.OutcomeDropped).Inc()
		logger.Warn("leaving invalid order unclaimed", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("failed to claim order %s: %w", order.ID, err)
	}
	logger.Info("order claimed", zap.String("owner", claimed.Owner), zap.String("cost", claimed.Cost.String()))

	// From here on the order must reach a terminal state even during shutdown
	work := context.WithoutCancel(ctx)

	reference, failure := p.fulfil(work, claimed)
	if failure != nil {
		return p.refund(work, claimed, failure.Error())
	}
	return p.complete(work, claimed, reference)
}

// fulfil checks liquidity and delivers the order. Any error is a
// fulfillment failure whose message becomes the refund reason.
func (p *Processor) fulfil(ctx context.Context, order *domain.Order) (string, error) {
	required := order.Cost.Div(p.cfg.TokensPerReserveUnit)

	oracleCtx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	reserve, err := p.Oracle.Reserve(oracleCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("liquidity check failed: %w", err)
	}
	if reserve.LessThan(required) {
		return "", fmt.Errorf("insufficient liquidity: reserve %s is below required %s", reserve.String(), required.String())
	}

	channelCtx, cancel := context.WithTimeout(ctx, p.cfg.ChannelTimeout)
	defer cancel()
	reference, err := p.Channel.Fulfill(channelCtx, domain.FulfillmentRequest{
		OrderID:  order.ID,
		ItemType: order.ItemType,
		ItemRef:  order.ItemRef,
		Cost:     order.Cost,
		Quantity: 1,
	})
	if err != nil {
		return "", err
	}
	if reference == "" {
		return "", errors.New("provider returned an empty order reference")
	}
	return reference, nil
}

func (p *Processor) complete(ctx context.Context, order *domain.Order, reference string) error {
	now := p.now()
	fulfilled, err := p.OrderRepo.Update(ctx, order.ID, func(o *domain.Order) error {
		return o.Fulfill(reference, now)
	})
	if err != nil {
		return fmt.Errorf("order %s delivered as %s but not marked fulfilled: %w", order.ID, reference, err)
	}

	metrics.OrdersProcessed.WithLabelValues(metrics.OutcomeFulfilled).Inc()
	p.logger.Info("order fulfilled", zap.String("order_id", order.ID), zap.String("external_id", reference))
	p.Notifier.Notify(ctx, fulfilled.Owner, domain.OrderFulfilledAlert(fulfilled, now))
	return nil
}

func (p *Processor) refund(ctx context.Context, order *domain.Order, reason string) error {
	now := p.now()
	refunded, err := Refund(ctx, p.OrderRepo, order.ID, reason, now)
	if err != nil {
		return fmt.Errorf("failed to refund order %s (%s): %w", order.ID, reason, err)
	}

	metrics.OrdersProcessed.WithLabelValues(metrics.OutcomeRefunded).Inc()
	p.logger.Warn("order refunded",
		zap.String("order_id", order.ID),
		zap.String("owner", refunded.Owner),
		zap.String("reason", reason),
	)
	p.Notifier.Notify(ctx, refunded.Owner, domain.OrderRefundedAlert(refunded, reason, now))
	return nil
}

// Refund moves a claimed order to refunded and credits its cost back to the
// owner in one atomic update, so the credit can never be applied twice.
func Refund(ctx context.Context, orders domain.OrderRepository, orderID, reason string, now time.Time) (*domain.Order, error) {
	refunded, _, err := orders.UpdateWithOwner(ctx, orderID, func(o *domain.Order, owner *domain.Account) error {
		if err := o.Refund(reason, now); err != nil {
			return err
		}
		return owner.Credit(o.Cost)
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}
