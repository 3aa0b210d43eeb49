package alerting

import (
	"context"

	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/metrics"
)

// Publisher fans an alert out to live subscribers
type Publisher interface {
	Publish(ctx context.Context, accountID string, alert *domain.Alert) error
}

// Service stores alerts in the account inbox and mirrors them to the
// publisher. Delivery is best-effort: failures are logged and counted,
// never returned, so they cannot undo the outcome being reported.
type Service struct {
	AlertRepo domain.AlertRepository
	Publisher Publisher
	logger    *zap.Logger
}

var _ domain.Notifier = (*Service)(nil)

// NewService creates a new alerting service. publisher may be nil.
func NewService(alertRepo domain.AlertRepository, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		AlertRepo: alertRepo,
		Publisher: publisher,
		logger:    logger,
	}
}

// Notify delivers alert to accountID
func (s *Service) Notify(ctx context.Context, accountID string, alert *domain.Alert) {
	if accountID == "" || alert == nil {
		s.logger.Warn("dropping alert without recipient", zap.Any("alert", alert))
		return
	}

	if _, err := s.AlertRepo.Push(ctx, accountID, alert); err != nil {
		metrics.AlertFailures.WithLabelValues("store").Inc()
		s.logger.Error("failed to store alert",
			zap.String("account_id", accountID),
			zap.String("msg", alert.Msg),
			zap.Error(err),
		)
	}

	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.Publish(ctx, accountID, alert); err != nil {
		metrics.AlertFailures.WithLabelValues("pubsub").Inc()
		s.logger.Warn("failed to publish alert",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}
