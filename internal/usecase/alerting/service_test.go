package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/domain"
)

// MockAlertRepository is a mock implementation of AlertRepository for testing
type MockAlertRepository struct {
	mock.Mock
}

func (m *MockAlertRepository) Push(ctx context.Context, accountID string, alert *domain.Alert) (string, error) {
	args := m.Called(ctx, accountID, alert)
	return args.String(0), args.Error(1)
}

func (m *MockAlertRepository) List(ctx context.Context, accountID string) ([]*domain.Alert, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Alert), args.Error(1)
}

// MockPublisher is a mock implementation of Publisher for testing
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, accountID string, alert *domain.Alert) error {
	args := m.Called(ctx, accountID, alert)
	return args.Error(0)
}

func TestNotify_StoresAndPublishes(t *testing.T) {
	ctx := context.Background()
	repo := new(MockAlertRepository)
	pub := new(MockPublisher)
	alert := domain.RatingAcceptedAlert(time.Now())

	repo.On("Push", ctx, "U1", alert).Return("A1", nil).Once()
	pub.On("Publish", ctx, "U1", alert).Return(nil).Once()

	NewService(repo, pub, zap.NewNop()).Notify(ctx, "U1", alert)

	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestNotify_StoreFailureStillPublishes(t *testing.T) {
	ctx := context.Background()
	repo := new(MockAlertRepository)
	pub := new(MockPublisher)
	alert := domain.RatingDuplicateAlert(time.Now())

	repo.On("Push", ctx, "U1", alert).Return("", errors.New("store down")).Once()
	pub.On("Publish", ctx, "U1", alert).Return(errors.New("redis down")).Once()

	assert.NotPanics(t, func() {
		NewService(repo, pub, zap.NewNop()).Notify(ctx, "U1", alert)
	})

	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestNotify_WithoutPublisher(t *testing.T) {
	ctx := context.Background()
	repo := new(MockAlertRepository)
	alert := domain.RatingAcceptedAlert(time.Now())

	repo.On("Push", ctx, "U1", alert).Return("A1", nil).Once()

	NewService(repo, nil, zap.NewNop()).Notify(ctx, "U1", alert)

	repo.AssertExpectations(t)
}

func TestNotify_DropsAlertWithoutRecipient(t *testing.T) {
	repo := new(MockAlertRepository)

	NewService(repo, nil, zap.NewNop()).Notify(context.Background(), "", domain.RatingAcceptedAlert(time.Now()))

	repo.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}
