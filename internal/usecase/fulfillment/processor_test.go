package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/adapter/provider"
	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
	"github.com/simaogato/topup-engine/internal/adapter/repository/memory"
	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/usecase/alerting"
)

// MockFulfillmentChannel is a mock implementation of FulfillmentChannel for testing
type MockFulfillmentChannel struct {
	mock.Mock
}

func (m *MockFulfillmentChannel) Fulfill(ctx context.Context, req domain.FulfillmentRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// MockLiquidityOracle is a mock implementation of LiquidityOracle for testing
type MockLiquidityOracle struct {
	mock.Mock
}

func (m *MockLiquidityOracle) Reserve(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type ledger struct {
	store    *memory.Store
	accounts domain.AccountRepository
	orders   domain.OrderRepository
	alerts   domain.AlertRepository
	channel  *MockFulfillmentChannel
	oracle   *MockLiquidityOracle
	proc     *Processor
}

func newLedger(t *testing.T) *ledger {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { store.Close() })

	l := &ledger{
		store:    store,
		accounts: kv.NewAccountRepository(store),
		orders:   kv.NewOrderRepository(store),
		alerts:   kv.NewAlertRepository(store),
		channel:  new(MockFulfillmentChannel),
		oracle:   new(MockLiquidityOracle),
	}
	notifier := alerting.NewService(l.alerts, nil, zap.NewNop())
	l.proc = NewProcessor(l.orders, l.channel, l.oracle, notifier, Config{
		WorkerID:       "worker-test",
		Workers:        4,
		ResyncInterval: 20 * time.Millisecond,
	}, zap.NewNop())
	return l
}

func (l *ledger) account(t *testing.T, id, balance string) {
	t.Helper()
	require.NoError(t, l.accounts.Create(context.Background(), &domain.Account{
		ID:      id,
		Name:    "User " + id,
		Balance: decimal.RequireFromString(balance),
	}))
}

// submit writes an order the way the storefront does, after it already
// debited the cost from the owner
func (l *ledger) submit(t *testing.T, id, owner, cost string) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID:       id,
		Owner:    owner,
		Cost:     decimal.RequireFromString(cost),
		ItemType: "pubg",
		ItemRef:  "5123456789",
		Status:   domain.OrderStatusSubmitted,
	}
	raw, err := json.Marshal(order)
	require.NoError(t, err)
	require.NoError(t, l.store.Set(context.Background(), kv.Join(kv.OrdersPath, id), raw))
	return order
}

func (l *ledger) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	a, err := l.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func (l *ledger) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := l.orders.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (l *ledger) inbox(t *testing.T, id string) []*domain.Alert {
	t.Helper()
	alerts, err := l.alerts.List(context.Background(), id)
	require.NoError(t, err)
	return alerts
}

func TestHandle_Fulfilled(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.account(t, "U1", "90")
	order := l.submit(t, "O1", "U1", "10")

	l.oracle.On("Reserve", mock.Anything).Return(decimal.NewFromInt(500), nil).Once()
	l.channel.On("Fulfill", mock.Anything, mock.MatchedBy(func(req domain.FulfillmentRequest) bool {
		return req.OrderID == "O1" &&
			req.ItemType == "pubg" &&
			req.ItemRef == "5123456789" &&
			req.Cost.Equal(order.Cost) &&
			req.Quantity == 1
	})).Return("23501", nil).Once()

	require.NoError(t, l.proc.Handle(ctx, order))

	got := l.order(t, "O1")
	assert.Equal(t, domain.OrderStatusFulfilled, got.Status)
	assert.Equal(t, "23501", got.ExternalID)
	assert.Equal(t, "worker-test", got.ClaimedBy)
	assert.NotZero(t, got.CompletedAt)
	assert.True(t, l.balance(t, "U1").Equal(decimal.NewFromInt(90)), "no refund on success")

	alerts := l.inbox(t, "U1")
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertTypeSuccess, alerts[0].Type)

	l.oracle.AssertExpectations(t)
	l.channel.AssertExpectations(t)
}

// Account U1 held 100 and paid 10 for the order; the oracle reserve of 5
// cannot cover it, so the cost comes back.
func TestHandle_InsufficientLiquidityRefunds(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.account(t, "U1", "90")
	order := l.submit(t, "O1", "U1", "10")

	l.oracle.On("Reserve", mock.Anything).Return(decimal.NewFromInt(5), nil).Once()

	require.NoError(t, l.proc.Handle(ctx, order))

	got := l.order(t, "O1")
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)
	assert.Contains(t, got.Reason, "insufficient liquidity")
	assert.True(t, l.balance(t, "U1").Equal(decimal.NewFromInt(100)))

	alerts := l.inbox(t, "U1")
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertTypeError, alerts[0].Type)
	assert.Contains(t, alerts[0].Msg, "insufficient liquidity")

	l.channel.AssertNotCalled(t, "Fulfill", mock.Anything, mock.Anything)
}

func TestHandle_FailuresRefund(t *testing.T) {
	tests := []struct {
		name      string
		reserve   decimal.Decimal
		oracleErr error
		ref       string
		fulfilErr error
		reason    string
	}{
		{
			name:      "provider error verbatim",
			reserve:   decimal.NewFromInt(100),
			fulfilErr: &provider.ProviderError{Message: "Not enough funds on balance"},
			reason:    "Not enough funds on balance",
		},
		{
			name:      "timeout",
			reserve:   decimal.NewFromInt(100),
			fulfilErr: context.DeadlineExceeded,
			reason:    context.DeadlineExceeded.Error(),
		},
		{
			name:    "empty reference",
			reserve: decimal.NewFromInt(100),
			reason:  "provider returned an empty order reference",
		},
		{
			name:      "oracle unavailable",
			oracleErr: errors.New("connection refused"),
			reason:    "liquidity check failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t)
			l.account(t, "U1", "0")
			order := l.submit(t, "O1", "U1", "20")

			l.oracle.On("Reserve", mock.Anything).Return(tt.reserve, tt.oracleErr).Once()
			if tt.oracleErr == nil {
				l.channel.On("Fulfill", mock.Anything, mock.Anything).Return(tt.ref, tt.fulfilErr).Once()
			}

			require.NoError(t, l.proc.Handle(ctx, order))

			got := l.order(t, "O1")
			assert.Equal(t, domain.OrderStatusRefunded, got.Status)
			assert.Equal(t, tt.reason, got.Reason)
			assert.True(t, l.balance(t, "U1").Equal(decimal.NewFromInt(20)))

			alerts := l.inbox(t, "U1")
			require.Len(t, alerts, 1)
			assert.Equal(t, "Refunded 20 SDM. Reason: "+tt.reason, alerts[0].Msg)
		})
	}
}

func TestHandle_TokensPerReserveUnit(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.proc.cfg.TokensPerReserveUnit = decimal.NewFromInt(4)
	l.account(t, "U1", "0")
	order := l.submit(t, "O1", "U1", "20")

	// 20 tokens need 5 reserve units
	l.oracle.On("Reserve", mock.Anything).Return(decimal.NewFromInt(5), nil).Once()
	l.channel.On("Fulfill", mock.Anything, mock.Anything).Return("R1", nil).Once()

	require.NoError(t, l.proc.Handle(ctx, order))
	assert.Equal(t, domain.OrderStatusFulfilled, l.order(t, "O1").Status)
}

func TestHandle_AlreadyClaimedIsNoop(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.account(t, "U1", "0")
	order := l.submit(t, "O1", "U1", "10")

	_, err := l.orders.Update(ctx, "O1", func(o *domain.Order) error {
		return o.Claim("someone-else", time.Now())
	})
	require.NoError(t, err)

	require.NoError(t, l.proc.Handle(ctx, order))

	got := l.order(t, "O1")
	assert.Equal(t, domain.OrderStatusClaimed, got.Status)
	assert.Equal(t, "someone-else", got.ClaimedBy)
	l.oracle.AssertNotCalled(t, "Reserve", mock.Anything)
	l.channel.AssertNotCalled(t, "Fulfill", mock.Anything, mock.Anything)
}

func TestHandle_InvalidOrderLeftUnclaimed(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	order := l.submit(t, "O1", "", "10")

	require.NoError(t, l.proc.Handle(ctx, order))

	assert.Equal(t, domain.OrderStatusSubmitted, l.order(t, "O1").Status)
	l.oracle.AssertNotCalled(t, "Reserve", mock.Anything)
}

func TestHandle_ConcurrentNotificationsDeliverOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.account(t, "U1", "0")
	order := l.submit(t, "O1", "U1", "10")

	l.oracle.On("Reserve", mock.Anything).Return(decimal.NewFromInt(100), nil)
	l.channel.On("Fulfill", mock.Anything, mock.Anything).Return("R1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *order
			assert.NoError(t, l.proc.Handle(ctx, &snapshot))
		}()
	}
	wg.Wait()

	l.channel.AssertNumberOfCalls(t, "Fulfill", 1)
	assert.Equal(t, domain.OrderStatusFulfilled, l.order(t, "O1").Status)
	assert.Len(t, l.inbox(t, "U1"), 1)
}

func TestHandle_RefundCreditsExactCost(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.account(t, "U1", "3.25")

	costs := []string{"4", "20", "40", "0.75"}
	l.oracle.On("Reserve", mock.Anything).Return(decimal.Zero, nil)

	var orders []*domain.Order
	for i, cost := range costs {
		orders = append(orders, l.submit(t, "O"+string(rune('A'+i)), "U1", cost))
	}

	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.proc.Handle(ctx, o))
		}()
	}
	wg.Wait()

	assert.True(t, l.balance(t, "U1").Equal(decimal.RequireFromString("68")), "got %s", l.balance(t, "U1"))
	for _, o := range orders {
		assert.Equal(t, domain.OrderStatusRefunded, l.order(t, o.ID).Status)
	}
}

func TestRefund_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.account(t, "U1", "0")
	l.submit(t, "O1", "U1", "10")
	_, err := l.orders.Update(ctx, "O1", func(o *domain.Order) error {
		return o.Claim("worker-test", time.Now())
	})
	require.NoError(t, err)

	_, err = Refund(ctx, l.orders, "O1", "first", time.Now())
	require.NoError(t, err)

	_, err = Refund(ctx, l.orders, "O1", "second", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.True(t, l.balance(t, "U1").Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "first", l.order(t, "O1").Reason)
}

func TestRefund_CreatesMissingOwnerAccount(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.submit(t, "O1", "ghost", "10")
	_, err := l.orders.Update(ctx, "O1", func(o *domain.Order) error {
		return o.Claim("worker-test", time.Now())
	})
	require.NoError(t, err)

	_, err = Refund(ctx, l.orders, "O1", "provider down", time.Now())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusRefunded, l.order(t, "O1").Status)
	assert.True(t, l.balance(t, "ghost").Equal(decimal.NewFromInt(10)), "refund creates the balance")
}

func TestRun_ProcessesWatchedAndResyncedOrders(t *testing.T) {
	l := newLedger(t)
	l.account(t, "U1", "0")
	l.submit(t, "O1", "U1", "4")

	l.oracle.On("Reserve", mock.Anything).Return(decimal.NewFromInt(100), nil)
	l.channel.On("Fulfill", mock.Anything, mock.Anything).Return("R1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.proc.Run(ctx) }()

	// submitted while the processor is already watching
	l.submit(t, "O2", "U1", "20")

	require.Eventually(t, func() bool {
		return l.order(t, "O1").Status == domain.OrderStatusFulfilled &&
			l.order(t, "O2").Status == domain.OrderStatusFulfilled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}

	l.channel.AssertNumberOfCalls(t, "Fulfill", 2)
}
