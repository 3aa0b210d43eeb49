package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// FulfillmentRequest asks the provider to deliver Quantity units of an item
type FulfillmentRequest struct {
	OrderID  string
	ItemType string
	ItemRef  string
	Cost     decimal.Decimal
	Quantity int
}

// FulfillmentChannel delivers purchased items through the external provider.
// Any error, including a timeout, means nothing was delivered.
type FulfillmentChannel interface {
	Fulfill(ctx context.Context, req FulfillmentRequest) (reference string, err error)
}

// LiquidityOracle reports the reserve currency available to pay the provider
type LiquidityOracle interface {
	Reserve(ctx context.Context) (decimal.Decimal, error)
}

// Notifier delivers alerts to accounts. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, accountID string, alert *Alert)
}
