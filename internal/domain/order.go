package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of a top-up order
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusClaimed   OrderStatus = "claimed"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

var (
	// ErrOrderNotClaimable is returned by Claim when another consumer
	// already moved the order out of submitted.
	ErrOrderNotClaimable = errors.New("order is not claimable")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// Order represents a top-up purchase whose cost was already debited from
// the owner at creation time.
// Adheres to the layout stored under orders/{id}
type Order struct {
	ID          string          `json:"-"`
	Owner       string          `json:"owner"`
	Cost        decimal.Decimal `json:"cost"`
	ItemType    string          `json:"itemType"`
	ItemRef     string          `json:"itemRef"`
	Status      OrderStatus     `json:"status"`
	ExternalID  string          `json:"externalId,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	ClaimedBy   string          `json:"claimedBy,omitempty"`
	ClaimedAt   int64           `json:"claimedAt,omitempty"`   // Unix milliseconds
	CompletedAt int64           `json:"completedAt,omitempty"` // Unix milliseconds
	CreatedAt   int64           `json:"createdAt,omitempty"`   // Unix milliseconds
}

// Validate ensures the order carries everything needed to fulfil or refund it
func (o *Order) Validate() error {
	if o.Owner == "" {
		return errors.New("order owner cannot be empty")
	}
	if !o.Cost.IsPositive() {
		return errors.New("order cost must be positive")
	}
	if o.ItemType == "" {
		return errors.New("order item type cannot be empty")
	}
	if o.ItemRef == "" {
		return errors.New("order item reference cannot be empty")
	}
	return nil
}

// IsTerminal reports whether the order reached fulfilled or refunded
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFulfilled || o.Status == OrderStatusRefunded
}

// Claim moves a submitted order to claimed on behalf of worker
func (o *Order) Claim(worker string, now time.Time) error {
	if o.Status != OrderStatusSubmitted {
		return ErrOrderNotClaimable
	}
	o.Status = OrderStatusClaimed
	o.ClaimedBy = worker
	o.ClaimedAt = now.UnixMilli()
	return nil
}

// Fulfill records a successful delivery
func (o *Order) Fulfill(reference string, now time.Time) error {
	if o.Status != OrderStatusClaimed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusFulfilled)
	}
	o.Status = OrderStatusFulfilled
	o.ExternalID = reference
	o.CompletedAt = now.UnixMilli()
	return nil
}

// Refund records a failed delivery. The matching balance credit must be
// applied in the same atomic update.
func (o *Order) Refund(reason string, now time.Time) error {
	if o.Status != OrderStatusClaimed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderStatusRefunded)
	}
	o.Status = OrderStatusRefunded
	o.Reason = reason
	o.CompletedAt = now.UnixMilli()
	return nil
}

// ClaimedBefore reports whether the order has been claimed since before t
func (o *Order) ClaimedBefore(t time.Time) bool {
	return o.Status == OrderStatusClaimed && o.ClaimedAt < t.UnixMilli()
}
