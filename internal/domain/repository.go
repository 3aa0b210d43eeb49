package domain

import (
	"context"
)

// Entry is one keyed item read from a collection. Err is set instead of
// Item when the stored value could not be decoded, so callers can still
// evict or report it by ID.
type Entry[T any] struct {
	ID   string
	Item *T
	Err  error
}

// AccountRepository defines the interface for account persistence operations.
// Balance mutations happen inside the order and queue settlements so they
// commit together with the state change that caused them.
type AccountRepository interface {
	// GetByID retrieves an account by its ID
	// Returns ErrAccountNotFound if it does not exist
	GetByID(ctx context.Context, id string) (*Account, error)

	// Create stores a new account
	// Returns ErrAccountExists if the ID is taken
	Create(ctx context.Context, account *Account) error
}

// OrderRepository defines the interface for order persistence operations
type OrderRepository interface {
	// GetByID retrieves an order by its ID
	GetByID(ctx context.Context, id string) (*Order, error)

	// ListByStatus retrieves all orders currently in status
	ListByStatus(ctx context.Context, status OrderStatus) ([]*Order, error)

	// Update atomically applies fn to the current order and writes the result
	Update(ctx context.Context, id string, fn func(*Order) error) (*Order, error)

	// UpdateWithOwner atomically applies fn to the order and its owner's
	// account, starting from a zero balance when the account does not exist
	UpdateWithOwner(ctx context.Context, id string, fn func(*Order, *Account) error) (*Order, *Account, error)

	// Watch streams the current orders and then every change to the collection
	// The channel is closed when ctx is done or the subscription fails
	Watch(ctx context.Context) (<-chan Entry[Order], error)
}

// TransferQueue defines the interface for the pending transfer queue
type TransferQueue interface {
	// Pending returns every queued request in submission order
	Pending(ctx context.Context) ([]Entry[TransferRequest], error)

	// Settle atomically applies fn to the sender and receiver accounts,
	// appends the transaction fn returns and removes the request.
	// Returns ErrRequestConsumed if the request is no longer queued; if fn
	// fails nothing is written and its error is returned as is.
	Settle(ctx context.Context, req *TransferRequest, fn func(sender, receiver *Account) (*Transaction, error)) (*Transaction, error)

	// Remove evicts a request from the queue
	Remove(ctx context.Context, id string) error
}

// RatingQueue defines the interface for the pending rating queue
type RatingQueue interface {
	// Pending returns every queued request in submission order
	Pending(ctx context.Context) ([]Entry[RatingRequest], error)

	// Settle atomically applies fn to the target account and removes the
	// request. Returns ErrRequestConsumed if the request is no longer queued.
	Settle(ctx context.Context, req *RatingRequest, fn func(target *Account) error) (*Account, error)

	// Remove evicts a request from the queue
	Remove(ctx context.Context, id string) error
}

// TransactionRepository defines the read side of the append-only transaction
// log; records are written by TransferQueue.Settle
type TransactionRepository interface {
	// ListByAccount retrieves the transactions involving accountID, oldest first
	ListByAccount(ctx context.Context, accountID string) ([]*Transaction, error)
}

// AlertRepository defines the interface for per-account alert inboxes
type AlertRepository interface {
	// Push appends an alert to the account inbox and returns its generated ID
	Push(ctx context.Context, accountID string, alert *Alert) (string, error)

	// List retrieves the alerts of an account, oldest first
	List(ctx context.Context, accountID string) ([]*Alert, error)
}
