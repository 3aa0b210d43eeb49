package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/simaogato/topup-engine/internal/domain"
)

// orderRepository implements domain.OrderRepository
type orderRepository struct {
	store Store
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(store Store) domain.OrderRepository {
	return &orderRepository{store: store}
}

func orderPath(id string) string {
	return Join(OrdersPath, id)
}

func decodeOrder(id string, raw json.RawMessage) (*domain.Order, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	order, err := decode[domain.Order](raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", id, err)
	}
	order.ID = id
	return order, nil
}

// GetByID retrieves an order by its ID
func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	raw, err := r.store.Get(ctx, orderPath(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return decodeOrder(id, raw)
}

// ListByStatus retrieves all decodable orders in status, ordered by ID
func (r *orderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	children, err := r.store.Children(ctx, OrdersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := make([]*domain.Order, 0)
	for _, id := range sortedKeys(children) {
		order, err := decodeOrder(id, children[id])
		if err != nil {
			continue
		}
		if order.Status == status {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// Update atomically applies fn to the stored order
func (r *orderRepository) Update(ctx context.Context, id string, fn func(*domain.Order) error) (*domain.Order, error) {
	var updated *domain.Order
	_, err := r.store.Update(ctx, orderPath(id), func(current json.RawMessage) (json.RawMessage, error) {
		order, err := decodeOrder(id, current)
		if err != nil {
			return nil, err
		}
		if err := fn(order); err != nil {
			return nil, err
		}
		updated = order
		return merge(current, order)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateWithOwner atomically applies fn to the order and its owner's account
func (r *orderRepository) UpdateWithOwner(
	ctx context.Context,
	id string,
	fn func(*domain.Order, *domain.Account) error,
) (*domain.Order, *domain.Account, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current.Owner == "" {
		return nil, nil, fmt.Errorf("order %s has no owner", id)
	}

	oPath, aPath := orderPath(id), accountPath(current.Owner)
	var order *domain.Order
	var owner *domain.Account

	err = r.store.Transact(ctx, []string{oPath, aPath}, func(values map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		o, err := decodeOrder(id, values[oPath])
		if err != nil {
			return nil, err
		}
		if o.Owner != current.Owner {
			return nil, fmt.Errorf("order %s owner changed during update", id)
		}
		// a missing owner gets a zero-balance account so a refund always lands
		a := &domain.Account{ID: o.Owner}
		if values[aPath] != nil {
			if a, err = decodeAccount(o.Owner, values[aPath]); err != nil {
				return nil, err
			}
		}
		if err := fn(o, a); err != nil {
			return nil, err
		}

		writes, err := encodeAccounts(values, a)
		if err != nil {
			return nil, err
		}
		if writes[oPath], err = merge(values[oPath], o); err != nil {
			return nil, err
		}
		order, owner = o, a
		return writes, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, owner, nil
}

// Watch streams orders from the collection subscription.
// Deletions are skipped; undecodable values are reported through Entry.Err.
func (r *orderRepository) Watch(ctx context.Context) (<-chan domain.Entry[domain.Order], error) {
	events, err := r.store.Subscribe(ctx, OrdersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to orders: %w", err)
	}

	out := make(chan domain.Entry[domain.Order])
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Value == nil {
				continue
			}
			entry := domain.Entry[domain.Order]{ID: ev.Key}
			entry.Item, entry.Err = decodeOrder(ev.Key, ev.Value)
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
