package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/simaogato/topup-engine/internal/domain"
)

// queue is a collection drained in key order and evicted item by item
type queue[T any] struct {
	store Store
	path  string
}

func (q *queue[T]) Pending(ctx context.Context) ([]domain.Entry[T], error) {
	children, err := q.store.Children(ctx, q.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", q.path, err)
	}

	entries := make([]domain.Entry[T], 0, len(children))
	for _, id := range sortedKeys(children) {
		entry := domain.Entry[T]{ID: id}
		item, err := decode[T](children[id])
		if err != nil {
			entry.Err = fmt.Errorf("failed to decode %s/%s: %w", q.path, id, err)
		} else {
			entry.Item = item
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *queue[T]) Remove(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, Join(q.path, id)); err != nil {
		return fmt.Errorf("failed to remove %s/%s: %w", q.path, id, err)
	}
	return nil
}

type transferQueue struct {
	queue[domain.TransferRequest]
}

// NewTransferQueue creates the repository for transferQueue/{id}
func NewTransferQueue(store Store) domain.TransferQueue {
	return &transferQueue{queue[domain.TransferRequest]{store: store, path: TransferQueuePath}}
}

// Pending returns queued transfers with their IDs filled in
func (q *transferQueue) Pending(ctx context.Context) ([]domain.Entry[domain.TransferRequest], error) {
	entries, err := q.queue.Pending(ctx)
	for i := range entries {
		if entries[i].Item != nil {
			entries[i].Item.ID = entries[i].ID
		}
	}
	return entries, err
}

type ratingQueue struct {
	queue[domain.RatingRequest]
}

// NewRatingQueue creates the repository for ratingQueue/{id}
func NewRatingQueue(store Store) domain.RatingQueue {
	return &ratingQueue{queue[domain.RatingRequest]{store: store, path: RatingQueuePath}}
}

// Pending returns queued ratings with their IDs filled in
func (q *ratingQueue) Pending(ctx context.Context) ([]domain.Entry[domain.RatingRequest], error) {
	entries, err := q.queue.Pending(ctx)
	for i := range entries {
		if entries[i].Item != nil {
			entries[i].Item.ID = entries[i].ID
		}
	}
	return entries, err
}

// Settle applies a transfer and records it in one transaction over the
// queue entry, both accounts and the new transaction record
func (q *transferQueue) Settle(
	ctx context.Context,
	req *domain.TransferRequest,
	fn func(sender, receiver *domain.Account) (*domain.Transaction, error),
) (*domain.Transaction, error) {
	if req.Sender == req.Receiver {
		return nil, fmt.Errorf("%w: transfer must reference two different accounts", domain.ErrAccountInvalid)
	}
	txID, err := NewKey()
	if err != nil {
		return nil, err
	}

	entryPath := Join(q.path, req.ID)
	senderPath, receiverPath := accountPath(req.Sender), accountPath(req.Receiver)
	txPath := Join(TransactionsPath, txID)

	var settled *domain.Transaction
	err = q.store.Transact(ctx, []string{entryPath, senderPath, receiverPath, txPath}, func(current map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		if current[entryPath] == nil {
			return nil, domain.ErrRequestConsumed
		}
		sender, err := decodeAccount(req.Sender, current[senderPath])
		if err != nil {
			return nil, err
		}
		receiver, err := decodeAccount(req.Receiver, current[receiverPath])
		if err != nil {
			return nil, err
		}

		tx, err := fn(sender, receiver)
		if err != nil {
			return nil, err
		}
		writes, err := encodeAccounts(current, sender, receiver)
		if err != nil {
			return nil, err
		}
		if writes[txPath], err = json.Marshal(tx); err != nil {
			return nil, fmt.Errorf("failed to encode transaction: %w", err)
		}
		writes[entryPath] = nil

		settled = tx
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	settled.ID = txID
	return settled, nil
}

// Settle applies a rating in one transaction over the queue entry and the
// target account
func (q *ratingQueue) Settle(ctx context.Context, req *domain.RatingRequest, fn func(target *domain.Account) error) (*domain.Account, error) {
	entryPath := Join(q.path, req.ID)
	targetPath := accountPath(req.Target)

	var updated *domain.Account
	err := q.store.Transact(ctx, []string{entryPath, targetPath}, func(current map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		if current[entryPath] == nil {
			return nil, domain.ErrRequestConsumed
		}
		target, err := decodeAccount(req.Target, current[targetPath])
		if err != nil {
			return nil, err
		}
		if err := fn(target); err != nil {
			return nil, err
		}

		writes, err := encodeAccounts(current, target)
		if err != nil {
			return nil, err
		}
		writes[entryPath] = nil

		updated = target
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
