package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/simaogato/topup-engine/internal/domain"
)

// transactionRepository implements domain.TransactionRepository
type transactionRepository struct {
	store Store
}

// NewTransactionRepository creates a new transaction log repository
func NewTransactionRepository(store Store) domain.TransactionRepository {
	return &transactionRepository{store: store}
}

// ListByAccount scans the log for transactions involving accountID
func (r *transactionRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Transaction, error) {
	children, err := r.store.Children(ctx, TransactionsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	txs := make([]*domain.Transaction, 0)
	for _, id := range sortedKeys(children) {
		tx, err := decode[domain.Transaction](children[id])
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", id, err)
		}
		tx.ID = id
		if tx.InvolvesAccount(accountID) {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

// alertRepository implements domain.AlertRepository
type alertRepository struct {
	store Store
}

// NewAlertRepository creates a new alert inbox repository
func NewAlertRepository(store Store) domain.AlertRepository {
	return &alertRepository{store: store}
}

// Push appends alert to alerts/{accountID}
func (r *alertRepository) Push(ctx context.Context, accountID string, alert *domain.Alert) (string, error) {
	raw, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("failed to encode alert: %w", err)
	}
	id, err := r.store.Push(ctx, Join(AlertsPath, accountID), raw)
	if err != nil {
		return "", fmt.Errorf("failed to push alert: %w", err)
	}
	alert.ID = id
	return id, nil
}

// List retrieves the inbox of accountID
func (r *alertRepository) List(ctx context.Context, accountID string) ([]*domain.Alert, error) {
	children, err := r.store.Children(ctx, Join(AlertsPath, accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	alerts := make([]*domain.Alert, 0, len(children))
	for _, id := range sortedKeys(children) {
		alert, err := decode[domain.Alert](children[id])
		if err != nil {
			return nil, fmt.Errorf("failed to decode alert %s: %w", id, err)
		}
		alert.ID = id
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
