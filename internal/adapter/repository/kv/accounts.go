package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/simaogato/topup-engine/internal/domain"
)

// accountRepository implements domain.AccountRepository
type accountRepository struct {
	store Store
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(store Store) domain.AccountRepository {
	return &accountRepository{store: store}
}

func accountPath(id string) string {
	return Join(AccountsPath, id)
}

func decodeAccount(id string, raw json.RawMessage) (*domain.Account, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	account, err := decode[domain.Account](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode account %s: %v", domain.ErrAccountInvalid, id, err)
	}
	account.ID = id
	return account, nil
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	raw, err := r.store.Get(ctx, accountPath(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return decodeAccount(id, raw)
}

// Create stores a new account unless the ID is already taken
func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	_, err := r.store.Update(ctx, accountPath(account.ID), func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountExists, account.ID)
		}
		return json.Marshal(account)
	})
	return err
}

// encodeAccounts validates accounts and merges each onto its stored value
func encodeAccounts(current map[string]json.RawMessage, accounts ...*domain.Account) (map[string]json.RawMessage, error) {
	writes := make(map[string]json.RawMessage, len(accounts))
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrAccountInvalid, a.ID, err)
		}
		p := accountPath(a.ID)
		raw, err := merge(current[p], a)
		if err != nil {
			return nil, err
		}
		writes[p] = raw
	}
	return writes, nil
}
