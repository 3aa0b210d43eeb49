package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/simaogato/topup-engine/internal/domain"
)

// AccountFixture defines an account to be seeded
type AccountFixture struct {
	ID      string
	Name    string
	Balance decimal.Decimal
}

// AccountSeeder handles seeding of fixture accounts for local and staging ledgers
type AccountSeeder struct {
	repo domain.AccountRepository
}

// NewAccountSeeder creates a new AccountSeeder instance
func NewAccountSeeder(repo domain.AccountRepository) *AccountSeeder {
	return &AccountSeeder{
		repo: repo,
	}
}

// Seed ensures every fixture account exists.
// Existing accounts are left untouched, so seeding is safe to repeat.
// Returns the number of accounts created.
func (s *AccountSeeder) Seed(ctx context.Context, fixtures []AccountFixture) (int, error) {
	created := 0
	for _, f := range fixtures {
		_, err := s.repo.GetByID(ctx, f.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return created, fmt.Errorf("failed to check account %s: %w", f.ID, err)
		}

		account := &domain.Account{
			ID:      f.ID,
			Name:    f.Name,
			Balance: f.Balance,
		}

		// Validate before creating
		if err := account.Validate(); err != nil {
			return created, fmt.Errorf("invalid fixture %s: %w", f.ID, err)
		}

		if err := s.repo.Create(ctx, account); err != nil {
			// created concurrently by another instance
			if errors.Is(err, domain.ErrAccountExists) {
				continue
			}
			return created, err
		}
		created++
	}

	return created, nil
}
