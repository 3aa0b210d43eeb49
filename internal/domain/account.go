package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
)

// CurrencyCode is the internal token balances are denominated in
const CurrencyCode = "SDM"

// Rating bounds accepted from the rating queue
const (
	MinStars = 1.0
	MaxStars = 5.0
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyRated      = errors.New("rater has already rated this account")

	// ErrAccountInvalid marks a stored account that cannot be decoded or
	// breaks the account rules; requests touching it can never settle.
	ErrAccountInvalid = errors.New("stored account is invalid")
)

// RaterSet is the list of account IDs that already rated an account.
// Front ends have written it both as a JSON array and as an object keyed
// by push IDs, so both shapes are accepted on read. It is always written
// back as an array.
type RaterSet []string

// UnmarshalJSON accepts an array of IDs or an object whose values are IDs
func (r *RaterSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*r = list
		return nil
	}

	var byKey map[string]string
	if err := json.Unmarshal(data, &byKey); err != nil {
		return fmt.Errorf("ratedBy must be an array or object of ids: %w", err)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list = make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, byKey[k])
	}
	*r = list
	return nil
}

// Contains reports whether id is in the set
func (r RaterSet) Contains(id string) bool {
	return slices.Contains(r, id)
}

// Account represents a user's balance and reputation in the ledger.
// Adheres to the layout stored under accounts/{id}
type Account struct {
	ID      string          `json:"-"`
	Name    string          `json:"name,omitempty"`
	Balance decimal.Decimal `json:"balance"`
	Rating  float64         `json:"rating"`
	RatedBy RaterSet        `json:"ratedBy,omitempty"`
}

// DisplayName returns the account name, falling back to a placeholder
func (a *Account) DisplayName() string {
	if a.Name == "" {
		return "Unknown"
	}
	return a.Name
}

// Validate ensures the account adheres to domain rules
func (a *Account) Validate() error {
	if a.ID == "" {
		return errors.New("account id cannot be empty")
	}
	if a.Balance.IsNegative() {
		return errors.New("account balance cannot be negative")
	}
	return nil
}

// Credit adds amount to the balance
func (a *Account) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("credit amount must be positive")
	}
	a.Balance = a.Balance.Add(amount)
	return nil
}

// Debit removes amount from the balance.
// Returns ErrInsufficientFunds and leaves the balance untouched if the
// account cannot cover it.
func (a *Account) Debit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("debit amount must be positive")
	}
	if a.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// ApplyRating folds one rating into the running average.
//
// new = (old * count + stars) / (count + 1), with count = len(RatedBy)
// before insertion. This equals the mean over the full history without
// keeping the individual ratings.
func (a *Account) ApplyRating(rater string, stars float64) error {
	if a.RatedBy.Contains(rater) {
		return ErrAlreadyRated
	}

	count := float64(len(a.RatedBy))
	a.Rating = (a.Rating*count + stars) / (count + 1)
	a.RatedBy = append(a.RatedBy, rater)
	return nil
}
