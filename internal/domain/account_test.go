package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_DebitCredit(t *testing.T) {
	a := Account{ID: "U1", Balance: decimal.NewFromInt(10)}

	require.NoError(t, a.Debit(decimal.RequireFromString("2.5")))
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("7.5")))

	assert.ErrorIs(t, a.Debit(decimal.NewFromInt(8)), ErrInsufficientFunds)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("7.5")), "failed debit leaves the balance untouched")

	require.NoError(t, a.Debit(decimal.RequireFromString("7.5")), "debiting the exact balance is allowed")
	assert.True(t, a.Balance.IsZero())

	require.NoError(t, a.Credit(decimal.NewFromInt(3)))
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(3)))

	assert.Error(t, a.Credit(decimal.Zero))
	assert.Error(t, a.Debit(decimal.NewFromInt(-1)))
}

func TestAccount_ApplyRating(t *testing.T) {
	a := Account{ID: "U2"}

	require.NoError(t, a.ApplyRating("U1", 5))
	require.NoError(t, a.ApplyRating("U3", 4))
	require.NoError(t, a.ApplyRating("U4", 4))
	assert.InDelta(t, 13.0/3.0, a.Rating, 1e-9)
	assert.Equal(t, RaterSet{"U1", "U3", "U4"}, a.RatedBy)

	assert.ErrorIs(t, a.ApplyRating("U3", 1), ErrAlreadyRated)
	assert.InDelta(t, 13.0/3.0, a.Rating, 1e-9, "duplicate rating changes nothing")
	assert.Len(t, a.RatedBy, 3)
}

func TestRaterSet_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    RaterSet
		wantErr bool
	}{
		{name: "array", input: `["U1","U2"]`, want: RaterSet{"U1", "U2"}},
		{name: "object keyed by push id", input: `{"-Nb":"U2","-Na":"U1"}`, want: RaterSet{"U1", "U2"}},
		{name: "null", input: `null`, want: nil},
		{name: "number", input: `7`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RaterSet
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccount_Validate(t *testing.T) {
	assert.NoError(t, (&Account{ID: "U1"}).Validate())
	assert.Error(t, (&Account{}).Validate())
	assert.Error(t, (&Account{ID: "U1", Balance: decimal.NewFromInt(-1)}).Validate())
	assert.Equal(t, "Unknown", (&Account{ID: "U1"}).DisplayName())
}
