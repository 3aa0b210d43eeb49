package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionTypeTransfer tags peer-to-peer transfer records
const TransactionTypeTransfer = "transfer"

// ErrRequestConsumed is returned when settling a queue entry that another
// drain pass already removed
var ErrRequestConsumed = errors.New("queue request already consumed")

// TransferRequest is a queued peer-to-peer balance transfer.
// The queue entry is not a ledger record; the resulting Transaction is.
type TransferRequest struct {
	ID       string          `json:"-"`
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Amount   decimal.Decimal `json:"amount"`
}

// Validate ensures the request can be applied
func (r *TransferRequest) Validate() error {
	if r.Sender == "" || r.Receiver == "" {
		return errors.New("transfer sender and receiver are required")
	}
	if r.Sender == r.Receiver {
		return errors.New("transfer to self is not allowed")
	}
	if !r.Amount.IsPositive() {
		return errors.New("transfer amount must be positive")
	}
	return nil
}

// Transaction is the immutable log entry of a completed transfer.
// Involves lists both parties so a user's history can be queried.
type Transaction struct {
	ID           string          `json:"-"`
	OpID         string          `json:"opId"`
	Amount       decimal.Decimal `json:"amount"`
	Sender       string          `json:"sender"`
	SenderName   string          `json:"senderName"`
	Receiver     string          `json:"receiver"`
	ReceiverName string          `json:"receiverName"`
	Date         int64           `json:"date"` // Unix milliseconds
	Involves     []string        `json:"involves"`
	Type         string          `json:"type"`
}

// NewTransferTransaction builds the log entry for a transfer between two
// accounts
func NewTransferTransaction(sender, receiver *Account, amount decimal.Decimal, now time.Time) *Transaction {
	return &Transaction{
		OpID:         NewOperationID(),
		Amount:       amount,
		Sender:       sender.ID,
		SenderName:   sender.DisplayName(),
		Receiver:     receiver.ID,
		ReceiverName: receiver.DisplayName(),
		Date:         now.UnixMilli(),
		Involves:     []string{sender.ID, receiver.ID},
		Type:         TransactionTypeTransfer,
	}
}

// NewOperationID returns a short human-facing reference like TR-1A2B3C4D
func NewOperationID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TR-" + strings.ToUpper(hex[:8])
}

// InvolvesAccount reports whether id is a party to the transaction
func (t *Transaction) InvolvesAccount(id string) bool {
	for _, party := range t.Involves {
		if party == id {
			return true
		}
	}
	return false
}
