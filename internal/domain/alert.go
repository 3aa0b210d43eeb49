package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AlertType represents the severity/kind shown by the front end
type AlertType string

const (
	AlertTypeSuccess AlertType = "success"
	AlertTypeError   AlertType = "error"
	AlertTypeInfo    AlertType = "info"
	AlertTypeReceipt AlertType = "receipt"
)

// Alert is a fire-and-forget notification appended to alerts/{accountId}
type Alert struct {
	ID          string       `json:"-"`
	Msg         string       `json:"msg"`
	Type        AlertType    `json:"type"`
	Time        int64        `json:"time"` // Unix milliseconds
	IsReceipt   bool         `json:"isReceipt,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

func newAlert(t AlertType, msg string, now time.Time) *Alert {
	return &Alert{Msg: msg, Type: t, Time: now.UnixMilli()}
}

// OrderFulfilledAlert tells the owner the top-up was delivered
func OrderFulfilledAlert(o *Order, now time.Time) *Alert {
	return newAlert(AlertTypeSuccess, fmt.Sprintf("%s top-up delivered to %s", o.ItemType, o.ItemRef), now)
}

// OrderRefundedAlert tells the owner the cost was returned and why
func OrderRefundedAlert(o *Order, reason string, now time.Time) *Alert {
	return newAlert(AlertTypeError,
		fmt.Sprintf("Refunded %s %s. Reason: %s", o.Cost.String(), CurrencyCode, reason), now)
}

// TransferInsufficientAlert tells the sender the transfer was rejected
func TransferInsufficientAlert(balance decimal.Decimal, now time.Time) *Alert {
	return newAlert(AlertTypeError,
		fmt.Sprintf("Transfer failed: your balance (%s) is insufficient", balance.String()), now)
}

// TransferSentAlert confirms a transfer to the sender
func TransferSentAlert(amount decimal.Decimal, now time.Time) *Alert {
	return newAlert(AlertTypeSuccess, fmt.Sprintf("Transferred %s %s successfully", amount.String(), CurrencyCode), now)
}

// TransferReceiptAlert carries the transaction record to the receiver
func TransferReceiptAlert(tx *Transaction, now time.Time) *Alert {
	a := newAlert(AlertTypeReceipt,
		fmt.Sprintf("Received %s %s from %s", tx.Amount.String(), CurrencyCode, tx.SenderName), now)
	a.IsReceipt = true
	a.Transaction = tx
	return a
}

// RatingAcceptedAlert confirms a rating to the rater
func RatingAcceptedAlert(now time.Time) *Alert {
	return newAlert(AlertTypeSuccess, "Your rating was submitted", now)
}

// RatingDuplicateAlert tells the rater the rating was ignored
func RatingDuplicateAlert(now time.Time) *Alert {
	return newAlert(AlertTypeInfo, "You have already rated this user", now)
}
