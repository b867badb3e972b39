package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer:
		return true
	}
	return false
}

// Payment settles one visit. A visit has at most one non-cancelled payment.
type Payment struct {
	Identity

	VisitID       int64
	VisitRemoteID string

	Amount decimal.Decimal
	Method PaymentMethod

	// ReceiptNumber is generated offline and replaced by the server-issued
	// number once the payment is acknowledged.
	ReceiptNumber string
	Cancelled     bool

	Synced         bool
	LocallyCreated bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
