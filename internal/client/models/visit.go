package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceLine is one item sold during a visit. UnitPrice is copied from the
// catalog at the time of sale and never re-derived.
type ServiceLine struct {
	OfferingID       int64           `json:"offeringId,omitempty"`
	OfferingRemoteID string          `json:"offeringRemoteId"`
	Label            string          `json:"label"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
}

// Amount is UnitPrice times Quantity.
func (l ServiceLine) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Visit is a client's visit with the services rendered.
type Visit struct {
	Identity

	ClientID int64
	// ClientRemoteID is filled once the client's remote key is known.
	ClientRemoteID string

	Lines []ServiceLine
	Free  bool
	// Total is zero whenever Free is set.
	Total decimal.Decimal

	VisitedAt time.Time

	Synced         bool
	LocallyCreated bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
