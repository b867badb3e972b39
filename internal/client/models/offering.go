package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOffering is a cached catalog entry. It is reference data: pulled
// from the server and never queued for push.
type ServiceOffering struct {
	LocalID   int64
	RemoteID  string
	Label     string
	Price     decimal.Decimal
	Active    bool
	UpdatedAt time.Time
}
