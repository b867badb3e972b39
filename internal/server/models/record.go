// Package models holds the server-side storage model.
package models

import (
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// Record is one stored entity. Entities share a single document table:
// Data holds the wire representation and the other fields are the columns
// the server queries by.
type Record struct {
	Entity syncapi.EntityType
	ID     string
	// DeviceID and Tag identify the create that produced the record, which
	// makes replayed creates idempotent.
	DeviceID string
	Tag      string
	// ParentID is the client of a visit or the visit of a payment.
	ParentID string
	Data     json.RawMessage
	// UpdatedAt is the entity's own modification time, used for conflicts.
	UpdatedAt time.Time
	// ChangedAt is the server time of the last write, used by pull cursors.
	ChangedAt time.Time
	Deleted   bool
}
