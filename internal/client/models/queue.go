package models

import (
	"encoding/json"
	"time"
)

// EntityType names a business table that takes part in synchronization.
type EntityType string

const (
	EntityClient   EntityType = "client"
	EntityVisit    EntityType = "visit"
	EntityPayment  EntityType = "payment"
	EntityOffering EntityType = "service_offering"
)

// PushOrder lists the entity types in the order their mutations are pushed.
var PushOrder = []EntityType{EntityClient, EntityVisit, EntityPayment}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	// QueueStatusFailed is terminal: the item is kept for a human to retry
	// or discard and is not sent automatically.
	QueueStatusFailed QueueStatus = "failed"
)

// QueueItem is a locally originated mutation not yet acknowledged by the
// server.
type QueueItem struct {
	ID     int64
	Entity EntityType
	Action Action

	// Payload is the entity snapshot in wire format taken at enqueue time.
	Payload json.RawMessage

	LocalID  int64
	Tag      string
	RemoteID string

	Status    QueueStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
}
