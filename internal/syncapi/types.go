// Package syncapi holds the JSON wire types exchanged between the sync client
// and the remote system of record:
//
//	POST /sync/batch              BatchRequest  -> BatchResponse
//	GET  /sync/pull?since=<ts>    PullResponse
//	GET  /sync/ws                 stream of Notification
//
// Timestamps are RFC 3339 with nanoseconds. Money is a decimal string.
package syncapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EntityType string

const (
	EntityClient   EntityType = "client"
	EntityVisit    EntityType = "visit"
	EntityPayment  EntityType = "payment"
	EntityOffering EntityType = "service_offering"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusConflict Status = "conflict"
	StatusFailure  Status = "failure"
)

// Ref points at another record either by its temporary tag, its remote key,
// or both once the remote key is known.
type Ref struct {
	Tag      string `json:"tag,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`
}

func (r Ref) Resolved() bool { return r.RemoteID != "" }

type Client struct {
	ID          string     `json:"id,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Phone       string     `json:"phone,omitempty"`
	VisitCount  int        `json:"visitCount"`
	LastVisitAt *time.Time `json:"lastVisitAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Deleted     bool       `json:"deleted,omitempty"`
}

type ServiceOffering struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
}

type ServiceLine struct {
	OfferingID string          `json:"offeringId"`
	Label      string          `json:"label"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
}

func (l ServiceLine) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Visit struct {
	ID        string          `json:"id,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Client    Ref             `json:"client"`
	Lines     []ServiceLine   `json:"lines"`
	Free      bool            `json:"free"`
	Total     decimal.Decimal `json:"total"`
	VisitedAt time.Time       `json:"visitedAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
}

type Payment struct {
	ID            string          `json:"id,omitempty"`
	Tag           string          `json:"tag,omitempty"`
	Visit         Ref             `json:"visit"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	ReceiptNumber string          `json:"receiptNumber"`
	Cancelled     bool            `json:"cancelled,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Deleted       bool            `json:"deleted,omitempty"`
}

// Operation is one queued mutation. Payload holds the entity snapshot for
// creates and updates and is empty for deletes.
type Operation struct {
	OpID      string          `json:"opId"`
	Action    Action          `json:"action"`
	Tag       string          `json:"tag,omitempty"`
	RemoteID  string          `json:"remoteId,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Operations groups a batch by entity type. The server applies the groups in
// field order so parents are processed before children.
type Operations struct {
	Clients  []Operation `json:"clients,omitempty"`
	Visits   []Operation `json:"visits,omitempty"`
	Payments []Operation `json:"payments,omitempty"`
}

// Len returns the number of operations across all groups.
func (o Operations) Len() int {
	return len(o.Clients) + len(o.Visits) + len(o.Payments)
}

// Add appends op to the group for entity. Offerings are pull-only and are
// ignored.
func (o *Operations) Add(entity EntityType, op Operation) bool {
	switch entity {
	case EntityClient:
		o.Clients = append(o.Clients, op)
	case EntityVisit:
		o.Visits = append(o.Visits, op)
	case EntityPayment:
		o.Payments = append(o.Payments, op)
	default:
		return false
	}
	return true
}

type BatchRequest struct {
	DeviceID   string     `json:"deviceId"`
	Operations Operations `json:"operations"`
}

// OperationResult reports the outcome of one operation. Record carries the
// server's current version of the entity for successes and conflicts.
type OperationResult struct {
	OpID     string          `json:"opId"`
	Entity   EntityType      `json:"entity"`
	Status   Status          `json:"status"`
	ServerID string          `json:"serverId,omitempty"`
	Message  string          `json:"message,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
}

type BatchResponse struct {
	Results         []OperationResult `json:"results"`
	ServerTimestamp time.Time         `json:"serverTimestamp"`
}

type PullResponse struct {
	Clients          []Client          `json:"clients"`
	ServiceOfferings []ServiceOffering `json:"serviceOfferings"`
	Visits           []Visit           `json:"visits"`
	Payments         []Payment         `json:"payments"`
	ServerTimestamp  time.Time         `json:"serverTimestamp"`
}

// Len returns the number of records across all collections.
func (p PullResponse) Len() int {
	return len(p.Clients) + len(p.ServiceOfferings) + len(p.Visits) + len(p.Payments)
}

const NotificationChanged = "changed"

// Notification is pushed over the websocket link when server data changes.
type Notification struct {
	Type            string    `json:"type"`
	DeviceID        string    `json:"deviceId,omitempty"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// ErrorResponse is the body of non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
