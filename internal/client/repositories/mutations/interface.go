// Package mutations persists the pending-mutation queue.
package mutations

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/possync/internal/client/models"
)

type Repository interface {
	// Enqueue appends item with status pending and returns its id.
	Enqueue(ctx context.Context, item *models.QueueItem) (int64, error)
	Get(ctx context.Context, id int64) (*models.QueueItem, error)
	// ListByStatus returns items in insertion order.
	ListByStatus(ctx context.Context, status models.QueueStatus) ([]models.QueueItem, error)
	// ListForRecord returns every item that originated from one local record.
	ListForRecord(ctx context.Context, entity models.EntityType, localID int64) ([]models.QueueItem, error)
	// ListByEntity returns non-terminal items of one entity type.
	ListByEntity(ctx context.Context, entity models.EntityType) ([]models.QueueItem, error)
	// FindPendingCreate returns the not yet dispatched create for a tag.
	FindPendingCreate(ctx context.Context, entity models.EntityType, tag string) (*models.QueueItem, error)

	SetStatus(ctx context.Context, id int64, status models.QueueStatus) error
	// MoveStatus moves every item in status from to status to.
	MoveStatus(ctx context.Context, from, to models.QueueStatus) (int64, error)
	// RecordFailure increments the attempt count and stores msg. The item
	// becomes terminal once attempts exceed ceiling; the new status is returned.
	RecordFailure(ctx context.Context, id int64, msg string, ceiling int) (models.QueueStatus, error)
	// Reset re-arms an item: pending, zero attempts, no error.
	Reset(ctx context.Context, id int64) error
	UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error
	// SetRemoteIDForTag fills the remote key on items correlated by tag.
	SetRemoteIDForTag(ctx context.Context, entity models.EntityType, tag, remoteID string) (int64, error)

	Delete(ctx context.Context, id int64) error
	DeleteForRecord(ctx context.Context, entity models.EntityType, localID int64) (int64, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[models.QueueStatus]int, error)
}
