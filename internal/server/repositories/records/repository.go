// Package records persists server-side entities in one document table.
package records

import (
	"context"
	"time"

	"github.com/dmitrijs2005/possync/internal/server/models"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// Repository describes persistence operations for stored entities.
type Repository interface {
	// Get returns common.ErrNotFound when no record has id. Tombstones are
	// returned with Deleted set.
	Get(ctx context.Context, entity syncapi.EntityType, id string) (*models.Record, error)
	// GetByOrigin finds the record created by tag on deviceID.
	GetByOrigin(ctx context.Context, entity syncapi.EntityType, deviceID, tag string) (*models.Record, error)
	// ListByParent returns live records whose parent is parentID.
	ListByParent(ctx context.Context, entity syncapi.EntityType, parentID string) ([]models.Record, error)
	// Put inserts or replaces the record with the same entity and id.
	Put(ctx context.Context, rec *models.Record) error
	// ChangedSince returns records written strictly after since, tombstones
	// included, ordered by ChangedAt.
	ChangedSince(ctx context.Context, since time.Time) ([]models.Record, error)
	Count(ctx context.Context, entity syncapi.EntityType) (int, error)
	// NextSequence increments and returns the named counter, starting at 1.
	NextSequence(ctx context.Context, name string) (int64, error)
}
