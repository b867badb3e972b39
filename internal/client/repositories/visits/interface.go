// Package visits stores Visit records. Service lines are embedded as JSON.
package visits

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/client/models"
)

type Repository interface {
	// Put inserts or updates v and stamps UpdatedAt with the store clock.
	Put(ctx context.Context, v *models.Visit) (int64, error)
	// ApplyRemote writes v keeping its UpdatedAt.
	ApplyRemote(ctx context.Context, v *models.Visit) (int64, error)

	Get(ctx context.Context, id int64) (*models.Visit, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.Visit, error)
	GetByTag(ctx context.Context, tag string) (*models.Visit, error)
	ListByClient(ctx context.Context, clientID int64) ([]models.Visit, error)
	ListUnsynced(ctx context.Context) ([]models.Visit, error)
	// CountUnsyncedByClient counts visits of a client the server has not
	// acknowledged yet.
	CountUnsyncedByClient(ctx context.Context, clientID int64) (int, error)
	Delete(ctx context.Context, id int64) error

	AssignRemote(ctx context.Context, id int64, remoteID string, synced bool) error
	SetSynced(ctx context.Context, id int64, synced bool) error
	// SetClientRemote re-points every visit of a client at its remote key.
	SetClientRemote(ctx context.Context, clientID int64, clientRemoteID string) (int64, error)
}
