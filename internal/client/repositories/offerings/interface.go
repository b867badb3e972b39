// Package offerings caches the service catalog pulled from the server.
package offerings

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/client/models"
)

type Repository interface {
	// Upsert inserts or replaces the offering identified by RemoteID.
	Upsert(ctx context.Context, o *models.ServiceOffering) (int64, error)
	Get(ctx context.Context, id int64) (*models.ServiceOffering, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.ServiceOffering, error)
	List(ctx context.Context, activeOnly bool) ([]models.ServiceOffering, error)
	Delete(ctx context.Context, id int64) error
}
