// Package payments stores Payment records.
package payments

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/client/models"
)

type Repository interface {
	// Put inserts or updates p and stamps UpdatedAt with the store clock.
	Put(ctx context.Context, p *models.Payment) (int64, error)
	// ApplyRemote writes p keeping its UpdatedAt.
	ApplyRemote(ctx context.Context, p *models.Payment) (int64, error)

	Get(ctx context.Context, id int64) (*models.Payment, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.Payment, error)
	GetByTag(ctx context.Context, tag string) (*models.Payment, error)
	// GetActiveByVisit returns the non-cancelled payment of a visit.
	GetActiveByVisit(ctx context.Context, visitID int64) (*models.Payment, error)
	ListByVisit(ctx context.Context, visitID int64) ([]models.Payment, error)
	ListUnsynced(ctx context.Context) ([]models.Payment, error)
	Delete(ctx context.Context, id int64) error

	AssignRemote(ctx context.Context, id int64, remoteID string, synced bool) error
	SetSynced(ctx context.Context, id int64, synced bool) error
	SetReceiptNumber(ctx context.Context, id int64, receipt string) error
	// SetVisitRemote re-points every payment of a visit at its remote key.
	SetVisitRemote(ctx context.Context, visitID int64, visitRemoteID string) (int64, error)
}
