package services

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
)

// OfferingService reads the catalog cached by pull.
type OfferingService interface {
	List(ctx context.Context, activeOnly bool) ([]models.ServiceOffering, error)
	Get(ctx context.Context, id int64) (*models.ServiceOffering, error)
}

type offeringService struct {
	store *storage.Manager
}

func NewOfferingService(store *storage.Manager) OfferingService {
	return &offeringService{store: store}
}

func (s *offeringService) List(ctx context.Context, activeOnly bool) ([]models.ServiceOffering, error) {
	return s.store.Repos().Offerings.List(ctx, activeOnly)
}

func (s *offeringService) Get(ctx context.Context, id int64) (*models.ServiceOffering, error) {
	return s.store.Repos().Offerings.Get(ctx, id)
}
