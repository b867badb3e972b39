package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/rules"
)

// LineInput selects a catalog offering for a visit. The unit price is taken
// from the catalog when the visit is recorded.
type LineInput struct {
	OfferingID int64
	Quantity   int
}

type VisitService interface {
	// Create records a visit. The free-visit flag is evaluated against the
	// client's visit count read in the same transaction that increments it.
	Create(ctx context.Context, clientID int64, lines []LineInput) (*models.Visit, error)
	Get(ctx context.Context, id int64) (*models.Visit, error)
	ListByClient(ctx context.Context, clientID int64) ([]models.Visit, error)
}

type visitService struct {
	base
	rules rules.Evaluator
	log   logging.Logger
}

func NewVisitService(store *storage.Manager, ev rules.Evaluator, notify Notifier, log logging.Logger) VisitService {
	if log == nil {
		log = logging.Nop()
	}
	return &visitService{base: base{store: store, notify: notify}, rules: ev, log: logging.ForModule(log, "visits")}
}

func (s *visitService) Create(ctx context.Context, clientID int64, in []LineInput) (*models.Visit, error) {
	if len(in) == 0 {
		return nil, validation("visit needs at least one service line")
	}
	for _, l := range in {
		if l.Quantity <= 0 {
			return nil, validation("quantity must be positive, got %d", l.Quantity)
		}
	}

	var v *models.Visit
	err := s.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		client, err := r.Clients.Get(ctx, clientID)
		if err != nil {
			return err
		}
		lines, err := priceLines(ctx, r, in)
		if err != nil {
			return err
		}

		now := s.store.Now()
		before, err := r.Clients.IncrementVisitCount(ctx, clientID, now)
		if err != nil {
			return err
		}
		free := s.rules.NextVisitFree(before)

		v = &models.Visit{
			Identity:       models.NewIdentity(),
			ClientID:       client.LocalID,
			ClientRemoteID: client.RemoteID,
			Lines:          lines,
			Free:           free,
			Total:          rules.VisitTotal(lines, free),
			VisitedAt:      now,
			LocallyCreated: true,
		}
		if _, err := r.Visits.Put(ctx, v); err != nil {
			return err
		}
		return enqueueCreate(ctx, r, models.EntityVisit, v.Identity, v.Wire(client.Ref()))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "visit recorded", "id", v.LocalID, "client", clientID, "free", v.Free, "total", v.Total.String())
	s.changed()
	return v, nil
}

func priceLines(ctx context.Context, r *storage.Repositories, in []LineInput) ([]models.ServiceLine, error) {
	lines := make([]models.ServiceLine, 0, len(in))
	for _, l := range in {
		o, err := r.Offerings.Get(ctx, l.OfferingID)
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("offering %d: %w", l.OfferingID, ErrUnknownOffering)
		}
		if err != nil {
			return nil, err
		}
		if !o.Active {
			return nil, fmt.Errorf("offering %q: %w", o.Label, ErrUnknownOffering)
		}
		lines = append(lines, models.ServiceLine{
			OfferingID:       o.LocalID,
			OfferingRemoteID: o.RemoteID,
			Label:            o.Label,
			Quantity:         l.Quantity,
			UnitPrice:        o.Price,
		})
	}
	return lines, nil
}

func (s *visitService) Get(ctx context.Context, id int64) (*models.Visit, error) {
	return s.store.Repos().Visits.Get(ctx, id)
}

func (s *visitService) ListByClient(ctx context.Context, clientID int64) ([]models.Visit, error) {
	return s.store.Repos().Visits.ListByClient(ctx, clientID)
}
