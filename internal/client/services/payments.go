package services

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
)

var receiptEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ReceiptNumber builds the receipt number of a payment taken offline:
// OFF-<yyyymmdd>-<10 base32 chars of blake2b-256(deviceID || tag)>.
func ReceiptNumber(deviceID, tag string, at time.Time) string {
	sum := blake2b.Sum256([]byte(deviceID + tag))
	return fmt.Sprintf("OFF-%s-%s", at.UTC().Format("20060102"), receiptEncoding.EncodeToString(sum[:])[:10])
}

type PaymentService interface {
	// Record settles a visit. A visit accepts one active payment.
	Record(ctx context.Context, visitID int64, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, error)
	// Cancel voids a payment so the visit can be settled again.
	Cancel(ctx context.Context, id int64) (*models.Payment, error)
	Get(ctx context.Context, id int64) (*models.Payment, error)
	ListByVisit(ctx context.Context, visitID int64) ([]models.Payment, error)
}

type paymentService struct {
	base
	deviceID string
	log      logging.Logger
}

func NewPaymentService(store *storage.Manager, deviceID string, notify Notifier, log logging.Logger) PaymentService {
	if log == nil {
		log = logging.Nop()
	}
	return &paymentService{
		base:     base{store: store, notify: notify},
		deviceID: deviceID,
		log:      logging.ForModule(log, "payments"),
	}
}

func (s *paymentService) Record(ctx context.Context, visitID int64, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, error) {
	if !method.Valid() {
		return nil, validation("unknown payment method %q", method)
	}
	if amount.IsNegative() {
		return nil, validation("amount must not be negative")
	}

	var p *models.Payment
	err := s.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		visit, err := r.Visits.Get(ctx, visitID)
		if err != nil {
			return err
		}
		_, err = r.Payments.GetActiveByVisit(ctx, visitID)
		switch {
		case err == nil:
			return fmt.Errorf("visit %d: %w", visitID, ErrPaymentExists)
		case !errors.Is(err, common.ErrNotFound):
			return err
		}

		id := models.NewIdentity()
		p = &models.Payment{
			Identity:       id,
			VisitID:        visit.LocalID,
			VisitRemoteID:  visit.RemoteID,
			Amount:         amount,
			Method:         method,
			ReceiptNumber:  ReceiptNumber(s.deviceID, id.Tag, s.store.Now()),
			LocallyCreated: true,
		}
		if _, err := r.Payments.Put(ctx, p); err != nil {
			return err
		}
		return enqueueCreate(ctx, r, models.EntityPayment, p.Identity, p.Wire(visit.Ref()))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "payment recorded", "id", p.LocalID, "visit", visitID, "receipt", p.ReceiptNumber)
	s.changed()
	return p, nil
}

func (s *paymentService) Cancel(ctx context.Context, id int64) (*models.Payment, error) {
	var p *models.Payment
	err := s.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		var err error
		if p, err = r.Payments.Get(ctx, id); err != nil {
			return err
		}
		if p.Cancelled {
			return fmt.Errorf("payment %d: %w", id, ErrCancelled)
		}
		visit, err := r.Visits.Get(ctx, p.VisitID)
		if err != nil {
			return err
		}
		p.Cancelled = true
		p.Synced = false
		if _, err := r.Payments.Put(ctx, p); err != nil {
			return err
		}
		return enqueueChange(ctx, r, models.EntityPayment, p.Identity, p.Wire(visit.Ref()))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "payment cancelled", "id", id)
	s.changed()
	return p, nil
}

func (s *paymentService) Get(ctx context.Context, id int64) (*models.Payment, error) {
	return s.store.Repos().Payments.Get(ctx, id)
}

func (s *paymentService) ListByVisit(ctx context.Context, visitID int64) ([]models.Payment, error) {
	return s.store.Repos().Payments.ListByVisit(ctx, visitID)
}
