package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/rules"
	"github.com/dmitrijs2005/possync/internal/server/models"
	"github.com/dmitrijs2005/possync/internal/server/repositories/records"
	"github.com/dmitrijs2005/possync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const receiptSequence = "receipt"

// Notifier is told about every committed change.
type Notifier interface {
	Publish(n syncapi.Notification)
}

// opError is a per-operation rejection reported as a failure result.
type opError struct{ msg string }

func (e *opError) Error() string { return e.msg }

func rejectf(format string, args ...any) error {
	return &opError{msg: fmt.Sprintf(format, args...)}
}

// outcome is what applying one operation produced.
type outcome struct {
	status syncapi.Status
	rec    *models.Record
}

type SyncService struct {
	repomanager repomanager.RepositoryManager
	rules       rules.Evaluator
	notifier    Notifier
	log         logging.Logger
	now         func() time.Time

	mu   sync.Mutex
	last time.Time
}

type SyncOption func(*SyncService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SyncOption {
	return func(s *SyncService) { s.now = now }
}

func WithNotifier(n Notifier) SyncOption {
	return func(s *SyncService) { s.notifier = n }
}

func NewSyncService(m repomanager.RepositoryManager, ev rules.Evaluator, log logging.Logger, opts ...SyncOption) *SyncService {
	if log == nil {
		log = logging.Nop()
	}
	s := &SyncService{
		repomanager: m,
		rules:       ev,
		log:         logging.ForModule(log, "sync_service"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// tick returns a server timestamp strictly after every previous one, at the
// microsecond precision Postgres keeps.
func (s *SyncService) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// DefaultOfferings is the catalogue seeded into an empty store.
func DefaultOfferings() []syncapi.ServiceOffering {
	return []syncapi.ServiceOffering{
		{ID: "svc-haircut", Label: "Haircut", Price: decimal.RequireFromString("25.00"), Active: true},
		{ID: "svc-beard", Label: "Beard trim", Price: decimal.RequireFromString("12.50"), Active: true},
		{ID: "svc-colour", Label: "Colouring", Price: decimal.RequireFromString("40.00"), Active: true},
		{ID: "svc-wash", Label: "Wash and style", Price: decimal.RequireFromString("15.00"), Active: true},
	}
}

// SeedOfferings stores offerings when the catalogue is empty.
func (s *SyncService) SeedOfferings(ctx context.Context, offerings []syncapi.ServiceOffering) error {
	return s.repomanager.WithTx(ctx, func(ctx context.Context, repo records.Repository) error {
		n, err := repo.Count(ctx, syncapi.EntityOffering)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		now := s.tick()
		for _, o := range offerings {
			o.UpdatedAt = now
			rec, err := newRecord(syncapi.EntityOffering, o.ID, "", now, o)
			if err != nil {
				return err
			}
			if err := repo.Put(ctx, rec); err != nil {
				return err
			}
		}
		s.log.Info(ctx, "seeded service offerings", "count", len(offerings))
		return nil
	})
}

// PutOffering creates or replaces a catalogue entry.
func (s *SyncService) PutOffering(ctx context.Context, o syncapi.ServiceOffering) error {
	if o.ID == "" || o.Label == "" {
		return fmt.Errorf("offering needs an id and a label: %w", common.ErrValidation)
	}
	if o.Price.IsNegative() {
		return fmt.Errorf("offering price is negative: %w", common.ErrValidation)
	}
	err := s.repomanager.WithTx(ctx, func(ctx context.Context, repo records.Repository) error {
		now := s.tick()
		o.UpdatedAt = now
		rec, err := newRecord(syncapi.EntityOffering, o.ID, "", now, o)
		if err != nil {
			return err
		}
		return repo.Put(ctx, rec)
	})
	if err == nil {
		s.publish("")
	}
	return err
}

// ApplyBatch applies every operation of req in one transaction, clients
// first, then visits, then payments. Rejected operations are reported in
// the response; only storage failures abort the batch.
func (s *SyncService) ApplyBatch(ctx context.Context, req syncapi.BatchRequest) (*syncapi.BatchResponse, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("device id is required: %w", common.ErrValidation)
	}

	resp := &syncapi.BatchResponse{Results: make([]syncapi.OperationResult, 0, req.Operations.Len())}
	changed := false

	err := s.repomanager.WithTx(ctx, func(ctx context.Context, repo records.Repository) error {
		resp.Results = resp.Results[:0]
		changed = false
		now := s.tick()
		a := &applier{repo: repo, rules: s.rules, device: req.DeviceID, now: now}

		groups := []struct {
			entity syncapi.EntityType
			ops    []syncapi.Operation
		}{
			{syncapi.EntityClient, req.Operations.Clients},
			{syncapi.EntityVisit, req.Operations.Visits},
			{syncapi.EntityPayment, req.Operations.Payments},
		}
		for _, g := range groups {
			for _, op := range g.ops {
				res, wrote, err := a.apply(ctx, g.entity, op)
				if err != nil {
					return err
				}
				changed = changed || wrote
				resp.Results = append(resp.Results, res)
			}
		}
		resp.ServerTimestamp = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "batch applied", "device", req.DeviceID, "operations", len(resp.Results), "changed", changed)
	if changed {
		s.publish(req.DeviceID)
	}
	return resp, nil
}

// Pull returns every record written after since. The server timestamp is
// the cursor for the next pull.
func (s *SyncService) Pull(ctx context.Context, since time.Time) (*syncapi.PullResponse, error) {
	resp := &syncapi.PullResponse{
		Clients:          []syncapi.Client{},
		ServiceOfferings: []syncapi.ServiceOffering{},
		Visits:           []syncapi.Visit{},
		Payments:         []syncapi.Payment{},
	}

	err := s.repomanager.WithTx(ctx, func(ctx context.Context, repo records.Repository) error {
		resp.ServerTimestamp = s.tick()
		recs, err := repo.ChangedSince(ctx, since)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := appendRecord(resp, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *SyncService) publish(deviceID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(syncapi.Notification{
		Type:            syncapi.NotificationChanged,
		DeviceID:        deviceID,
		ServerTimestamp: s.tick(),
	})
}

func appendRecord(resp *syncapi.PullResponse, rec models.Record) error {
	var err error
	switch rec.Entity {
	case syncapi.EntityClient:
		var w syncapi.Client
		if err = decode(rec, &w); err == nil {
			resp.Clients = append(resp.Clients, w)
		}
	case syncapi.EntityOffering:
		var w syncapi.ServiceOffering
		if err = decode(rec, &w); err == nil {
			resp.ServiceOfferings = append(resp.ServiceOfferings, w)
		}
	case syncapi.EntityVisit:
		var w syncapi.Visit
		if err = decode(rec, &w); err == nil {
			resp.Visits = append(resp.Visits, w)
		}
	case syncapi.EntityPayment:
		var w syncapi.Payment
		if err = decode(rec, &w); err == nil {
			resp.Payments = append(resp.Payments, w)
		}
	}
	return err
}

func decode(rec models.Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("corrupt %s record %s: %w", rec.Entity, rec.ID, err)
	}
	return nil
}

func newRecord(entity syncapi.EntityType, id, parentID string, now time.Time, data any) (*models.Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	rec := &models.Record{Entity: entity, ID: id, ParentID: parentID, Data: raw, ChangedAt: now}
	switch w := data.(type) {
	case syncapi.Client:
		rec.Tag, rec.UpdatedAt, rec.Deleted = w.Tag, w.UpdatedAt, w.Deleted
	case syncapi.Visit:
		rec.Tag, rec.UpdatedAt, rec.Deleted = w.Tag, w.UpdatedAt, w.Deleted
	case syncapi.Payment:
		rec.Tag, rec.UpdatedAt, rec.Deleted = w.Tag, w.UpdatedAt, w.Deleted
	case syncapi.ServiceOffering:
		rec.UpdatedAt, rec.Deleted = w.UpdatedAt, w.Deleted
	}
	return rec, nil
}

func isRejection(err error) bool {
	var oe *opError
	return errors.As(err, &oe)
}
