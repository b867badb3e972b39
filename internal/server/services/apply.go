package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/rules"
	"github.com/dmitrijs2005/possync/internal/server/models"
	"github.com/dmitrijs2005/possync/internal/server/repositories/records"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// applier applies the operations of one batch inside its transaction.
type applier struct {
	repo   records.Repository
	rules  rules.Evaluator
	device string
	now    time.Time
}

func (a *applier) apply(ctx context.Context, entity syncapi.EntityType, op syncapi.Operation) (syncapi.OperationResult, bool, error) {
	res := syncapi.OperationResult{OpID: op.OpID, Entity: entity}

	var (
		out *outcome
		err error
	)
	switch op.Action {
	case syncapi.ActionCreate:
		out, err = a.create(ctx, entity, op)
	case syncapi.ActionUpdate:
		out, err = a.update(ctx, entity, op)
	case syncapi.ActionDelete:
		out, err = a.delete(ctx, entity, op)
	default:
		err = rejectf("unknown action %q", op.Action)
	}
	if err != nil {
		if isRejection(err) {
			res.Status = syncapi.StatusFailure
			res.Message = err.Error()
			return res, false, nil
		}
		return res, false, err
	}

	res.Status = out.status
	wrote := false
	if out.rec != nil {
		res.ServerID = out.rec.ID
		res.Record = out.rec.Data
		wrote = out.rec.ChangedAt.Equal(a.now)
	}
	return res, wrote, nil
}

func (a *applier) create(ctx context.Context, entity syncapi.EntityType, op syncapi.Operation) (*outcome, error) {
	if op.Tag == "" {
		return nil, rejectf("create needs a tag")
	}
	existing, err := a.repo.GetByOrigin(ctx, entity, a.device, op.Tag)
	if err == nil {
		return &outcome{status: syncapi.StatusSuccess, rec: existing}, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	var rec *models.Record
	switch entity {
	case syncapi.EntityClient:
		rec, err = a.createClient(op)
	case syncapi.EntityVisit:
		rec, err = a.createVisit(ctx, op)
	case syncapi.EntityPayment:
		rec, err = a.createPayment(ctx, op)
	default:
		return nil, rejectf("%s records are read-only", entity)
	}
	if err != nil {
		return nil, err
	}
	rec.DeviceID = a.device
	if err := a.repo.Put(ctx, rec); err != nil {
		return nil, err
	}
	return &outcome{status: syncapi.StatusSuccess, rec: rec}, nil
}

func (a *applier) update(ctx context.Context, entity syncapi.EntityType, op syncapi.Operation) (*outcome, error) {
	stored, err := a.target(ctx, entity, op)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, rejectf("%s %s not found", entity, op.RemoteID)
	}
	if stored.Deleted || stored.UpdatedAt.After(op.UpdatedAt) {
		return &outcome{status: syncapi.StatusConflict, rec: stored}, nil
	}

	var rec *models.Record
	switch entity {
	case syncapi.EntityClient:
		rec, err = a.updateClient(stored, op)
	case syncapi.EntityVisit:
		rec, err = a.updateVisit(stored, op)
	case syncapi.EntityPayment:
		rec, err = a.updatePayment(ctx, stored, op)
	default:
		return nil, rejectf("%s records are read-only", entity)
	}
	if err != nil {
		return nil, err
	}
	if err := a.repo.Put(ctx, rec); err != nil {
		return nil, err
	}
	return &outcome{status: syncapi.StatusSuccess, rec: rec}, nil
}

func (a *applier) delete(ctx context.Context, entity syncapi.EntityType, op syncapi.Operation) (*outcome, error) {
	if entity == syncapi.EntityOffering {
		return nil, rejectf("%s records are read-only", entity)
	}
	stored, err := a.target(ctx, entity, op)
	if err != nil {
		return nil, err
	}
	switch {
	case stored == nil:
		return &outcome{status: syncapi.StatusSuccess}, nil
	case stored.Deleted:
		return &outcome{status: syncapi.StatusSuccess, rec: stored}, nil
	case stored.UpdatedAt.After(op.UpdatedAt):
		return &outcome{status: syncapi.StatusConflict, rec: stored}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(stored.Data, &fields); err != nil {
		return nil, fmt.Errorf("corrupt %s record %s: %w", entity, stored.ID, err)
	}
	fields["deleted"] = json.RawMessage(`true`)
	ts, err := json.Marshal(op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fields["updatedAt"] = ts

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	rec := *stored
	rec.Data = raw
	rec.Deleted = true
	rec.UpdatedAt = op.UpdatedAt
	rec.ChangedAt = a.now
	if err := a.repo.Put(ctx, &rec); err != nil {
		return nil, err
	}
	return &outcome{status: syncapi.StatusSuccess, rec: &rec}, nil
}

// target loads the record an update or delete addresses. A missing record
// yields nil without error.
func (a *applier) target(ctx context.Context, entity syncapi.EntityType, op syncapi.Operation) (*models.Record, error) {
	if op.RemoteID == "" {
		return nil, rejectf("%s of %s needs a remote id", op.Action, entity)
	}
	rec, err := a.repo.Get(ctx, entity, op.RemoteID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// parent resolves a reference by remote key first, then by the tag this
// device created it with. Deleted parents do not resolve.
func (a *applier) parent(ctx context.Context, entity syncapi.EntityType, ref syncapi.Ref) (*models.Record, error) {
	var (
		rec *models.Record
		err error
	)
	if ref.RemoteID != "" {
		rec, err = a.repo.Get(ctx, entity, ref.RemoteID)
	} else if ref.Tag != "" {
		rec, err = a.repo.GetByOrigin(ctx, entity, a.device, ref.Tag)
	} else {
		return nil, rejectf("missing %s reference", entity)
	}
	if errors.Is(err, common.ErrNotFound) || (err == nil && rec.Deleted) {
		return nil, rejectf("%s %s not found", entity, refString(ref))
	}
	return rec, err
}

func refString(ref syncapi.Ref) string {
	if ref.RemoteID != "" {
		return ref.RemoteID
	}
	return ref.Tag
}

func payload[T any](op syncapi.Operation) (T, error) {
	var w T
	if len(op.Payload) == 0 {
		return w, rejectf("%s needs a payload", op.Action)
	}
	if err := json.Unmarshal(op.Payload, &w); err != nil {
		return w, rejectf("invalid payload: %v", err)
	}
	return w, nil
}

func stamp(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback.UTC()
	}
	return t.UTC()
}

func checkName(w syncapi.Client) error {
	if strings.TrimSpace(w.FirstName) == "" && strings.TrimSpace(w.LastName) == "" {
		return rejectf("client needs a name")
	}
	return nil
}

func (a *applier) createClient(op syncapi.Operation) (*models.Record, error) {
	w, err := payload[syncapi.Client](op)
	if err != nil {
		return nil, err
	}
	if err := checkName(w); err != nil {
		return nil, err
	}
	w.ID = uuid.NewString()
	w.Tag = op.Tag
	w.VisitCount = 0
	w.LastVisitAt = nil
	w.Deleted = false
	w.UpdatedAt = stamp(w.UpdatedAt, op.UpdatedAt)
	return newRecord(syncapi.EntityClient, w.ID, "", a.now, w)
}

func (a *applier) updateClient(stored *models.Record, op syncapi.Operation) (*models.Record, error) {
	w, err := payload[syncapi.Client](op)
	if err != nil {
		return nil, err
	}
	if err := checkName(w); err != nil {
		return nil, err
	}
	var cur syncapi.Client
	if err := decode(*stored, &cur); err != nil {
		return nil, err
	}
	cur.FirstName, cur.LastName, cur.Phone = w.FirstName, w.LastName, w.Phone
	cur.UpdatedAt = stamp(op.UpdatedAt, a.now)
	return a.replace(stored, cur)
}

func checkLines(lines []syncapi.ServiceLine) error {
	if len(lines) == 0 {
		return rejectf("visit needs at least one service line")
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return rejectf("quantity must be positive, got %d", l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return rejectf("unit price of %s is negative", l.OfferingID)
		}
	}
	return nil
}

// createVisit records a visit against its client. The free flag uses the
// client's stored visit count before this visit, the same input the device
// used offline.
func (a *applier) createVisit(ctx context.Context, op syncapi.Operation) (*models.Record, error) {
	w, err := payload[syncapi.Visit](op)
	if err != nil {
		return nil, err
	}
	if err := checkLines(w.Lines); err != nil {
		return nil, err
	}
	parent, err := a.parent(ctx, syncapi.EntityClient, w.Client)
	if err != nil {
		return nil, err
	}
	var client syncapi.Client
	if err := decode(*parent, &client); err != nil {
		return nil, err
	}

	w.ID = uuid.NewString()
	w.Tag = op.Tag
	w.Client = syncapi.Ref{Tag: client.Tag, RemoteID: client.ID}
	w.Free = a.rules.NextVisitFree(client.VisitCount)
	w.Total = rules.VisitTotal(w.Lines, w.Free)
	w.VisitedAt = stamp(w.VisitedAt, op.UpdatedAt)
	w.UpdatedAt = stamp(w.UpdatedAt, op.UpdatedAt)
	w.Deleted = false

	client.VisitCount++
	if client.LastVisitAt == nil || w.VisitedAt.After(*client.LastVisitAt) {
		at := w.VisitedAt
		client.LastVisitAt = &at
	}
	if w.VisitedAt.After(client.UpdatedAt) {
		client.UpdatedAt = w.VisitedAt
	}
	updated, err := a.replace(parent, client)
	if err != nil {
		return nil, err
	}
	if err := a.repo.Put(ctx, updated); err != nil {
		return nil, err
	}

	return newRecord(syncapi.EntityVisit, w.ID, client.ID, a.now, w)
}

// updateVisit replaces the service lines. Client and free flag never change.
func (a *applier) updateVisit(stored *models.Record, op syncapi.Operation) (*models.Record, error) {
	w, err := payload[syncapi.Visit](op)
	if err != nil {
		return nil, err
	}
	if err := checkLines(w.Lines); err != nil {
		return nil, err
	}
	var cur syncapi.Visit
	if err := decode(*stored, &cur); err != nil {
		return nil, err
	}
	cur.Lines = w.Lines
	cur.Total = rules.VisitTotal(cur.Lines, cur.Free)
	cur.UpdatedAt = stamp(op.UpdatedAt, a.now)
	return a.replace(stored, cur)
}

func checkPayment(w syncapi.Payment) error {
	if w.Amount.IsNegative() {
		return rejectf("payment amount is negative")
	}
	if w.Method == "" {
		return rejectf("payment method is required")
	}
	return nil
}

// activePayment returns the id of a non-cancelled payment of visitID other
// than except.
func (a *applier) activePayment(ctx context.Context, visitID, except string) (string, error) {
	siblings, err := a.repo.ListByParent(ctx, syncapi.EntityPayment, visitID)
	if err != nil {
		return "", err
	}
	for _, rec := range siblings {
		if rec.ID == except {
			continue
		}
		var p syncapi.Payment
		if err := decode(rec, &p); err != nil {
			return "", err
		}
		if !p.Cancelled {
			return rec.ID, nil
		}
	}
	return "", nil
}

func (a *applier) createPayment(ctx context.Context, op syncapi.Operation) (*models.Record, error) {
	w, err := payload[syncapi.Payment](op)
	if err != nil {
		return nil, err
	}
	if err := checkPayment(w); err != nil {
		return nil, err
	}
	parent, err := a.parent(ctx, syncapi.EntityVisit, w.Visit)
	if err != nil {
		return nil, err
	}
	var visit syncapi.Visit
	if err := decode(*parent, &visit); err != nil {
		return nil, err
	}
	if !w.Cancelled {
		other, err := a.activePayment(ctx, visit.ID, "")
		if err != nil {
			return nil, err
		}
		if other != "" {
			return nil, rejectf("visit %s already has active payment %s", visit.ID, other)
		}
	}

	seq, err := a.repo.NextSequence(ctx, receiptSequence)
	if err != nil {
		return nil, err
	}
	w.ID = uuid.NewString()
	w.Tag = op.Tag
	w.Visit = syncapi.Ref{Tag: visit.Tag, RemoteID: visit.ID}
	w.ReceiptNumber = fmt.Sprintf("R-%06d", seq)
	w.UpdatedAt = stamp(w.UpdatedAt, op.UpdatedAt)
	w.Deleted = false
	return newRecord(syncapi.EntityPayment, w.ID, visit.ID, a.now, w)
}

// updatePayment changes amount, method and the cancelled flag. The receipt
// number stays the one the server issued.
func (a *applier) updatePayment(ctx context.Context, stored *models.Record, op syncapi.Operation) (*models.Record, error) {
	w, err := payload[syncapi.Payment](op)
	if err != nil {
		return nil, err
	}
	if err := checkPayment(w); err != nil {
		return nil, err
	}
	var cur syncapi.Payment
	if err := decode(*stored, &cur); err != nil {
		return nil, err
	}
	if cur.Cancelled && !w.Cancelled {
		other, err := a.activePayment(ctx, stored.ParentID, stored.ID)
		if err != nil {
			return nil, err
		}
		if other != "" {
			return nil, rejectf("visit %s already has active payment %s", stored.ParentID, other)
		}
	}
	cur.Amount, cur.Method, cur.Cancelled = w.Amount, w.Method, w.Cancelled
	cur.UpdatedAt = stamp(op.UpdatedAt, a.now)
	return a.replace(stored, cur)
}

// replace builds the new version of stored carrying data.
func (a *applier) replace(stored *models.Record, data any) (*models.Record, error) {
	rec, err := newRecord(stored.Entity, stored.ID, stored.ParentID, a.now, data)
	if err != nil {
		return nil, err
	}
	rec.DeviceID, rec.Tag = stored.DeviceID, stored.Tag
	return rec, nil
}
