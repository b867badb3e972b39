// Package reconcile resolves record identities between the device and the
// server. A record created offline is known by its local key and a
// temporary tag; once the server accepts it, it also carries the remote
// key, and every dependent record and queued payload is re-pointed at it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// Verdict is the outcome of Prepare.
type Verdict int

const (
	// Send means the operation is complete and may be pushed.
	Send Verdict = iota
	// Defer means a remote key the operation needs is not known yet. The
	// item stays pending and is never sent in this state.
	Defer
	// Resolved means there is nothing left to push: the record was already
	// acknowledged or no longer exists. The item can be removed.
	Resolved
)

func (v Verdict) String() string {
	switch v {
	case Send:
		return "send"
	case Defer:
		return "defer"
	case Resolved:
		return "resolved"
	}
	return "unknown"
}

type Decision struct {
	Verdict   Verdict
	Operation syncapi.Operation
	// Reason explains Defer and Resolved verdicts.
	Reason string
}

type Reconciler struct {
	log logging.Logger
}

func New(log logging.Logger) *Reconciler {
	if log == nil {
		log = logging.Nop()
	}
	return &Reconciler{log: logging.ForModule(log, "reconcile")}
}

// OpID is the operation id used on the wire for a queue item.
func OpID(item models.QueueItem) string {
	return strconv.FormatInt(item.ID, 10)
}

// record is the identity view of a local row.
type record struct {
	models.Identity
	parentID       int64
	parentRemoteID string
}

func load(ctx context.Context, r *storage.Repositories, entity models.EntityType, id int64) (*record, error) {
	switch entity {
	case models.EntityClient:
		c, err := r.Clients.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &record{Identity: c.Identity}, nil
	case models.EntityVisit:
		v, err := r.Visits.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &record{Identity: v.Identity, parentID: v.ClientID, parentRemoteID: v.ClientRemoteID}, nil
	case models.EntityPayment:
		p, err := r.Payments.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &record{Identity: p.Identity, parentID: p.VisitID, parentRemoteID: p.VisitRemoteID}, nil
	}
	return nil, fmt.Errorf("entity %q is not pushed", entity)
}

// Prepare decides whether item can be sent now and returns the operation to
// send. Missing parent keys are looked up in the local store and written
// back into the queued payload before giving up and deferring.
func (rc *Reconciler) Prepare(ctx context.Context, r *storage.Repositories, item models.QueueItem) (Decision, error) {
	op := syncapi.Operation{
		OpID:      OpID(item),
		Action:    syncapi.Action(item.Action),
		Tag:       item.Tag,
		RemoteID:  item.RemoteID,
		UpdatedAt: item.CreatedAt,
		Payload:   item.Payload,
	}

	if item.Action == models.ActionDelete {
		if op.RemoteID == "" {
			return Decision{Verdict: Defer, Reason: "remote key of deleted record unknown"}, nil
		}
		op.Payload = nil
		return Decision{Verdict: Send, Operation: op}, nil
	}

	rec, err := load(ctx, r, item.Entity, item.LocalID)
	if errors.Is(err, common.ErrNotFound) {
		return Decision{Verdict: Resolved, Reason: "record no longer exists"}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	switch item.Action {
	case models.ActionCreate:
		if rec.HasRemote() {
			return Decision{Verdict: Resolved, Reason: "create already acknowledged"}, nil
		}
	case models.ActionUpdate:
		if op.RemoteID == "" {
			op.RemoteID = rec.RemoteID
		}
		if op.RemoteID == "" {
			return Decision{Verdict: Defer, Reason: "record has no remote key yet"}, nil
		}
	}

	field, parentEntity, hasParent := parentField(item.Entity)
	if !hasParent {
		return Decision{Verdict: Send, Operation: op}, nil
	}

	ref, present, err := readRef(item.Payload, field)
	if err != nil {
		return Decision{}, fmt.Errorf("queue item %d: %w", item.ID, err)
	}
	if present && ref.Resolved() {
		return Decision{Verdict: Send, Operation: op}, nil
	}

	parentRemote := rec.parentRemoteID
	if parentRemote == "" {
		parent, err := load(ctx, r, parentEntity, rec.parentID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return Decision{}, err
		}
		if parent != nil {
			parentRemote = parent.RemoteID
			if ref.Tag == "" {
				ref.Tag = parent.Tag
			}
		}
	}
	if parentRemote == "" {
		return Decision{Verdict: Defer, Reason: fmt.Sprintf("%s not acknowledged yet", parentEntity)}, nil
	}

	ref.RemoteID = parentRemote
	payload, err := writeRef(item.Payload, field, ref)
	if err != nil {
		return Decision{}, fmt.Errorf("queue item %d: %w", item.ID, err)
	}
	if err := r.Mutations.UpdatePayload(ctx, item.ID, payload); err != nil {
		return Decision{}, err
	}
	if err := repointRecord(ctx, r, item.Entity, rec.parentID, parentRemote); err != nil {
		return Decision{}, err
	}
	rc.log.Debug(ctx, "re-pointed queued payload", "item", item.ID, "entity", item.Entity, "parent", parentRemote)

	op.Payload = payload
	return Decision{Verdict: Send, Operation: op}, nil
}

func repointRecord(ctx context.Context, r *storage.Repositories, child models.EntityType, parentID int64, parentRemote string) error {
	switch child {
	case models.EntityVisit:
		_, err := r.Visits.SetClientRemote(ctx, parentID, parentRemote)
		return err
	case models.EntityPayment:
		_, err := r.Payments.SetVisitRemote(ctx, parentID, parentRemote)
		return err
	}
	return nil
}

// ErrAckMismatch is returned when a server acknowledges a record with a
// different remote key than the one already attached.
var ErrAckMismatch = errors.New("acknowledged remote key differs from the assigned one")

// Acknowledge applies a successful result for item: attaches the remote key,
// re-points dependents and removes the item. Acknowledging a record that
// already carries the same key only removes the item.
func (rc *Reconciler) Acknowledge(ctx context.Context, r *storage.Repositories, item models.QueueItem, res syncapi.OperationResult) error {
	remoteID := res.ServerID
	if remoteID == "" {
		remoteID = item.RemoteID
	}

	if item.Action == models.ActionDelete {
		return r.Mutations.Delete(ctx, item.ID)
	}
	if remoteID == "" {
		return fmt.Errorf("queue item %d: acknowledgement without remote key: %w", item.ID, common.ErrValidation)
	}

	rec, err := load(ctx, r, item.Entity, item.LocalID)
	if errors.Is(err, common.ErrNotFound) {
		// deleted locally while the create was in flight
		if err := r.Mutations.Delete(ctx, item.ID); err != nil {
			return err
		}
		if item.Action != models.ActionCreate {
			return nil
		}
		_, err := r.Mutations.Enqueue(ctx, &models.QueueItem{
			Entity:   item.Entity,
			Action:   models.ActionDelete,
			LocalID:  item.LocalID,
			Tag:      item.Tag,
			RemoteID: remoteID,
		})
		return err
	}
	if err != nil {
		return err
	}
	if rec.HasRemote() && rec.RemoteID != remoteID {
		return fmt.Errorf("%s %d has %s, server sent %s: %w", item.Entity, item.LocalID, rec.RemoteID, remoteID, ErrAckMismatch)
	}

	if err := r.Mutations.Delete(ctx, item.ID); err != nil {
		return err
	}
	remaining, err := r.Mutations.ListForRecord(ctx, item.Entity, item.LocalID)
	if err != nil {
		return err
	}
	synced := len(remaining) == 0

	if err := assign(ctx, r, item.Entity, item.LocalID, remoteID, synced); err != nil {
		return err
	}
	if _, err := r.Mutations.SetRemoteIDForTag(ctx, item.Entity, rec.Tag, remoteID); err != nil {
		return err
	}
	if err := rc.cascade(ctx, r, item.Entity, item.LocalID, rec.Tag, remoteID); err != nil {
		return err
	}
	if item.Entity == models.EntityPayment {
		if err := takeReceipt(ctx, r, item.LocalID, res); err != nil {
			return err
		}
	}

	rc.log.Debug(ctx, "acknowledged", "entity", item.Entity, "local", item.LocalID, "remote", remoteID, "synced", synced)
	return nil
}

func assign(ctx context.Context, r *storage.Repositories, entity models.EntityType, id int64, remoteID string, synced bool) error {
	switch entity {
	case models.EntityClient:
		return r.Clients.AssignRemote(ctx, id, remoteID, synced)
	case models.EntityVisit:
		return r.Visits.AssignRemote(ctx, id, remoteID, synced)
	case models.EntityPayment:
		return r.Payments.AssignRemote(ctx, id, remoteID, synced)
	}
	return fmt.Errorf("entity %q is not pushed", entity)
}

// cascade pushes a freshly assigned parent key into dependent rows and into
// queued child payloads that still reference the parent by tag only.
func (rc *Reconciler) cascade(ctx context.Context, r *storage.Repositories, parent models.EntityType, parentID int64, tag, remoteID string) error {
	child, ok := childOf(parent)
	if !ok {
		return nil
	}
	if err := repointRecord(ctx, r, child, parentID, remoteID); err != nil {
		return err
	}

	field, _, _ := parentField(child)
	items, err := r.Mutations.ListByEntity(ctx, child)
	if err != nil {
		return err
	}
	for _, it := range items {
		ref, present, err := readRef(it.Payload, field)
		if err != nil {
			rc.log.Warn(ctx, "skipping undecodable queued payload", "item", it.ID, "error", err)
			continue
		}
		if !present || ref.Resolved() || ref.Tag != tag {
			continue
		}
		ref.RemoteID = remoteID
		payload, err := writeRef(it.Payload, field, ref)
		if err != nil {
			return err
		}
		if err := r.Mutations.UpdatePayload(ctx, it.ID, payload); err != nil {
			return err
		}
	}
	return nil
}

func takeReceipt(ctx context.Context, r *storage.Repositories, paymentID int64, res syncapi.OperationResult) error {
	if len(res.Record) == 0 {
		return nil
	}
	var p syncapi.Payment
	if err := decodeRecord(res.Record, &p); err != nil {
		return err
	}
	if p.ReceiptNumber == "" {
		return nil
	}
	return r.Payments.SetReceiptNumber(ctx, paymentID, p.ReceiptNumber)
}
