package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

func decodeRecord(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode server record: %w", err)
	}
	return nil
}

// Discard removes an item that needs no push and refreshes the synced flag
// of its record.
func (rc *Reconciler) Discard(ctx context.Context, r *storage.Repositories, item models.QueueItem) error {
	if err := r.Mutations.Delete(ctx, item.ID); err != nil {
		return err
	}
	return refreshSynced(ctx, r, item.Entity, item.LocalID)
}

// refreshSynced marks a record synced once it has a remote key and nothing
// left in the queue.
func refreshSynced(ctx context.Context, r *storage.Repositories, entity models.EntityType, id int64) error {
	rec, err := load(ctx, r, entity, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.HasRemote() {
		return nil
	}
	pending, err := hasPending(ctx, r, entity, id)
	if err != nil || pending {
		return err
	}
	switch entity {
	case models.EntityClient:
		return r.Clients.SetSynced(ctx, id, true)
	case models.EntityVisit:
		return r.Visits.SetSynced(ctx, id, true)
	case models.EntityPayment:
		return r.Payments.SetSynced(ctx, id, true)
	}
	return nil
}

func hasPending(ctx context.Context, r *storage.Repositories, entity models.EntityType, id int64) (bool, error) {
	items, err := r.Mutations.ListForRecord(ctx, entity, id)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// ApplyConflict resolves a conflict in favour of the server: the item is
// dropped without reapplying the local change and the server's version,
// when supplied, overwrites the local record.
func (rc *Reconciler) ApplyConflict(ctx context.Context, r *storage.Repositories, item models.QueueItem, res syncapi.OperationResult) error {
	if err := r.Mutations.Delete(ctx, item.ID); err != nil {
		return err
	}
	if len(res.Record) == 0 {
		return refreshSynced(ctx, r, item.Entity, item.LocalID)
	}

	var err error
	switch item.Entity {
	case models.EntityClient:
		var w syncapi.Client
		if err = decodeRecord(res.Record, &w); err == nil {
			_, err = rc.MergeClient(ctx, r, w, true)
		}
	case models.EntityVisit:
		var w syncapi.Visit
		if err = decodeRecord(res.Record, &w); err == nil {
			_, err = rc.MergeVisit(ctx, r, w, true)
		}
	case models.EntityPayment:
		var w syncapi.Payment
		if err = decodeRecord(res.Record, &w); err == nil {
			_, err = rc.MergePayment(ctx, r, w, true)
		}
	}
	return err
}

func ignoreNotFound[T any](v *T, err error) (*T, error) {
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func findClient(ctx context.Context, r *storage.Repositories, ref syncapi.Ref) (*models.Client, error) {
	if ref.RemoteID != "" {
		c, err := ignoreNotFound(r.Clients.GetByRemoteID(ctx, ref.RemoteID))
		if c != nil || err != nil {
			return c, err
		}
	}
	if ref.Tag != "" {
		return ignoreNotFound(r.Clients.GetByTag(ctx, ref.Tag))
	}
	return nil, nil
}

func findVisit(ctx context.Context, r *storage.Repositories, ref syncapi.Ref) (*models.Visit, error) {
	if ref.RemoteID != "" {
		v, err := ignoreNotFound(r.Visits.GetByRemoteID(ctx, ref.RemoteID))
		if v != nil || err != nil {
			return v, err
		}
	}
	if ref.Tag != "" {
		return ignoreNotFound(r.Visits.GetByTag(ctx, ref.Tag))
	}
	return nil, nil
}

func findPayment(ctx context.Context, r *storage.Repositories, ref syncapi.Ref) (*models.Payment, error) {
	if ref.RemoteID != "" {
		p, err := ignoreNotFound(r.Payments.GetByRemoteID(ctx, ref.RemoteID))
		if p != nil || err != nil {
			return p, err
		}
	}
	if ref.Tag != "" {
		return ignoreNotFound(r.Payments.GetByTag(ctx, ref.Tag))
	}
	return nil, nil
}

// deleteQueued reports whether a local delete of the remote record is still
// waiting to be pushed, in which case the server copy must not resurrect it.
func deleteQueued(ctx context.Context, r *storage.Repositories, entity models.EntityType, remoteID string) (bool, error) {
	items, err := r.Mutations.ListByEntity(ctx, entity)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.Action == models.ActionDelete && it.RemoteID == remoteID {
			return true, nil
		}
	}
	return false, nil
}

// adopt attaches the server key to a local record matched by tag whose
// acknowledgement never arrived, then re-points its dependents.
func (rc *Reconciler) adopt(ctx context.Context, r *storage.Repositories, entity models.EntityType, local models.Identity, remoteID string) error {
	if local.HasRemote() || remoteID == "" {
		return nil
	}
	pending, err := hasPending(ctx, r, entity, local.LocalID)
	if err != nil {
		return err
	}
	if err := assign(ctx, r, entity, local.LocalID, remoteID, !pending); err != nil {
		return err
	}
	if _, err := r.Mutations.SetRemoteIDForTag(ctx, entity, local.Tag, remoteID); err != nil {
		return err
	}
	return rc.cascade(ctx, r, entity, local.LocalID, local.Tag, remoteID)
}

// MergeClient applies a server client. Unless force is set, the server
// version replaces an existing local copy only when it is strictly newer.
// The local visit counter is the server's plus visits recorded here that
// the server has not seen yet. It reports whether local state changed.
func (rc *Reconciler) MergeClient(ctx context.Context, r *storage.Repositories, w syncapi.Client, force bool) (bool, error) {
	local, err := findClient(ctx, r, syncapi.Ref{Tag: w.Tag, RemoteID: w.ID})
	if err != nil {
		return false, err
	}

	if w.Deleted {
		if local == nil {
			return false, nil
		}
		if _, err := r.Mutations.DeleteForRecord(ctx, models.EntityClient, local.LocalID); err != nil {
			return false, err
		}
		return true, r.Clients.Delete(ctx, local.LocalID)
	}

	if local != nil && !force && !w.UpdatedAt.After(local.UpdatedAt) {
		return false, rc.adopt(ctx, r, models.EntityClient, local.Identity, w.ID)
	}
	if local == nil {
		queued, err := deleteQueued(ctx, r, models.EntityClient, w.ID)
		if err != nil || queued {
			return false, err
		}
	}

	c := models.ClientFromWire(w)
	if local != nil {
		c.LocalID = local.LocalID
		c.Tag = local.Tag
		c.CreatedAt = local.CreatedAt

		unsynced, err := r.Visits.CountUnsyncedByClient(ctx, local.LocalID)
		if err != nil {
			return false, err
		}
		c.VisitCount += unsynced
		pending, err := hasPending(ctx, r, models.EntityClient, local.LocalID)
		if err != nil {
			return false, err
		}
		c.Synced = !pending
	}
	if c.Tag == "" {
		c.Tag = models.NewIdentity().Tag
	}
	if _, err := r.Clients.ApplyRemote(ctx, &c); err != nil {
		return false, err
	}
	if local != nil && !local.HasRemote() {
		if _, err := r.Mutations.SetRemoteIDForTag(ctx, models.EntityClient, local.Tag, w.ID); err != nil {
			return false, err
		}
		if err := rc.cascade(ctx, r, models.EntityClient, local.LocalID, local.Tag, w.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MergeOffering caches a catalog entry. Offerings are never edited locally,
// so the server copy always wins.
func (rc *Reconciler) MergeOffering(ctx context.Context, r *storage.Repositories, w syncapi.ServiceOffering) (bool, error) {
	if w.Deleted {
		o, err := ignoreNotFound(r.Offerings.GetByRemoteID(ctx, w.ID))
		if err != nil || o == nil {
			return false, err
		}
		return true, r.Offerings.Delete(ctx, o.LocalID)
	}
	o := models.OfferingFromWire(w)
	if _, err := r.Offerings.Upsert(ctx, &o); err != nil {
		return false, err
	}
	return true, nil
}

// MergeVisit applies a server visit under the same newer-wins rule as
// MergeClient. A visit whose client is unknown locally is skipped.
func (rc *Reconciler) MergeVisit(ctx context.Context, r *storage.Repositories, w syncapi.Visit, force bool) (bool, error) {
	local, err := findVisit(ctx, r, syncapi.Ref{Tag: w.Tag, RemoteID: w.ID})
	if err != nil {
		return false, err
	}

	if w.Deleted {
		if local == nil {
			return false, nil
		}
		if _, err := r.Mutations.DeleteForRecord(ctx, models.EntityVisit, local.LocalID); err != nil {
			return false, err
		}
		return true, r.Visits.Delete(ctx, local.LocalID)
	}

	if local != nil && !force && !w.UpdatedAt.After(local.UpdatedAt) {
		return false, rc.adopt(ctx, r, models.EntityVisit, local.Identity, w.ID)
	}
	if local == nil {
		queued, err := deleteQueued(ctx, r, models.EntityVisit, w.ID)
		if err != nil || queued {
			return false, err
		}
	}

	client, err := findClient(ctx, r, w.Client)
	if err != nil {
		return false, err
	}
	if client == nil {
		rc.log.Warn(ctx, "skipping visit of unknown client", "visit", w.ID, "client", w.Client.RemoteID)
		return false, nil
	}

	v := models.VisitFromWire(w, client.LocalID)
	if v.ClientRemoteID == "" {
		v.ClientRemoteID = client.RemoteID
	}
	for i := range v.Lines {
		if v.Lines[i].OfferingRemoteID == "" {
			continue
		}
		o, err := ignoreNotFound(r.Offerings.GetByRemoteID(ctx, v.Lines[i].OfferingRemoteID))
		if err != nil {
			return false, err
		}
		if o != nil {
			v.Lines[i].OfferingID = o.LocalID
		}
	}
	if local != nil {
		v.LocalID = local.LocalID
		v.Tag = local.Tag
		v.CreatedAt = local.CreatedAt
		pending, err := hasPending(ctx, r, models.EntityVisit, local.LocalID)
		if err != nil {
			return false, err
		}
		v.Synced = !pending
	}
	if v.Tag == "" {
		v.Tag = models.NewIdentity().Tag
	}
	if _, err := r.Visits.ApplyRemote(ctx, &v); err != nil {
		return false, err
	}
	if local != nil && !local.HasRemote() {
		if _, err := r.Mutations.SetRemoteIDForTag(ctx, models.EntityVisit, local.Tag, w.ID); err != nil {
			return false, err
		}
		if err := rc.cascade(ctx, r, models.EntityVisit, local.LocalID, local.Tag, w.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MergePayment applies a server payment under the newer-wins rule. A
// payment whose visit is unknown locally is skipped.
func (rc *Reconciler) MergePayment(ctx context.Context, r *storage.Repositories, w syncapi.Payment, force bool) (bool, error) {
	local, err := findPayment(ctx, r, syncapi.Ref{Tag: w.Tag, RemoteID: w.ID})
	if err != nil {
		return false, err
	}

	if w.Deleted {
		if local == nil {
			return false, nil
		}
		if _, err := r.Mutations.DeleteForRecord(ctx, models.EntityPayment, local.LocalID); err != nil {
			return false, err
		}
		return true, r.Payments.Delete(ctx, local.LocalID)
	}

	if local != nil && !force && !w.UpdatedAt.After(local.UpdatedAt) {
		return false, rc.adopt(ctx, r, models.EntityPayment, local.Identity, w.ID)
	}
	if local == nil {
		queued, err := deleteQueued(ctx, r, models.EntityPayment, w.ID)
		if err != nil || queued {
			return false, err
		}
	}

	visit, err := findVisit(ctx, r, w.Visit)
	if err != nil {
		return false, err
	}
	if visit == nil {
		rc.log.Warn(ctx, "skipping payment of unknown visit", "payment", w.ID, "visit", w.Visit.RemoteID)
		return false, nil
	}

	p := models.PaymentFromWire(w, visit.LocalID)
	if p.VisitRemoteID == "" {
		p.VisitRemoteID = visit.RemoteID
	}
	if local != nil {
		p.LocalID = local.LocalID
		p.Tag = local.Tag
		p.CreatedAt = local.CreatedAt
		pending, err := hasPending(ctx, r, models.EntityPayment, local.LocalID)
		if err != nil {
			return false, err
		}
		p.Synced = !pending
	}
	if p.Tag == "" {
		p.Tag = models.NewIdentity().Tag
	}
	if !p.Cancelled {
		if err := rc.supersedeActivePayment(ctx, r, visit.LocalID, p.LocalID); err != nil {
			return false, err
		}
	}
	if _, err := r.Payments.ApplyRemote(ctx, &p); err != nil {
		return false, err
	}
	if local != nil && !local.HasRemote() {
		if _, err := r.Mutations.SetRemoteIDForTag(ctx, models.EntityPayment, local.Tag, w.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// supersedeActivePayment makes room for an active server payment on a
// visit. The server holds at most one active payment per visit, so another
// local active payment has lost: an unpushed one is dropped together with
// its queued mutations, a pushed one is marked cancelled until the server's
// copy arrives.
func (rc *Reconciler) supersedeActivePayment(ctx context.Context, r *storage.Repositories, visitID, keepID int64) error {
	other, err := ignoreNotFound(r.Payments.GetActiveByVisit(ctx, visitID))
	if err != nil || other == nil || other.LocalID == keepID {
		return err
	}
	rc.log.Warn(ctx, "server payment supersedes local payment",
		"visit", visitID, "payment", other.LocalID, "remoteId", other.RemoteID)
	if _, err := r.Mutations.DeleteForRecord(ctx, models.EntityPayment, other.LocalID); err != nil {
		return err
	}
	if !other.HasRemote() {
		return r.Payments.Delete(ctx, other.LocalID)
	}
	other.Cancelled = true
	other.Synced = true
	_, err = r.Payments.ApplyRemote(ctx, other)
	return err
}
