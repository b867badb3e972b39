// Package services implements the business operations of the point of sale.
// Every operation writes the local store optimistically and queues the
// matching mutation for the server in the same transaction, so a change is
// either fully recorded and queued or not recorded at all.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/queue"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
)

var (
	ErrValidation      = common.ErrValidation
	ErrPaymentExists   = errors.New("visit already has an active payment")
	ErrUnknownOffering = errors.New("unknown or inactive service offering")
	ErrCancelled       = errors.New("payment is already cancelled")
)

// ReasonLocalChange is passed to the Notifier after a committed change.
const ReasonLocalChange = "local-change"

// Notifier is told about committed local changes, typically to schedule a
// sync. The sync scheduler satisfies it.
type Notifier interface {
	Trigger(reason string) bool
}

type base struct {
	store  *storage.Manager
	notify Notifier
}

func (b *base) changed() {
	if b.notify != nil {
		b.notify.Trigger(ReasonLocalChange)
	}
}

// enqueueChange queues a create or update for a record. When a create for the
// same record has not been sent yet, its payload is replaced instead so the
// server receives a single create with the latest state.
func enqueueChange(ctx context.Context, r *storage.Repositories, entity models.EntityType, id models.Identity, payload any) error {
	item, err := queue.NewItem(entity, models.ActionUpdate, id.LocalID, id, payload)
	if err != nil {
		return err
	}

	pending, err := r.Mutations.FindPendingCreate(ctx, entity, id.Tag)
	switch {
	case err == nil:
		return r.Mutations.UpdatePayload(ctx, pending.ID, item.Payload)
	case !errors.Is(err, common.ErrNotFound):
		return err
	}

	_, err = r.Mutations.Enqueue(ctx, item)
	return err
}

func enqueueCreate(ctx context.Context, r *storage.Repositories, entity models.EntityType, id models.Identity, payload any) error {
	item, err := queue.NewItem(entity, models.ActionCreate, id.LocalID, id, payload)
	if err != nil {
		return err
	}
	_, err = r.Mutations.Enqueue(ctx, item)
	return err
}

// dropQueued removes queued items of a record that are not in flight and
// reports whether one is still being sent.
func dropQueued(ctx context.Context, r *storage.Repositories, entity models.EntityType, localID int64) (bool, error) {
	items, err := r.Mutations.ListForRecord(ctx, entity, localID)
	if err != nil {
		return false, err
	}
	inFlight := false
	for _, it := range items {
		if it.Status == models.QueueStatusProcessing {
			inFlight = true
			continue
		}
		if err := r.Mutations.Delete(ctx, it.ID); err != nil {
			return false, err
		}
	}
	return inFlight, nil
}

func validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}
