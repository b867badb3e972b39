// Package queue is the pending-mutation queue: the durable record of every
// local change the server has not acknowledged yet. Items are removed only
// after an explicit acknowledgement.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
)

// DefaultRetryCeiling is the number of failed attempts an item may
// accumulate; the next failure makes it terminal.
const DefaultRetryCeiling = 3

// ErrNotFailed is returned by Retry for an item that is not terminal.
var ErrNotFailed = errors.New("queue item is not in failed state")

type Queue interface {
	Enqueue(ctx context.Context, item *models.QueueItem) (int64, error)
	// ListPending returns pending items in FIFO order.
	ListPending(ctx context.Context) ([]models.QueueItem, error)
	ListFailed(ctx context.Context) ([]models.QueueItem, error)
	MarkProcessing(ctx context.Context, id int64) error
	// MarkAcknowledged removes the item.
	MarkAcknowledged(ctx context.Context, id int64) error
	// MarkFailed counts a failed attempt and reports whether the item became
	// terminal.
	MarkFailed(ctx context.Context, id int64, cause error) (bool, error)
	// Retry re-arms a terminal item.
	Retry(ctx context.Context, id int64) error
	// Recover returns items left in processing by a crashed run to pending.
	Recover(ctx context.Context) (int64, error)
	// Release returns the given processing items to pending.
	Release(ctx context.Context, ids []int64) error
	DropForRecord(ctx context.Context, entity models.EntityType, localID int64) (int64, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Stats(ctx context.Context) (map[models.QueueStatus]int, error)
	Ceiling() int
}

type queue struct {
	store   *storage.Manager
	ceiling int
	log     logging.Logger
}

func New(store *storage.Manager, ceiling int, log logging.Logger) Queue {
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	if log == nil {
		log = logging.Nop()
	}
	return &queue{store: store, ceiling: ceiling, log: logging.ForModule(log, "queue")}
}

func (q *queue) Ceiling() int { return q.ceiling }

func (q *queue) Enqueue(ctx context.Context, item *models.QueueItem) (int64, error) {
	id, err := q.store.Repos().Mutations.Enqueue(ctx, item)
	if err != nil {
		return 0, err
	}
	q.log.Debug(ctx, "enqueued", "id", id, "entity", item.Entity, "action", item.Action)
	return id, nil
}

func (q *queue) ListPending(ctx context.Context) ([]models.QueueItem, error) {
	return q.store.Repos().Mutations.ListByStatus(ctx, models.QueueStatusPending)
}

func (q *queue) ListFailed(ctx context.Context) ([]models.QueueItem, error) {
	return q.store.Repos().Mutations.ListByStatus(ctx, models.QueueStatusFailed)
}

func (q *queue) MarkProcessing(ctx context.Context, id int64) error {
	return q.store.Repos().Mutations.SetStatus(ctx, id, models.QueueStatusProcessing)
}

func (q *queue) MarkAcknowledged(ctx context.Context, id int64) error {
	return q.store.Repos().Mutations.Delete(ctx, id)
}

func (q *queue) MarkFailed(ctx context.Context, id int64, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	status, err := q.store.Repos().Mutations.RecordFailure(ctx, id, msg, q.ceiling)
	if err != nil {
		return false, err
	}
	terminal := status == models.QueueStatusFailed
	if terminal {
		q.log.Warn(ctx, "queue item failed permanently", "id", id, "error", msg)
	}
	return terminal, nil
}

func (q *queue) Retry(ctx context.Context, id int64) error {
	return q.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		item, err := r.Mutations.Get(ctx, id)
		if err != nil {
			return err
		}
		if item.Status != models.QueueStatusFailed {
			return fmt.Errorf("queue item %d: %w", id, ErrNotFailed)
		}
		return r.Mutations.Reset(ctx, id)
	})
}

func (q *queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.Repos().Mutations.MoveStatus(ctx, models.QueueStatusProcessing, models.QueueStatusPending)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info(ctx, "recovered interrupted queue items", "count", n)
	}
	return n, nil
}

func (q *queue) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return q.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		for _, id := range ids {
			item, err := r.Mutations.Get(ctx, id)
			if errors.Is(err, common.ErrNotFound) {
				// acknowledged in the meantime
				continue
			}
			if err != nil {
				return err
			}
			if item.Status != models.QueueStatusProcessing {
				continue
			}
			if err := r.Mutations.SetStatus(ctx, id, models.QueueStatusPending); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *queue) DropForRecord(ctx context.Context, entity models.EntityType, localID int64) (int64, error) {
	return q.store.Repos().Mutations.DeleteForRecord(ctx, entity, localID)
}

func (q *queue) Clear(ctx context.Context) error {
	return q.store.Repos().Mutations.Clear(ctx)
}

func (q *queue) Count(ctx context.Context) (int, error) {
	return q.store.Repos().Mutations.Count(ctx)
}

func (q *queue) Stats(ctx context.Context) (map[models.QueueStatus]int, error) {
	return q.store.Repos().Mutations.CountByStatus(ctx)
}

// NewItem builds a queue item for a record, snapshotting payload as JSON.
// Deletes carry no payload.
func NewItem(entity models.EntityType, action models.Action, localID int64, id models.Identity, payload any) (*models.QueueItem, error) {
	item := &models.QueueItem{
		Entity:   entity,
		Action:   action,
		LocalID:  localID,
		Tag:      id.Tag,
		RemoteID: id.RemoteID,
	}
	if action == models.ActionDelete || payload == nil {
		return item, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", entity, err)
	}
	item.Payload = b
	return item, nil
}
