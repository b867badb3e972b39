package mutations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/dbx"
)

const columns = `id, entity, action, payload, local_id, tag, remote_id, status, attempts, last_error, created_at`

type SQLiteRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX, now func() time.Time) *SQLiteRepository {
	if now == nil {
		now = time.Now
	}
	return &SQLiteRepository{db: db, now: now}
}

func (r *SQLiteRepository) Enqueue(ctx context.Context, item *models.QueueItem) (int64, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = r.now().UTC()
	}
	item.Status = models.QueueStatusPending
	payload := []byte(item.Payload)
	if payload == nil {
		payload = []byte{}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (entity, action, payload, local_id, tag, remote_id, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		string(item.Entity), string(item.Action), payload, item.LocalID, item.Tag, item.RemoteID,
		string(item.Status), dbx.UnixNano(item.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", item.Action, item.Entity, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue item id: %w", err)
	}
	item.ID = id
	return id, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM pending_mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, status models.QueueStatus) ([]models.QueueItem, error) {
	return r.list(ctx, `SELECT `+columns+` FROM pending_mutations WHERE status = ? ORDER BY id`, string(status))
}

func (r *SQLiteRepository) ListForRecord(ctx context.Context, entity models.EntityType, localID int64) ([]models.QueueItem, error) {
	return r.list(ctx, `SELECT `+columns+` FROM pending_mutations WHERE entity = ? AND local_id = ? ORDER BY id`,
		string(entity), localID)
}

func (r *SQLiteRepository) ListByEntity(ctx context.Context, entity models.EntityType) ([]models.QueueItem, error) {
	return r.list(ctx, `SELECT `+columns+` FROM pending_mutations WHERE entity = ? AND status != ? ORDER BY id`,
		string(entity), string(models.QueueStatusFailed))
}

func (r *SQLiteRepository) FindPendingCreate(ctx context.Context, entity models.EntityType, tag string) (*models.QueueItem, error) {
	item, err := scan(r.db.QueryRowContext(ctx, `
		SELECT `+columns+` FROM pending_mutations
		WHERE entity = ? AND tag = ? AND action = ? AND status = ?
		ORDER BY id LIMIT 1`,
		string(entity), tag, string(models.ActionCreate), string(models.QueueStatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending create for %s %s: %w", entity, tag, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending create for %s %s: %w", entity, tag, err)
	}
	return item, nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select queue items: %w", err)
	}
	defer rows.Close()

	var result []models.QueueItem
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item row: %w", err)
		}
		result = append(result, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue item rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) SetStatus(ctx context.Context, id int64, status models.QueueStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pending_mutations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set status of queue item %d: %w", id, err)
	}
	if err := dbx.ExpectAffected(res); err != nil {
		return fmt.Errorf("queue item %d: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) MoveStatus(ctx context.Context, from, to models.QueueStatus) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE pending_mutations SET status = ? WHERE status = ?`, string(to), string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to move queue items from %s to %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) RecordFailure(ctx context.Context, id int64, msg string, ceiling int) (models.QueueStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE pending_mutations
		SET attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN attempts + 1 > ? THEN ? ELSE ? END
		WHERE id = ?
		RETURNING status`,
		msg, ceiling, string(models.QueueStatusFailed), string(models.QueueStatusPending), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("queue item %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to record failure of queue item %d: %w", id, err)
	}
	return models.QueueStatus(status), nil
}

func (r *SQLiteRepository) Reset(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_mutations SET status = ?, attempts = 0, last_error = '' WHERE id = ?`,
		string(models.QueueStatusPending), id)
	if err != nil {
		return fmt.Errorf("failed to reset queue item %d: %w", id, err)
	}
	if err := dbx.ExpectAffected(res); err != nil {
		return fmt.Errorf("queue item %d: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pending_mutations SET payload = ? WHERE id = ?`, []byte(payload), id)
	if err != nil {
		return fmt.Errorf("failed to update payload of queue item %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) SetRemoteIDForTag(ctx context.Context, entity models.EntityType, tag, remoteID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_mutations SET remote_id = ? WHERE entity = ? AND tag = ? AND remote_id = ''`,
		remoteID, string(entity), tag)
	if err != nil {
		return 0, fmt.Errorf("failed to set remote key on queued %s %s: %w", entity, tag, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteForRecord(ctx context.Context, entity models.EntityType, localID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE entity = ? AND local_id = ?`, string(entity), localID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queued %s %d: %w", entity, localID, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_mutations`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	result := map[models.QueueStatus]int{
		models.QueueStatusPending:    0,
		models.QueueStatusProcessing: 0,
		models.QueueStatusFailed:     0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count row: %w", err)
		}
		result[models.QueueStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue count rows: %w", err)
	}
	return result, nil
}

func scan(s interface{ Scan(dest ...any) error }) (*models.QueueItem, error) {
	var (
		item                   models.QueueItem
		entity, action, status string
		payload                []byte
		created                int64
	)
	err := s.Scan(&item.ID, &entity, &action, &payload, &item.LocalID, &item.Tag, &item.RemoteID,
		&status, &item.Attempts, &item.LastError, &created)
	if err != nil {
		return nil, err
	}
	item.Entity = models.EntityType(entity)
	item.Action = models.Action(action)
	item.Status = models.QueueStatus(status)
	item.Payload = json.RawMessage(payload)
	item.CreatedAt = dbx.FromUnixNano(created)
	return &item, nil
}
