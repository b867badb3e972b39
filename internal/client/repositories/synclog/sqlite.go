package synclog

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/dbx"
)

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

func (r *SQLiteRepository) Append(ctx context.Context, e *models.SyncLogEntry, retain int) (int64, error) {
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	var detail []byte
	if len(e.Detail) > 0 {
		detail = []byte(e.Detail)
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO sync_log (at, status, message, detail) VALUES (?, ?, ?, ?)`,
		dbx.UnixNano(e.At), string(e.Status), e.Message, detail)
	if err != nil {
		return 0, fmt.Errorf("failed to append sync log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get sync log entry id: %w", err)
	}
	e.ID = id

	if retain > 0 {
		_, err = r.db.ExecContext(ctx, `
			DELETE FROM sync_log WHERE id NOT IN (
				SELECT id FROM sync_log ORDER BY id DESC LIMIT ?
			)`, retain)
		if err != nil {
			return 0, fmt.Errorf("failed to prune sync log: %w", err)
		}
	}
	return id, nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, at, status, message, detail FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select sync log: %w", err)
	}
	defer rows.Close()

	var result []models.SyncLogEntry
	for rows.Next() {
		var (
			e      models.SyncLogEntry
			at     int64
			status string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &at, &status, &e.Message, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan sync log row: %w", err)
		}
		e.At = dbx.FromUnixNano(at)
		e.Status = models.LogStatus(status)
		e.Detail = detail
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync log rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync log: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_log`); err != nil {
		return fmt.Errorf("failed to clear sync log: %w", err)
	}
	return nil
}
