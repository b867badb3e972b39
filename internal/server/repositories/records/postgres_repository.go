package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/dbx"
	"github.com/dmitrijs2005/possync/internal/server/models"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const columns = `entity, id, device_id, tag, parent_id, data, updated_at, changed_at, deleted`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, entity syncapi.EntityType, id string) (*models.Record, error) {
	query := `SELECT ` + columns + ` FROM sync_records WHERE entity = $1 AND id = $2`
	return r.one(ctx, query, string(entity), id)
}

func (r *PostgresRepository) GetByOrigin(ctx context.Context, entity syncapi.EntityType, deviceID, tag string) (*models.Record, error) {
	query := `SELECT ` + columns + ` FROM sync_records WHERE entity = $1 AND device_id = $2 AND tag = $3`
	return r.one(ctx, query, string(entity), deviceID, tag)
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*models.Record, error) {
	rec, err := scan(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) ListByParent(ctx context.Context, entity syncapi.EntityType, parentID string) ([]models.Record, error) {
	query := `SELECT ` + columns + ` FROM sync_records
		WHERE entity = $1 AND parent_id = $2 AND NOT deleted
		ORDER BY changed_at`
	return r.list(ctx, query, string(entity), parentID)
}

func (r *PostgresRepository) ChangedSince(ctx context.Context, since time.Time) ([]models.Record, error) {
	query := `SELECT ` + columns + ` FROM sync_records WHERE changed_at > $1 ORDER BY changed_at, entity, id`
	return r.list(ctx, query, since.UTC())
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]models.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Put(ctx context.Context, rec *models.Record) error {
	query := `INSERT INTO sync_records (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity, id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			changed_at = EXCLUDED.changed_at,
			deleted = EXCLUDED.deleted`

	_, err := r.db.ExecContext(ctx, query,
		string(rec.Entity), rec.ID, rec.DeviceID, rec.Tag, rec.ParentID, []byte(rec.Data),
		rec.UpdatedAt.UTC(), rec.ChangedAt.UTC(), rec.Deleted)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Count(ctx context.Context, entity syncapi.EntityType) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_records WHERE entity = $1 AND NOT deleted`, string(entity)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) NextSequence(ctx context.Context, name string) (int64, error) {
	query := `INSERT INTO sync_sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sync_sequences.value + 1
		RETURNING value`

	var v int64
	if err := r.db.QueryRowContext(ctx, query, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func scan(s interface{ Scan(dest ...any) error }) (*models.Record, error) {
	var (
		rec    models.Record
		entity string
		data   []byte
	)
	err := s.Scan(&entity, &rec.ID, &rec.DeviceID, &rec.Tag, &rec.ParentID, &data,
		&rec.UpdatedAt, &rec.ChangedAt, &rec.Deleted)
	if err != nil {
		return nil, err
	}
	rec.Entity = syncapi.EntityType(entity)
	rec.Data = data
	return &rec, nil
}
