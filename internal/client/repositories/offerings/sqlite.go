package offerings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, o *models.ServiceOffering) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO service_offerings (remote_id, label, price, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			label = excluded.label,
			price = excluded.price,
			active = excluded.active,
			updated_at = excluded.updated_at
		RETURNING id`,
		o.RemoteID, o.Label, o.Price, dbx.Bool(o.Active), dbx.UnixNano(o.UpdatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert offering %s: %w", o.RemoteID, err)
	}
	o.LocalID = id
	return id, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.ServiceOffering, error) {
	return r.getOne(ctx, `SELECT id, remote_id, label, price, active, updated_at FROM service_offerings WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.ServiceOffering, error) {
	return r.getOne(ctx, `SELECT id, remote_id, label, price, active, updated_at FROM service_offerings WHERE remote_id = ?`, remoteID)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, arg any) (*models.ServiceOffering, error) {
	o, err := scan(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offering %v: %w", arg, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offering %v: %w", arg, err)
	}
	return o, nil
}

func (r *SQLiteRepository) List(ctx context.Context, activeOnly bool) ([]models.ServiceOffering, error) {
	query := `SELECT id, remote_id, label, price, active, updated_at FROM service_offerings`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY label, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select offerings: %w", err)
	}
	defer rows.Close()

	var result []models.ServiceOffering
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offering row: %w", err)
		}
		result = append(result, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate offering rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM service_offerings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete offering %d: %w", id, err)
	}
	return nil
}

func scan(s interface{ Scan(dest ...any) error }) (*models.ServiceOffering, error) {
	var (
		o       models.ServiceOffering
		active  int
		updated int64
	)
	if err := s.Scan(&o.LocalID, &o.RemoteID, &o.Label, &o.Price, &active, &updated); err != nil {
		return nil, err
	}
	o.Active = active == 1
	o.UpdatedAt = dbx.FromUnixNano(updated)
	return &o, nil
}
