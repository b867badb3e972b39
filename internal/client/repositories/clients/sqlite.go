package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/dbx"
)

const columns = `id, tag, remote_id, first_name, last_name, phone, visit_count,
	last_visit_at, synced, locally_created, created_at, updated_at`

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

// NewSQLiteRepository returns a repository bound to db. now stamps writes.
func NewSQLiteRepository(db dbx.DBTX, now func() time.Time) *SQLiteRepository {
	if now == nil {
		now = time.Now
	}
	return &SQLiteRepository{db: db, now: now}
}

func (r *SQLiteRepository) Put(ctx context.Context, c *models.Client) (int64, error) {
	ts := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts
	return r.save(ctx, c)
}

func (r *SQLiteRepository) ApplyRemote(ctx context.Context, c *models.Client) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	return r.save(ctx, c)
}

func (r *SQLiteRepository) save(ctx context.Context, c *models.Client) (int64, error) {
	if c.LocalID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO clients (tag, remote_id, first_name, last_name, phone, visit_count,
				last_visit_at, synced, locally_created, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Tag, dbx.NullString(c.RemoteID), c.FirstName, c.LastName, c.Phone, c.VisitCount,
			dbx.NullUnixNano(c.LastVisitAt), dbx.Bool(c.Synced), dbx.Bool(c.LocallyCreated),
			dbx.UnixNano(c.CreatedAt), dbx.UnixNano(c.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("failed to insert client: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get client id: %w", err)
		}
		c.LocalID = id
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET remote_id = COALESCE(remote_id, ?), first_name = ?, last_name = ?, phone = ?,
			visit_count = ?, last_visit_at = ?, synced = ?, locally_created = ?, updated_at = ?
		WHERE id = ?`,
		dbx.NullString(c.RemoteID), c.FirstName, c.LastName, c.Phone, c.VisitCount,
		dbx.NullUnixNano(c.LastVisitAt), dbx.Bool(c.Synced), dbx.Bool(c.LocallyCreated),
		dbx.UnixNano(c.UpdatedAt), c.LocalID)
	if err != nil {
		return 0, fmt.Errorf("failed to update client %d: %w", c.LocalID, err)
	}
	if err := dbx.ExpectAffected(res); err != nil {
		return 0, fmt.Errorf("client %d: %w", c.LocalID, common.ErrNotFound)
	}
	return c.LocalID, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM clients WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM clients WHERE remote_id = ?`, remoteID)
}

func (r *SQLiteRepository) GetByTag(ctx context.Context, tag string) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM clients WHERE tag = ?`, tag)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, arg any) (*models.Client, error) {
	c, err := scan(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %v: %w", arg, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client %v: %w", arg, err)
	}
	return c, nil
}

func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]models.Client, error) {
	query := `SELECT ` + columns + ` FROM clients WHERE 1 = 1`
	var args []any
	if f.Synced != nil {
		query += ` AND synced = ?`
		args = append(args, dbx.Bool(*f.Synced))
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		query += ` AND (first_name LIKE ? OR last_name LIKE ? OR phone LIKE ?)`
		args = append(args, like, like, like)
	}
	query += ` ORDER BY last_name, first_name, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select clients: %w", err)
	}
	defer rows.Close()

	var result []models.Client
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate client rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete client %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) IncrementVisitCount(ctx context.Context, id int64, at time.Time) (int, error) {
	var before int
	err := r.db.QueryRowContext(ctx, `SELECT visit_count FROM clients WHERE id = ?`, id).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("client %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read visit count of client %d: %w", id, err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE clients SET visit_count = visit_count + 1, last_visit_at = ?, updated_at = ?
		WHERE id = ?`, dbx.UnixNano(at), dbx.UnixNano(r.now()), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment visit count of client %d: %w", id, err)
	}
	return before, nil
}

func (r *SQLiteRepository) AssignRemote(ctx context.Context, id int64, remoteID string, synced bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET remote_id = COALESCE(remote_id, ?), synced = ?, locally_created = 0
		WHERE id = ? AND (remote_id IS NULL OR remote_id = ?)`,
		remoteID, dbx.Bool(synced), id, remoteID)
	if err != nil {
		return fmt.Errorf("failed to assign remote key to client %d: %w", id, err)
	}
	if err := dbx.ExpectAffected(res); err == nil {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("client %d: %w", id, common.ErrRemoteKeyImmutable)
}

func (r *SQLiteRepository) SetSynced(ctx context.Context, id int64, synced bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE clients SET synced = ? WHERE id = ? AND remote_id IS NOT NULL`, dbx.Bool(synced), id)
	if err != nil {
		return fmt.Errorf("failed to set synced flag of client %d: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.Client, error) {
	var (
		c                 models.Client
		remoteID          sql.NullString
		lastVisit         sql.NullInt64
		synced, localOnly int
		created, updated  int64
	)
	err := s.Scan(&c.LocalID, &c.Tag, &remoteID, &c.FirstName, &c.LastName, &c.Phone, &c.VisitCount,
		&lastVisit, &synced, &localOnly, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.RemoteID = remoteID.String
	c.LastVisitAt = dbx.TimePtr(lastVisit)
	c.Synced = synced == 1
	c.LocallyCreated = localOnly == 1
	c.CreatedAt = dbx.FromUnixNano(created)
	c.UpdatedAt = dbx.FromUnixNano(updated)
	return &c, nil
}
