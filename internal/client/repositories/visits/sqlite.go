package visits

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

const columns = `id, tag, remote_id, client_id, client_remote_id, lines, free, total,
	visited_at, synced, locally_created, created_at, updated_at`

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

func (r *SQLiteRepository) Put(ctx context.Context, v *models.Visit) (int64, error) {
	ts := r.now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = ts
	}
	v.UpdatedAt = ts
	return r.save(ctx, v)
}

func (r *SQLiteRepository) ApplyRemote(ctx context.Context, v *models.Visit) (int64, error) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = v.UpdatedAt
	}
	return r.save(ctx, v)
}

func (r *SQLiteRepository) save(ctx context.Context, v *models.Visit) (int64, error) {
	if v.Free && !v.Total.IsZero() {
		return 0, fmt.Errorf("visit %s: free visit with total %s: %w", v.Tag, v.Total, common.ErrValidation)
	}
	lines := v.Lines
	if lines == nil {
		lines = []models.ServiceLine{}
	}
	encoded, err := json.Marshal(lines)
	if err != nil {
		return 0, fmt.Errorf("failed to encode visit lines: %w", err)
	}

	if v.LocalID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO visits (tag, remote_id, client_id, client_remote_id, lines, free, total,
				visited_at, synced, locally_created, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.Tag, dbx.NullString(v.RemoteID), v.ClientID, dbx.NullString(v.ClientRemoteID), string(encoded),
			dbx.Bool(v.Free), v.Total, dbx.UnixNano(v.VisitedAt), dbx.Bool(v.Synced), dbx.Bool(v.LocallyCreated),
			dbx.UnixNano(v.CreatedAt), dbx.UnixNano(v.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("failed to insert visit: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get visit id: %w", err)
		}
		v.LocalID = id
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE visits SET remote_id = COALESCE(remote_id, ?), client_id = ?, client_remote_id = ?, lines = ?, free = ?,
			total = ?, visited_at = ?, synced = ?, locally_created = ?, updated_at = ?
		WHERE id = ?`,
		dbx.NullString(v.RemoteID), v.ClientID, dbx.NullString(v.ClientRemoteID), string(encoded),
		dbx.Bool(v.Free), v.Total, dbx.UnixNano(v.VisitedAt), dbx.Bool(v.Synced), dbx.Bool(v.LocallyCreated),
		dbx.UnixNano(v.UpdatedAt), v.LocalID)
	if err != nil {
		return 0, fmt.Errorf("failed to update visit %d: %w", v.LocalID, err)
	}
	if err := dbx.ExpectAffected(res); err != nil {
		return 0, fmt.Errorf("visit %d: %w", v.LocalID, common.ErrNotFound)
	}
	return v.LocalID, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Visit, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM visits WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Visit, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM visits WHERE remote_id = ?`, remoteID)
}

func (r *SQLiteRepository) GetByTag(ctx context.Context, tag string) (*models.Visit, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM visits WHERE tag = ?`, tag)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, arg any) (*models.Visit, error) {
	v, err := scan(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("visit %v: %w", arg, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visit %v: %w", arg, err)
	}
	return v, nil
}

func (r *SQLiteRepository) ListByClient(ctx context.Context, clientID int64) ([]models.Visit, error) {
	return r.list(ctx, `SELECT `+columns+` FROM visits WHERE client_id = ? ORDER BY visited_at, id`, clientID)
}

func (r *SQLiteRepository) ListUnsynced(ctx context.Context) ([]models.Visit, error) {
	return r.list(ctx, `SELECT `+columns+` FROM visits WHERE synced = 0 ORDER BY id`)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.Visit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select visits: %w", err)
	}
	defer rows.Close()

	var result []models.Visit
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit row: %w", err)
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate visit rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) CountUnsyncedByClient(ctx context.Context, clientID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits WHERE client_id = ? AND remote_id IS NULL`, clientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced visits of client %d: %w", clientID, err)
	}
	return n, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM visits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete visit %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) AssignRemote(ctx context.Context, id int64, remoteID string, synced bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE visits SET remote_id = COALESCE(remote_id, ?), synced = ?, locally_created = 0
		WHERE id = ? AND (remote_id IS NULL OR remote_id = ?)`,
		remoteID, dbx.Bool(synced), id, remoteID)
	if err != nil {
		return fmt.Errorf("failed to assign remote key to visit %d: %w", id, err)
	}
	if err := dbx.ExpectAffected(res); err == nil {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("visit %d: %w", id, common.ErrRemoteKeyImmutable)
}

func (r *SQLiteRepository) SetSynced(ctx context.Context, id int64, synced bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE visits SET synced = ? WHERE id = ? AND remote_id IS NOT NULL`, dbx.Bool(synced), id)
	if err != nil {
		return fmt.Errorf("failed to set synced flag of visit %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) SetClientRemote(ctx context.Context, clientID int64, clientRemoteID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE visits SET client_remote_id = ? WHERE client_id = ?`, clientRemoteID, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to re-point visits of client %d: %w", clientID, err)
	}
	return res.RowsAffected()
}

func scan(s interface{ Scan(dest ...any) error }) (*models.Visit, error) {
	var (
		v                         models.Visit
		remoteID, clientRemote    sql.NullString
		lines                     string
		free, synced, localOnly   int
		visited, created, updated int64
	)
	err := s.Scan(&v.LocalID, &v.Tag, &remoteID, &v.ClientID, &clientRemote, &lines, &free, &v.Total,
		&visited, &synced, &localOnly, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lines), &v.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode visit lines: %w", err)
	}
	v.RemoteID = remoteID.String
	v.ClientRemoteID = clientRemote.String
	v.Free = free == 1
	v.Synced = synced == 1
	v.LocallyCreated = localOnly == 1
	v.VisitedAt = dbx.FromUnixNano(visited)
	v.CreatedAt = dbx.FromUnixNano(created)
	v.UpdatedAt = dbx.FromUnixNano(updated)
	return &v, nil
}
