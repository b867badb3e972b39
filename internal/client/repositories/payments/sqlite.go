package payments

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

const columns = `id, tag, remote_id, visit_id, visit_remote_id, amount, method, receipt_number,
	cancelled, synced, locally_created, created_at, updated_at`

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

func (r *SQLiteRepository) Put(ctx context.Context, p *models.Payment) (int64, error) {
	ts := r.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
	return r.save(ctx, p)
}

func (r *SQLiteRepository) ApplyRemote(ctx context.Context, p *models.Payment) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	return r.save(ctx, p)
}

func (r *SQLiteRepository) save(ctx context.Context, p *models.Payment) (int64, error) {
	if p.LocalID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO payments (tag, remote_id, visit_id, visit_remote_id, amount, method, receipt_number,
				cancelled, synced, locally_created, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Tag, dbx.NullString(p.RemoteID), p.VisitID, dbx.NullString(p.VisitRemoteID), p.Amount,
			string(p.Method), p.ReceiptNumber, dbx.Bool(p.Cancelled), dbx.Bool(p.Synced), dbx.Bool(p.LocallyCreated),
			dbx.UnixNano(p.CreatedAt), dbx.UnixNano(p.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("failed to insert payment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get payment id: %w", err)
		}
		p.LocalID = id
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments SET remote_id = COALESCE(remote_id, ?), visit_id = ?, visit_remote_id = ?, amount = ?, method = ?,
			receipt_number = ?, cancelled = ?, synced = ?, locally_created = ?, updated_at = ?
		WHERE id = ?`,
		dbx.NullString(p.RemoteID), p.VisitID, dbx.NullString(p.VisitRemoteID), p.Amount, string(p.Method),
		p.ReceiptNumber, dbx.Bool(p.Cancelled), dbx.Bool(p.Synced), dbx.Bool(p.LocallyCreated),
		dbx.UnixNano(p.UpdatedAt), p.LocalID)
	if err != nil {
		return 0, fmt.Errorf("failed to update payment %d: %w", p.LocalID, err)
	}
	if err := dbx.ExpectAffected(res); err != nil {
		return 0, fmt.Errorf("payment %d: %w", p.LocalID, common.ErrNotFound)
	}
	return p.LocalID, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM payments WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM payments WHERE remote_id = ?`, remoteID)
}

func (r *SQLiteRepository) GetByTag(ctx context.Context, tag string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM payments WHERE tag = ?`, tag)
}

func (r *SQLiteRepository) GetActiveByVisit(ctx context.Context, visitID int64) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM payments WHERE visit_id = ? AND cancelled = 0`, visitID)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, arg any) (*models.Payment, error) {
	p, err := scan(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %v: %w", arg, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %v: %w", arg, err)
	}
	return p, nil
}

func (r *SQLiteRepository) ListByVisit(ctx context.Context, visitID int64) ([]models.Payment, error) {
	return r.list(ctx, `SELECT `+columns+` FROM payments WHERE visit_id = ? ORDER BY id`, visitID)
}

func (r *SQLiteRepository) ListUnsynced(ctx context.Context) ([]models.Payment, error) {
	return r.list(ctx, `SELECT `+columns+` FROM payments WHERE synced = 0 ORDER BY id`)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select payments: %w", err)
	}
	defer rows.Close()

	var result []models.Payment
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete payment %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) AssignRemote(ctx context.Context, id int64, remoteID string, synced bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments SET remote_id = COALESCE(remote_id, ?), synced = ?, locally_created = 0
		WHERE id = ? AND (remote_id IS NULL OR remote_id = ?)`,
		remoteID, dbx.Bool(synced), id, remoteID)
	if err != nil {
		return fmt.Errorf("failed to assign remote key to payment %d: %w", id, err)
	}
	if err := dbx.ExpectAffected(res); err == nil {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("payment %d: %w", id, common.ErrRemoteKeyImmutable)
}

func (r *SQLiteRepository) SetSynced(ctx context.Context, id int64, synced bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE payments SET synced = ? WHERE id = ? AND remote_id IS NOT NULL`, dbx.Bool(synced), id)
	if err != nil {
		return fmt.Errorf("failed to set synced flag of payment %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) SetReceiptNumber(ctx context.Context, id int64, receipt string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE payments SET receipt_number = ? WHERE id = ?`, receipt, id)
	if err != nil {
		return fmt.Errorf("failed to set receipt number of payment %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) SetVisitRemote(ctx context.Context, visitID int64, visitRemoteID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE payments SET visit_remote_id = ? WHERE visit_id = ?`, visitRemoteID, visitID)
	if err != nil {
		return 0, fmt.Errorf("failed to re-point payments of visit %d: %w", visitID, err)
	}
	return res.RowsAffected()
}

func scan(s interface{ Scan(dest ...any) error }) (*models.Payment, error) {
	var (
		p                            models.Payment
		remoteID, visitRemote        sql.NullString
		method                       string
		cancelled, synced, localOnly int
		created, updated             int64
	)
	err := s.Scan(&p.LocalID, &p.Tag, &remoteID, &p.VisitID, &visitRemote, &p.Amount, &method, &p.ReceiptNumber,
		&cancelled, &synced, &localOnly, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.RemoteID = remoteID.String
	p.VisitRemoteID = visitRemote.String
	p.Method = models.PaymentMethod(method)
	p.Cancelled = cancelled == 1
	p.Synced = synced == 1
	p.LocallyCreated = localOnly == 1
	p.CreatedAt = dbx.FromUnixNano(created)
	p.UpdatedAt = dbx.FromUnixNano(updated)
	return &p, nil
}
