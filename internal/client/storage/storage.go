// Package storage is the durable local store: a single SQLite database with
// one table per business entity plus the mutation queue, the sync journal and
// a metadata table. It owns the connection, applies migrations and hands out
// repositories bound either to the database or to one transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/possync/internal/client/migrations"
	"github.com/dmitrijs2005/possync/internal/client/repositories/clients"
	"github.com/dmitrijs2005/possync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/possync/internal/client/repositories/mutations"
	"github.com/dmitrijs2005/possync/internal/client/repositories/offerings"
	"github.com/dmitrijs2005/possync/internal/client/repositories/payments"
	"github.com/dmitrijs2005/possync/internal/client/repositories/synclog"
	"github.com/dmitrijs2005/possync/internal/client/repositories/visits"
	"github.com/dmitrijs2005/possync/internal/dbx"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Repositories groups every repository bound to the same handle.
type Repositories struct {
	Clients   clients.Repository
	Offerings offerings.Repository
	Visits    visits.Repository
	Payments  payments.Repository
	Mutations mutations.Repository
	SyncLog   synclog.Repository
	Metadata  metadata.Repository
}

// NewRepositories binds all repositories to db, which may be a *sql.DB or
// a *sql.Tx. now stamps updated-at columns.
func NewRepositories(db dbx.DBTX, now func() time.Time) *Repositories {
	return &Repositories{
		Clients:   clients.NewSQLiteRepository(db, now),
		Offerings: offerings.NewSQLiteRepository(db),
		Visits:    visits.NewSQLiteRepository(db, now),
		Payments:  payments.NewSQLiteRepository(db, now),
		Mutations: mutations.NewSQLiteRepository(db, now),
		SyncLog:   synclog.NewSQLiteRepository(db, now),
		Metadata:  metadata.NewSQLiteRepository(db),
	}
}

type Option func(*Manager)

// WithClock replaces the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBusyTimeout sets how long a write waits for a lock held by another
// process sharing the file.
func WithBusyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.busyTimeout = d }
}

// Manager owns the database handle.
type Manager struct {
	db          *sql.DB
	now         func() time.Time
	busyTimeout time.Duration
	repos       *Repositories
}

// Open opens the database at dsn and brings its schema up to date.
func Open(ctx context.Context, dsn string, opts ...Option) (*Manager, error) {
	m := &Manager{now: time.Now, busyTimeout: 5 * time.Second}
	for _, o := range opts {
		o(m)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// A single connection serializes every transaction and keeps an
	// in-memory database alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := configure(ctx, db, dsn, m.busyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	m.db = db
	m.repos = NewRepositories(db, m.now)
	return m, nil
}

func configure(ctx context.Context, db *sql.DB, dsn string, busy time.Duration) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
	}
	if !isMemory(dsn) {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to configure local store (%s): %w", p, err)
		}
	}
	return nil
}

func isMemory(dsn string) bool {
	return dsn == MemoryDSN || strings.Contains(dsn, "mode=memory")
}

// Repos returns repositories bound to the database. Each call runs in its
// own implicit transaction.
func (m *Manager) Repos() *Repositories {
	return m.repos
}

// WithTx runs fn with repositories bound to one transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (m *Manager) WithTx(ctx context.Context, fn func(ctx context.Context, r *Repositories) error) error {
	return dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewRepositories(tx, m.now))
	})
}

// Now returns the store clock.
func (m *Manager) Now() time.Time {
	return m.now()
}

// DB exposes the raw handle for maintenance tasks such as backups.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// SchemaVersion returns the applied migration version.
func (m *Manager) SchemaVersion(ctx context.Context) (int64, error) {
	return migrations.Version(ctx, m.db)
}

func (m *Manager) Close() error {
	return m.db.Close()
}
