// Package repomanager opens the server's record store and hands out
// transactional repositories. PostgreSQL is used when a DSN is configured;
// otherwise records live in memory for the lifetime of the process.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/server/repositories/records"
)

type RepositoryManager interface {
	// WithTx runs fn in a transaction. Transactions are serialized so a batch
	// observes a stable view of visit counts and receipt sequences.
	WithTx(ctx context.Context, fn func(ctx context.Context, repo records.Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns a Postgres manager for a non-empty dsn and a memory manager
// otherwise.
func Open(ctx context.Context, dsn string) (RepositoryManager, error) {
	if dsn == "" {
		return NewMemoryRepositoryManager(), nil
	}
	return NewPostgresRepositoryManager(ctx, dsn)
}
