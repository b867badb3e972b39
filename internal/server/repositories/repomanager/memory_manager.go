package repomanager

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/server/repositories/records"
)

type MemoryRepositoryManager struct {
	store *records.MemoryStore
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{store: records.NewMemoryStore()}
}

func (m *MemoryRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repo records.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.Update(ctx, fn)
}

func (m *MemoryRepositoryManager) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryRepositoryManager) Close() error { return nil }
