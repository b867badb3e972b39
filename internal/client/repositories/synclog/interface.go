// Package synclog stores the bounded, user-visible sync journal.
package synclog

import (
	"context"

	"github.com/dmitrijs2005/possync/internal/client/models"
)

type Repository interface {
	// Append adds e and prunes the oldest entries so at most retain remain.
	// A non-positive retain keeps everything.
	Append(ctx context.Context, e *models.SyncLogEntry, retain int) (int64, error)
	// List returns up to limit entries, newest first. Non-positive limit
	// returns all.
	List(ctx context.Context, limit int) ([]models.SyncLogEntry, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}
