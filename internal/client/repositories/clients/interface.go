// Package clients stores Client records in the local SQLite database.
package clients

import (
	"context"
	"time"

	"github.com/dmitrijs2005/possync/internal/client/models"
)

// Filter narrows List results. Zero value returns every client.
type Filter struct {
	// Synced restricts to synced (true) or unsynced (false) clients.
	Synced *bool
	// Search matches a substring of first name, last name or phone.
	Search string
}

// Repository describes persistence operations for clients.
type Repository interface {
	// Put inserts c when c.LocalID is zero and updates it otherwise. The
	// store clock stamps UpdatedAt (and CreatedAt on insert).
	Put(ctx context.Context, c *models.Client) (int64, error)

	// ApplyRemote writes c keeping its UpdatedAt. Used when server state
	// overwrites local state.
	ApplyRemote(ctx context.Context, c *models.Client) (int64, error)

	Get(ctx context.Context, id int64) (*models.Client, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.Client, error)
	GetByTag(ctx context.Context, tag string) (*models.Client, error)
	List(ctx context.Context, f Filter) ([]models.Client, error)
	Delete(ctx context.Context, id int64) error

	// IncrementVisitCount bumps the counter and returns its value before
	// the increment.
	IncrementVisitCount(ctx context.Context, id int64, at time.Time) (int, error)

	// AssignRemote attaches the server key. It fails with
	// common.ErrRemoteKeyImmutable if a different key is already set.
	AssignRemote(ctx context.Context, id int64, remoteID string, synced bool) error

	// SetSynced updates only the synced flag.
	SetSynced(ctx context.Context, id int64, synced bool) error
}
