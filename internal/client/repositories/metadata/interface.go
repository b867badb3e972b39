// Package metadata is a small key/value table for engine bookkeeping: the
// pull cursor, the device id, the session token, the sync lease and the
// pull stall counter.
package metadata

import (
	"context"
	"time"
)

// Well-known keys.
const (
	KeyPullCursor   = "sync.cursor"
	KeyDeviceID     = "device.id"
	KeySessionToken = "session.token"
	KeyLease        = "sync.lease"
	// KeyPullStalls counts consecutive pulls that left records unmerged at
	// the same cursor.
	KeyPullStalls = "sync.pull_stalls"
)

type Repository interface {
	// Get returns (nil, nil) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error

	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
	// GetTime returns the zero time when the key is absent.
	GetTime(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
	// GetInt returns 0 when the key is absent.
	GetInt(ctx context.Context, key string) (int, error)
	SetInt(ctx context.Context, key string, n int) error

	// AcquireLease takes or renews the sync lease for owner. It fails
	// without error when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}
