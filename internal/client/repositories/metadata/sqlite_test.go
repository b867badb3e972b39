package metadata

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/client/migrations"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(context.Background(), db))
	return db
}

func TestSetAndGet_InsertThenGet(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k1", []byte{0x01, 0x02}))

	v, err := r.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, v)
}

func TestGet_NotExists_ReturnsNilNil(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))

	v, err := r.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestSet_UpsertOverwritesValue(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("old")))
	require.NoError(t, r.Set(ctx, "k", []byte("new")))

	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestList_ReturnsAllPairs(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "a", []byte{0xAA}))
	require.NoError(t, r.Set(ctx, "b", []byte{0xBB, 0xCC}))

	m, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, m, 2)
	assert.Equal(t, []byte{0xAA}, m["a"])
	assert.Equal(t, []byte{0xBB, 0xCC}, m["b"])
}

func TestDelete_RemovesKey_AndIsIdempotent(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "x", []byte{0x01}))
	require.NoError(t, r.Delete(ctx, "x"))

	v, err := r.Get(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, r.Delete(ctx, "x"))
}

func TestClear_RemovesAllKeys(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "a", []byte{1}))
	require.NoError(t, r.Set(ctx, "b", []byte{2}))
	require.NoError(t, r.Clear(ctx))

	m, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestTypedHelpers(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	cursor, err := r.GetTime(ctx, KeyPullCursor)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())

	ts := time.Date(2024, 3, 1, 10, 30, 0, 123456789, time.FixedZone("x", 3600))
	require.NoError(t, r.SetTime(ctx, KeyPullCursor, ts))
	cursor, err = r.GetTime(ctx, KeyPullCursor)
	require.NoError(t, err)
	assert.True(t, ts.Equal(cursor))
	assert.Equal(t, time.UTC, cursor.Location())

	require.NoError(t, r.SetString(ctx, KeyDeviceID, "dev-1"))
	id, err := r.GetString(ctx, KeyDeviceID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)

	require.NoError(t, r.SetString(ctx, KeyPullCursor, "garbage"))
	_, err = r.GetTime(ctx, KeyPullCursor)
	require.Error(t, err)

	n, err := r.GetInt(ctx, KeyPullStalls)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, r.SetInt(ctx, KeyPullStalls, 2))
	n, err = r.GetInt(ctx, KeyPullStalls)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, r.SetString(ctx, KeyPullStalls, "x"))
	_, err = r.GetInt(ctx, KeyPullStalls)
	require.Error(t, err)
}

func TestLease_SingleHolderUntilExpiry(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	ok, err := r.AcquireLease(ctx, "a", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLease(ctx, "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease held by another owner")

	ok, err = r.AcquireLease(ctx, "a", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	ok, err = r.AcquireLease(ctx, "b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, r.ReleaseLease(ctx, "a"))
	ok, err = r.AcquireLease(ctx, "a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, r.ReleaseLease(ctx, "b"))
	ok, err = r.AcquireLease(ctx, "a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestErrorsAreWrapped(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	require.NoError(t, db.Close())

	_, err := r.Get(ctx, "k")
	require.ErrorContains(t, err, "failed to get metadata[k]")
	require.ErrorContains(t, r.Set(ctx, "k", []byte("v")), "failed to set metadata[k]")
	require.ErrorContains(t, r.Delete(ctx, "k"), "failed to delete metadata[k]")
	require.ErrorContains(t, r.Clear(ctx), "failed to clear metadata")
	_, err = r.List(ctx)
	require.ErrorContains(t, err, "failed to list metadata")
	_, err = r.AcquireLease(ctx, "a", time.Now(), time.Minute)
	require.ErrorContains(t, err, "failed to acquire lease")
}
