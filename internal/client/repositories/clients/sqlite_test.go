package clients

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/client/migrations"
	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/common"

	_ "modernc.org/sqlite"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Up(context.Background(), db))
	return db
}

func newClient(first, last, phone string) *models.Client {
	return &models.Client{
		Identity:       models.NewIdentity(),
		FirstName:      first,
		LastName:       last,
		Phone:          phone,
		LocallyCreated: true,
	}
}

func TestPut_InsertStampsTimestamps(t *testing.T) {
	clk := &fakeClock{t: t0}
	r := NewSQLiteRepository(setupDB(t), clk.now)
	ctx := context.Background()

	c := newClient("A", "B", "0102")
	id, err := r.Put(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, id, c.LocalID)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "A", got.FirstName)
	assert.Equal(t, "0102", got.Phone)
	assert.Equal(t, c.Tag, got.Tag)
	assert.True(t, got.LocallyCreated)
	assert.False(t, got.Synced)
	assert.Empty(t, got.RemoteID)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.True(t, got.UpdatedAt.Equal(t0))
}

func TestPut_UpdateRestampsUpdatedAt(t *testing.T) {
	clk := &fakeClock{t: t0}
	r := NewSQLiteRepository(setupDB(t), clk.now)
	ctx := context.Background()

	c := newClient("A", "B", "")
	_, err := r.Put(ctx, c)
	require.NoError(t, err)

	clk.t = t0.Add(time.Minute)
	c.Phone = "555"
	_, err = r.Put(ctx, c)
	require.NoError(t, err)

	got, err := r.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "555", got.Phone)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestPut_UpdateMissingIsNotFound(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	c := newClient("A", "B", "")
	c.LocalID = 42

	_, err := r.Put(context.Background(), c)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestApplyRemote_KeepsIncomingTimestamp(t *testing.T) {
	clk := &fakeClock{t: t0}
	r := NewSQLiteRepository(setupDB(t), clk.now)
	ctx := context.Background()

	remoteTS := t0.Add(-time.Hour)
	c := &models.Client{
		Identity:  models.Identity{Tag: "srv-tag", RemoteID: "r-1"},
		FirstName: "X",
		LastName:  "Y",
		Synced:    true,
		UpdatedAt: remoteTS,
	}
	_, err := r.ApplyRemote(ctx, c)
	require.NoError(t, err)

	got, err := r.GetByRemoteID(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(remoteTS))
	assert.True(t, got.Synced)
}

func TestLookups_NotFound(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	ctx := context.Background()

	_, err := r.Get(ctx, 1)
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = r.GetByRemoteID(ctx, "nope")
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = r.GetByTag(ctx, "nope")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestRemoteKeyIsUnique(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	ctx := context.Background()

	a := newClient("A", "A", "")
	a.RemoteID = "r-1"
	_, err := r.Put(ctx, a)
	require.NoError(t, err)

	b := newClient("B", "B", "")
	b.RemoteID = "r-1"
	_, err = r.Put(ctx, b)
	require.Error(t, err)
}

func TestAssignRemote_IsImmutable(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	ctx := context.Background()

	c := newClient("A", "B", "")
	_, err := r.Put(ctx, c)
	require.NoError(t, err)

	require.NoError(t, r.AssignRemote(ctx, c.LocalID, "r-1", true))
	require.NoError(t, r.AssignRemote(ctx, c.LocalID, "r-1", true), "same key again is a no-op")

	err = r.AssignRemote(ctx, c.LocalID, "r-2", true)
	require.ErrorIs(t, err, common.ErrRemoteKeyImmutable)

	err = r.AssignRemote(ctx, 999, "r-3", true)
	require.ErrorIs(t, err, common.ErrNotFound)

	got, err := r.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", got.RemoteID)
	assert.True(t, got.Synced)
	assert.False(t, got.LocallyCreated)
}

func TestIncrementVisitCount_ReturnsPreviousValue(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	ctx := context.Background()

	c := newClient("A", "B", "")
	_, err := r.Put(ctx, c)
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		before, err := r.IncrementVisitCount(ctx, c.LocalID, t0)
		require.NoError(t, err)
		assert.Equal(t, want, before)
	}

	got, err := r.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.VisitCount)
	require.NotNil(t, got.LastVisitAt)
	assert.True(t, got.LastVisitAt.Equal(t0))

	_, err = r.IncrementVisitCount(ctx, 999, t0)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestList_FiltersBySyncedAndSearch(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	ctx := context.Background()

	a := newClient("Anna", "Smith", "0102")
	b := newClient("Bob", "Jones", "0303")
	for _, c := range []*models.Client{a, b} {
		_, err := r.Put(ctx, c)
		require.NoError(t, err)
	}
	require.NoError(t, r.AssignRemote(ctx, a.LocalID, "r-a", true))

	all, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "Jones", all[0].LastName)

	unsynced := false
	pending, err := r.List(ctx, Filter{Synced: &unsynced})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Bob", pending[0].FirstName)

	found, err := r.List(ctx, Filter{Search: "010"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Anna", found[0].FirstName)
}

func TestDeleteAndSetSynced(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t), nil)
	ctx := context.Background()

	c := newClient("A", "B", "")
	_, err := r.Put(ctx, c)
	require.NoError(t, err)
	require.NoError(t, r.AssignRemote(ctx, c.LocalID, "r-1", false))
	require.NoError(t, r.SetSynced(ctx, c.LocalID, true))

	got, err := r.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Synced)

	require.NoError(t, r.Delete(ctx, c.LocalID))
	_, err = r.Get(ctx, c.LocalID)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestErrorsAreWrapped(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db, nil)
	require.NoError(t, db.Close())

	_, err := r.List(context.Background(), Filter{})
	require.ErrorContains(t, err, "failed to select clients")

	_, err = r.Put(context.Background(), newClient("A", "B", ""))
	require.ErrorContains(t, err, "failed to insert client")
}
