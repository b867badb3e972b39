package visits

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/client/migrations"
	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/common"

	_ "modernc.org/sqlite"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*sql.DB, int64) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(context.Background(), db))

	res, err := db.Exec(`INSERT INTO clients (tag, first_name, last_name, created_at, updated_at) VALUES ('c-tag', 'A', 'B', 1, 1)`)
	require.NoError(t, err)
	clientID, err := res.LastInsertId()
	require.NoError(t, err)
	return db, clientID
}

func newVisit(clientID int64) *models.Visit {
	return &models.Visit{
		Identity: models.NewIdentity(),
		ClientID: clientID,
		Lines: []models.ServiceLine{
			{OfferingID: 1, OfferingRemoteID: "o-1", Label: "Cut", Quantity: 1, UnitPrice: decimal.NewFromInt(2000)},
		},
		Total:          decimal.NewFromInt(2000),
		VisitedAt:      t0,
		LocallyCreated: true,
	}
}

func TestPut_RoundTripsLinesAndPrices(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, func() time.Time { return t0 })
	ctx := context.Background()

	v := newVisit(clientID)
	id, err := r.Put(ctx, v)
	require.NoError(t, err)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "o-1", got.Lines[0].OfferingRemoteID)
	assert.True(t, decimal.NewFromInt(2000).Equal(got.Lines[0].UnitPrice))
	assert.True(t, decimal.NewFromInt(2000).Equal(got.Total))
	assert.True(t, got.VisitedAt.Equal(t0))
	assert.True(t, got.UpdatedAt.Equal(t0))
	assert.Equal(t, clientID, got.ClientID)
	assert.Empty(t, got.ClientRemoteID)
}

func TestPut_RejectsFreeVisitWithTotal(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, nil)

	v := newVisit(clientID)
	v.Free = true
	_, err := r.Put(context.Background(), v)
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestPut_FreeVisitWithZeroTotal(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, nil)

	v := newVisit(clientID)
	v.Free = true
	v.Total = decimal.Zero
	_, err := r.Put(context.Background(), v)
	require.NoError(t, err)
}

func TestUnsyncedLookups(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, nil)
	ctx := context.Background()

	a, b := newVisit(clientID), newVisit(clientID)
	for _, v := range []*models.Visit{a, b} {
		_, err := r.Put(ctx, v)
		require.NoError(t, err)
	}
	require.NoError(t, r.AssignRemote(ctx, a.LocalID, "v-1", true))

	unsynced, err := r.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, b.Tag, unsynced[0].Tag)

	n, err := r.CountUnsyncedByClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	byClient, err := r.ListByClient(ctx, clientID)
	require.NoError(t, err)
	assert.Len(t, byClient, 2)

	got, err := r.GetByRemoteID(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, a.Tag, got.Tag)
	assert.True(t, got.Synced)
	assert.False(t, got.LocallyCreated)

	got, err = r.GetByTag(ctx, b.Tag)
	require.NoError(t, err)
	assert.Equal(t, b.LocalID, got.LocalID)
}

func TestAssignRemote_Immutable(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, nil)
	ctx := context.Background()

	v := newVisit(clientID)
	_, err := r.Put(ctx, v)
	require.NoError(t, err)
	require.NoError(t, r.AssignRemote(ctx, v.LocalID, "v-1", false))
	require.ErrorIs(t, r.AssignRemote(ctx, v.LocalID, "v-2", true), common.ErrRemoteKeyImmutable)

	require.NoError(t, r.SetSynced(ctx, v.LocalID, true))
	got, err := r.Get(ctx, v.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
}

func TestSetClientRemote_RepointsAllVisits(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Put(ctx, newVisit(clientID))
		require.NoError(t, err)
	}

	n, err := r.SetClientRemote(ctx, clientID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := r.ListByClient(ctx, clientID)
	require.NoError(t, err)
	for _, v := range all {
		assert.Equal(t, "c-1", v.ClientRemoteID)
	}
}

func TestDelete(t *testing.T) {
	db, clientID := setup(t)
	r := NewSQLiteRepository(db, nil)
	ctx := context.Background()

	v := newVisit(clientID)
	_, err := r.Put(ctx, v)
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, v.LocalID))

	_, err = r.Get(ctx, v.LocalID)
	require.ErrorIs(t, err, common.ErrNotFound)
}
