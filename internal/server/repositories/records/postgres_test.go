package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/server/models"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

var recordColumns = []string{"entity", "id", "device_id", "tag", "parent_id", "data", "updated_at", "changed_at", "deleted"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestGet_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(recordColumns).
		AddRow("client", "c-1", "dev", "tag-1", "", []byte(`{"firstName":"A"}`), ts, ts, false)
	mock.ExpectQuery(`(?s)^SELECT\s+entity,.*FROM\s+sync_records\s+WHERE\s+entity\s*=\s*\$1\s+AND\s+id\s*=\s*\$2$`).
		WithArgs("client", "c-1").
		WillReturnRows(rows)

	got, err := repo.Get(context.Background(), syncapi.EntityClient, "c-1")
	require.NoError(t, err)
	assert.Equal(t, syncapi.EntityClient, got.Entity)
	assert.Equal(t, "tag-1", got.Tag)
	assert.JSONEq(t, `{"firstName":"A"}`, string(got.Data))
	assert.True(t, got.UpdatedAt.Equal(ts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WithArgs("visit", "v-x").WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := repo.Get(context.Background(), syncapi.EntityVisit, "v-x")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetByOrigin_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`WHERE\s+entity\s*=\s*\$1\s+AND\s+device_id\s*=\s*\$2\s+AND\s+tag\s*=\s*\$3`).
		WithArgs("payment", "dev", "t").
		WillReturnError(errors.New("db down"))

	_, err := repo.GetByOrigin(context.Background(), syncapi.EntityPayment, "dev", "t")
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
	assert.NotErrorIs(t, err, common.ErrNotFound)
}

func TestListByParent(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	ts := time.Now().UTC()
	rows := sqlmock.NewRows(recordColumns).
		AddRow("payment", "p-1", "dev", "", "v-1", []byte(`{}`), ts, ts, false).
		AddRow("payment", "p-2", "dev", "", "v-1", []byte(`{}`), ts, ts, false)
	mock.ExpectQuery(`(?s)WHERE\s+entity\s*=\s*\$1\s+AND\s+parent_id\s*=\s*\$2\s+AND\s+NOT\s+deleted`).
		WithArgs("payment", "v-1").
		WillReturnRows(rows)

	got, err := repo.ListByParent(context.Background(), syncapi.EntityPayment, "v-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p-2", got[1].ID)
}

func TestChangedSince_RowError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(recordColumns).
		AddRow("client", "c-1", "", "", "", []byte(`{}`), since, since, false).
		RowError(0, errors.New("broken row"))
	mock.ExpectQuery(`changed_at\s*>\s*\$1`).WithArgs(since).WillReturnRows(rows)

	_, err := repo.ChangedSince(context.Background(), since)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken row")
}

func TestPut_Upserts(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := &models.Record{
		Entity: syncapi.EntityVisit, ID: "v-1", DeviceID: "dev", Tag: "t", ParentID: "c-1",
		Data: json.RawMessage(`{"free":true}`), UpdatedAt: ts, ChangedAt: ts,
	}
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+sync_records.*ON\s+CONFLICT\s+\(entity,\s*id\)\s+DO\s+UPDATE`).
		WithArgs("visit", "v-1", "dev", "t", "c-1", []byte(`{"free":true}`), ts, ts, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Put(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)`).WithArgs("service_offering").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := repo.Count(context.Background(), syncapi.EntityOffering)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestNextSequence(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+sync_sequences.*RETURNING\s+value`).WithArgs("receipt").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(7)))

	v, err := repo.NextSequence(context.Background(), "receipt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}
