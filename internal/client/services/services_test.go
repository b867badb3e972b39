package services

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/rules"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

type countingNotifier struct{ n int }

func (c *countingNotifier) Trigger(string) bool {
	c.n++
	return true
}

type fixture struct {
	store    *storage.Manager
	notify   *countingNotifier
	clients  ClientService
	visits   VisitService
	payments PaymentService
	offering *models.ServiceOffering
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o := &models.ServiceOffering{RemoteID: "o-1", Label: "Cut", Price: decimal.NewFromInt(2000), Active: true}
	_, err = store.Repos().Offerings.Upsert(context.Background(), o)
	require.NoError(t, err)

	n := &countingNotifier{}
	return &fixture{
		store:    store,
		notify:   n,
		clients:  NewClientService(store, n, nil),
		visits:   NewVisitService(store, rules.NewEvaluator(rules.DefaultFreeVisitThreshold), n, nil),
		payments: NewPaymentService(store, "dev-1", n, nil),
		offering: o,
	}
}

func (f *fixture) queue(t *testing.T) []models.QueueItem {
	t.Helper()
	items, err := f.store.Repos().Mutations.ListByStatus(context.Background(), models.QueueStatusPending)
	require.NoError(t, err)
	return items
}

func TestClientService_CreateQueuesCreate(t *testing.T) {
	f := newFixture(t)

	c, err := f.clients.Create(context.Background(), ClientInput{FirstName: " A ", LastName: "B", Phone: "0102"})
	require.NoError(t, err)
	assert.Equal(t, "A", c.FirstName)
	assert.True(t, c.LocallyCreated)
	assert.False(t, c.Synced)
	assert.NotEmpty(t, c.Tag)
	assert.Equal(t, 1, f.notify.n)

	items := f.queue(t)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionCreate, items[0].Action)
	assert.Equal(t, c.LocalID, items[0].LocalID)
	assert.Equal(t, c.Tag, items[0].Tag)

	var w syncapi.Client
	require.NoError(t, json.Unmarshal(items[0].Payload, &w))
	assert.Equal(t, "0102", w.Phone)
}

func TestClientService_CreateValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.clients.Create(context.Background(), ClientInput{Phone: "0102"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.queue(t))
	assert.Zero(t, f.notify.n)
}

func TestClientService_UpdateBeforeSyncRewritesCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A", LastName: "B"})
	require.NoError(t, err)

	_, err = f.clients.Update(ctx, c.LocalID, ClientInput{FirstName: "Anna", LastName: "B"})
	require.NoError(t, err)

	items := f.queue(t)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionCreate, items[0].Action)
	var w syncapi.Client
	require.NoError(t, json.Unmarshal(items[0].Payload, &w))
	assert.Equal(t, "Anna", w.FirstName)
}

func TestClientService_UpdateAfterSyncQueuesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.store.Repos()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A", LastName: "B"})
	require.NoError(t, err)
	require.NoError(t, r.Mutations.Clear(ctx))
	require.NoError(t, r.Clients.AssignRemote(ctx, c.LocalID, "c-1", true))

	got, err := f.clients.Update(ctx, c.LocalID, ClientInput{FirstName: "A", LastName: "C"})
	require.NoError(t, err)
	assert.False(t, got.Synced)

	items := f.queue(t)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionUpdate, items[0].Action)
	assert.Equal(t, "c-1", items[0].RemoteID)
}

func TestClientService_DeleteNeverSynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A"})
	require.NoError(t, err)
	_, err = f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 1}})
	require.NoError(t, err)

	require.NoError(t, f.clients.Delete(ctx, c.LocalID))

	_, err = f.clients.Get(ctx, c.LocalID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	for _, it := range f.queue(t) {
		assert.NotEqual(t, models.EntityClient, it.Entity)
	}
	visits, err := f.visits.ListByClient(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Empty(t, visits)
}

func TestClientService_DeleteSyncedQueuesDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.store.Repos()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A"})
	require.NoError(t, err)
	require.NoError(t, r.Mutations.Clear(ctx))
	require.NoError(t, r.Clients.AssignRemote(ctx, c.LocalID, "c-7", true))

	require.NoError(t, f.clients.Delete(ctx, c.LocalID))

	items := f.queue(t)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionDelete, items[0].Action)
	assert.Equal(t, "c-7", items[0].RemoteID)
	assert.Empty(t, items[0].Payload)
}

func TestVisitService_CapturesPricesAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A", LastName: "B", Phone: "0102"})
	require.NoError(t, err)

	v, err := f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 1}})
	require.NoError(t, err)
	assert.False(t, v.Free)
	assert.True(t, decimal.NewFromInt(2000).Equal(v.Total))
	require.Len(t, v.Lines, 1)
	assert.Equal(t, "o-1", v.Lines[0].OfferingRemoteID)

	// later catalog changes leave recorded prices alone
	f.offering.Price = decimal.NewFromInt(2500)
	_, err = f.store.Repos().Offerings.Upsert(ctx, f.offering)
	require.NoError(t, err)
	got, err := f.visits.Get(ctx, v.LocalID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2000).Equal(got.Lines[0].UnitPrice))

	client, err := f.clients.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 1, client.VisitCount)
	require.NotNil(t, client.LastVisitAt)

	items := f.queue(t)
	require.Len(t, items, 2)
	var w syncapi.Visit
	require.NoError(t, json.Unmarshal(items[1].Payload, &w))
	assert.Equal(t, syncapi.Ref{Tag: c.Tag}, w.Client)
}

func TestVisitService_TenthVisitIsFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A", LastName: "B"})
	require.NoError(t, err)

	var last *models.Visit
	for i := 1; i <= 10; i++ {
		last, err = f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 1}})
		require.NoError(t, err)
		if i < 10 {
			assert.False(t, last.Free, "visit %d", i)
		}
	}
	assert.True(t, last.Free)
	assert.True(t, last.Total.IsZero())

	stored, err := f.visits.Get(ctx, last.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.Free)
	assert.True(t, stored.Total.IsZero())

	client, err := f.clients.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 10, client.VisitCount)
}

func TestVisitService_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A"})
	require.NoError(t, err)

	_, err = f.visits.Create(ctx, c.LocalID, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 0}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: 999, Quantity: 1}})
	assert.ErrorIs(t, err, ErrUnknownOffering)

	f.offering.Active = false
	_, err = f.store.Repos().Offerings.Upsert(ctx, f.offering)
	require.NoError(t, err)
	_, err = f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 1}})
	assert.ErrorIs(t, err, ErrUnknownOffering)

	_, err = f.visits.Create(ctx, 999, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 1}})
	assert.ErrorIs(t, err, common.ErrNotFound)

	// failed attempts leave the counter untouched
	client, err := f.clients.Get(ctx, c.LocalID)
	require.NoError(t, err)
	assert.Zero(t, client.VisitCount)
}

func TestPaymentService_OneActivePaymentPerVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.clients.Create(ctx, ClientInput{FirstName: "A"})
	require.NoError(t, err)
	v, err := f.visits.Create(ctx, c.LocalID, []LineInput{{OfferingID: f.offering.LocalID, Quantity: 1}})
	require.NoError(t, err)

	p, err := f.payments.Record(ctx, v.LocalID, v.Total, models.PaymentCard)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^OFF-\d{8}-[A-Z2-7]{10}$`), p.ReceiptNumber)

	_, err = f.payments.Record(ctx, v.LocalID, v.Total, models.PaymentCash)
	assert.ErrorIs(t, err, ErrPaymentExists)

	cancelled, err := f.payments.Cancel(ctx, p.LocalID)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)

	_, err = f.payments.Cancel(ctx, p.LocalID)
	assert.ErrorIs(t, err, ErrCancelled)

	_, err = f.payments.Record(ctx, v.LocalID, v.Total, models.PaymentCash)
	require.NoError(t, err)

	list, err := f.payments.ListByVisit(ctx, v.LocalID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// the cancel rewrote the unsent create rather than queueing an update
	var payments int
	for _, it := range f.queue(t) {
		if it.Entity == models.EntityPayment {
			payments++
			assert.Equal(t, models.ActionCreate, it.Action)
		}
	}
	assert.Equal(t, 2, payments)
}

func TestPaymentService_Validates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.payments.Record(ctx, 1, decimal.NewFromInt(10), models.PaymentMethod("cheque"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.payments.Record(ctx, 1, decimal.NewFromInt(-1), models.PaymentCash)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.payments.Record(ctx, 42, decimal.NewFromInt(10), models.PaymentCash)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReceiptNumber(t *testing.T) {
	at := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)

	a := ReceiptNumber("dev-1", "tag-1", at)
	assert.Equal(t, a, ReceiptNumber("dev-1", "tag-1", at))
	assert.NotEqual(t, a, ReceiptNumber("dev-2", "tag-1", at))
	assert.NotEqual(t, a, ReceiptNumber("dev-1", "tag-2", at))
	assert.Regexp(t, `^OFF-20260102-[A-Z2-7]{10}$`, a)
}

func TestOfferingService_List(t *testing.T) {
	f := newFixture(t)
	svc := NewOfferingService(f.store)

	list, err := svc.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Cut", list[0].Label)

	got, err := svc.Get(context.Background(), f.offering.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.RemoteID)
}
