package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/server/auth"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

var secret = []byte("test-secret")

type fakeService struct {
	batchReq  syncapi.BatchRequest
	batchResp *syncapi.BatchResponse
	batchErr  error
	since     time.Time
	pullResp  *syncapi.PullResponse
	pullErr   error
}

func (f *fakeService) ApplyBatch(_ context.Context, req syncapi.BatchRequest) (*syncapi.BatchResponse, error) {
	f.batchReq = req
	return f.batchResp, f.batchErr
}

func (f *fakeService) Pull(_ context.Context, since time.Time) (*syncapi.PullResponse, error) {
	f.since = since
	return f.pullResp, f.pullErr
}

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

func token(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken("desk", secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, h http.Handler, req *http.Request, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	if authorized {
		req.Header.Set(common.AuthorizationHeader, common.Bearer(token(t)))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e syncapi.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error
}

func TestHealth(t *testing.T) {
	h := NewRouter(Config{Service: &fakeService{}, Store: fakeStore{}, SecretKey: secret})
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil), false)
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewRouter(Config{Service: &fakeService{}, Store: fakeStore{err: errors.New("down")}, SecretKey: secret})
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil), false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_LogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.BackendSlog, "debug", &buf)
	require.NoError(t, err)
	h := NewRouter(Config{Service: &fakeService{}, Store: fakeStore{err: errors.New("down")}, SecretKey: secret, Log: log})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	do(t, h, req, false)

	assert.Contains(t, buf.String(), "store ping failed")
	assert.Contains(t, buf.String(), "request_id=req-42")
	assert.Contains(t, buf.String(), "module=rest")
}

func TestSyncRoutesRequireToken(t *testing.T) {
	h := NewRouter(Config{Service: &fakeService{}, SecretKey: secret})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/sync/pull", nil), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, common.ErrUnauthorized.Error(), errorBody(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader(`{}`))
	req.Header.Set(common.AuthorizationHeader, "Bearer garbage")
	rec = do(t, h, req, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBatch(t *testing.T) {
	ts := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	svc := &fakeService{batchResp: &syncapi.BatchResponse{
		Results:         []syncapi.OperationResult{{OpID: "1", Entity: syncapi.EntityClient, Status: syncapi.StatusSuccess, ServerID: "c-1"}},
		ServerTimestamp: ts,
	}}
	m := NewMetrics()
	h := NewRouter(Config{Service: svc, SecretKey: secret, Metrics: m})

	body := `{"operations":{"clients":[{"opId":"1","action":"create","tag":"t","updatedAt":"2024-06-01T08:00:00Z","payload":{"firstName":"A"}}]}}`
	req := httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader(body))
	req.Header.Set(common.DeviceIDHeader, "dev-1")
	rec := do(t, h, req, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp syncapi.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "c-1", resp.Results[0].ServerID)
	assert.True(t, resp.ServerTimestamp.Equal(ts))
	assert.Equal(t, "dev-1", svc.batchReq.DeviceID)
	require.Len(t, svc.batchReq.Operations.Clients, 1)
	assert.Equal(t, "t", svc.batchReq.Operations.Clients[0].Tag)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("client", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/sync/batch", "200")))
}

func TestBatch_Snappy(t *testing.T) {
	svc := &fakeService{batchResp: &syncapi.BatchResponse{}}
	h := NewRouter(Config{Service: svc, SecretKey: secret})

	raw, err := json.Marshal(syncapi.BatchRequest{DeviceID: "dev-z"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/sync/batch", bytes.NewReader(snappy.Encode(nil, raw)))
	req.Header.Set(common.ContentEncoding, common.SnappyEncoding)
	rec := do(t, h, req, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "dev-z", svc.batchReq.DeviceID)

	req = httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader("not snappy"))
	req.Header.Set(common.ContentEncoding, common.SnappyEncoding)
	rec = do(t, h, req, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"validation", `{}`, fmt.Errorf("device id is required: %w", common.ErrValidation), http.StatusBadRequest},
		{"storage", `{"deviceId":"d"}`, errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(Config{Service: &fakeService{batchErr: tt.err}, SecretKey: secret})
			rec := do(t, h, httptest.NewRequest(http.MethodPost, "/sync/batch", strings.NewReader(tt.body)), true)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, errorBody(t, rec), "connection reset")
		})
	}
}

func TestPull(t *testing.T) {
	ts := time.Date(2024, 6, 1, 9, 0, 0, 123456000, time.UTC)
	svc := &fakeService{pullResp: &syncapi.PullResponse{
		Clients:         []syncapi.Client{{ID: "c-1", FirstName: "A"}},
		ServerTimestamp: ts,
	}}
	m := NewMetrics()
	h := NewRouter(Config{Service: svc, SecretKey: secret, Metrics: m})

	req := httptest.NewRequest(http.MethodGet, "/sync/pull?since="+url.QueryEscape(ts.Format(time.RFC3339Nano)), nil)
	rec := do(t, h, req, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.since.Equal(ts))

	var resp syncapi.PullResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Clients, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pulled))

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/sync/pull", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.since.IsZero())

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/sync/pull?since=yesterday", nil), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.pullErr = errors.New("boom")
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/sync/pull", nil), true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(Config{Service: &fakeService{}, SecretKey: secret, Metrics: NewMetrics()})
	_ = do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil), false)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil), false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `possync_server_http_requests_total{code="200",route="/health"} 1`)

	h = NewRouter(Config{Service: &fakeService{}, SecretKey: secret})
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil), false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
