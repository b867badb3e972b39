package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/client/session"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const baseURL = "http://sync.test"

func newClient(t *testing.T, compress bool) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(Config{BaseURL: baseURL + "/", DeviceID: "dev-1", Compress: compress},
		session.Static{User: "u", AccessToken: "tok"})
	require.NoError(t, err)
	t.Cleanup(gock.Off)
	return c
}

func TestPushBatch_SendsAuthenticatedBatch(t *testing.T) {
	c := newClient(t, false)
	ts := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	gock.New(baseURL).
		Post(PathBatch).
		MatchHeader("Authorization", "^Bearer tok$").
		MatchHeader("X-Device-ID", "dev-1").
		JSON(map[string]any{
			"deviceId": "dev-1",
			"operations": map[string]any{
				"clients": []map[string]any{{"opId": "1", "action": "create", "tag": "t-1", "updatedAt": "0001-01-01T00:00:00Z"}},
			},
		}).
		Reply(http.StatusOK).
		JSON(syncapi.BatchResponse{
			Results:         []syncapi.OperationResult{{OpID: "1", Entity: syncapi.EntityClient, Status: syncapi.StatusSuccess, ServerID: "c-1"}},
			ServerTimestamp: ts,
		})

	var ops syncapi.Operations
	ops.Add(syncapi.EntityClient, syncapi.Operation{OpID: "1", Action: syncapi.ActionCreate, Tag: "t-1"})
	resp, err := c.PushBatch(context.Background(), syncapi.BatchRequest{Operations: ops})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c-1", resp.Results[0].ServerID)
	assert.True(t, ts.Equal(resp.ServerTimestamp))
	assert.True(t, gock.IsDone())
}

func TestPushBatch_SnappyBody(t *testing.T) {
	c := newClient(t, true)

	gock.New(baseURL).
		Post(PathBatch).
		MatchHeader("Content-Encoding", "snappy").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			raw, err := io.ReadAll(req.Body)
			if err != nil {
				return false, err
			}
			decoded, err := snappy.Decode(nil, raw)
			if err != nil {
				return false, err
			}
			var br syncapi.BatchRequest
			if err := json.Unmarshal(decoded, &br); err != nil {
				return false, err
			}
			return br.DeviceID == "dev-1" && len(br.Operations.Visits) == 1, nil
		}).
		Reply(http.StatusOK).
		JSON(syncapi.BatchResponse{})

	var ops syncapi.Operations
	ops.Add(syncapi.EntityVisit, syncapi.Operation{OpID: "9", Action: syncapi.ActionCreate})
	_, err := c.PushBatch(context.Background(), syncapi.BatchRequest{Operations: ops})
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestPull_SendsCursor(t *testing.T) {
	c := newClient(t, false)
	since := time.Date(2024, 2, 1, 8, 0, 0, 500, time.UTC)

	gock.New(baseURL).
		Get(PathPull).
		MatchParam("since", regexp.QuoteMeta(since.Format(time.RFC3339Nano))).
		Reply(http.StatusOK).
		JSON(syncapi.PullResponse{
			Clients:         []syncapi.Client{{ID: "c-1", FirstName: "A"}},
			ServerTimestamp: since.Add(time.Minute),
		})

	resp, err := c.Pull(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Len())
	assert.Equal(t, "A", resp.Clients[0].FirstName)
	assert.True(t, gock.IsDone())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"token expired"}`, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ``, ErrUnauthorized},
		{"server error", http.StatusBadGateway, `oops`, ErrUnavailable},
		{"throttled", http.StatusTooManyRequests, ``, ErrUnavailable},
		{"bad request", http.StatusBadRequest, `{"error":"malformed batch"}`, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, false)
			gock.New(baseURL).Get(PathPull).Reply(tt.status).BodyString(tt.body)

			_, err := c.Pull(context.Background(), time.Time{})
			require.ErrorIs(t, err, tt.want)
			if tt.name == "bad request" {
				assert.Contains(t, err.Error(), "malformed batch")
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	c := newClient(t, false)
	gock.New(baseURL).Get(PathHealth).ReplyError(errors.New("connection refused"))

	err := c.Ping(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
}

func TestPing_NoTokenRequired(t *testing.T) {
	c, err := NewHTTPClient(Config{BaseURL: baseURL}, session.Static{})
	require.NoError(t, err)
	t.Cleanup(gock.Off)

	gock.New(baseURL).Get(PathHealth).Reply(http.StatusOK)
	require.NoError(t, c.Ping(context.Background()))

	_, err = c.Pull(context.Background(), time.Time{})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewHTTPClient_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient(Config{BaseURL: "ftp://x"}, nil)
	require.Error(t, err)

	c, err := NewHTTPClient(Config{BaseURL: "https://h/api/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://h/api/sync/ws", c.URL(PathLink))
}
