package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

func dial(t *testing.T, srv *httptest.Server, device string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(common.DeviceIDHeader, device)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_PublishReachesEveryDevice(t *testing.T) {
	h := New(logging.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, srv, "dev-a")
	b := dial(t, srv, "dev-b")
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, 10*time.Millisecond)

	ts := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	h.Publish(syncapi.Notification{Type: syncapi.NotificationChanged, DeviceID: "dev-a", ServerTimestamp: ts})

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var n syncapi.Notification
		require.NoError(t, json.Unmarshal(data, &n))
		assert.Equal(t, syncapi.NotificationChanged, n.Type)
		assert.Equal(t, "dev-a", n.DeviceID)
		assert.True(t, n.ServerTimestamp.Equal(ts))
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "dev")
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 10*time.Millisecond)

	// nobody left to deliver to
	h.Publish(syncapi.Notification{Type: syncapi.NotificationChanged})
}

func TestHub_CloseDisconnectsAndRefuses(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "dev")
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 10*time.Millisecond)

	h.Close()
	assert.Equal(t, 0, h.Count())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	late := dial(t, srv, "late")
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Count())
}

func TestHub_PingsKeepConnectionAlive(t *testing.T) {
	h := New(nil)
	h.PingPeriod = 20 * time.Millisecond
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "dev")
	pings := make(chan struct{}, 4)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}
