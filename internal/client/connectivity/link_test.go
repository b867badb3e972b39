package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/possync/internal/client/session"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://h:1/sync/ws", WebsocketURL("http://h:1/sync/ws"))
	assert.Equal(t, "wss://h/sync/ws", WebsocketURL("https://h/sync/ws"))
	assert.Equal(t, "ws://x", WebsocketURL("ws://x"))
}

func TestLink_SignalsAndNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	var auth string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	changes := make(chan syncapi.Notification, 4)
	l := &Link{
		URL:             WebsocketURL(srv.URL),
		Tokens:          session.Static{User: "u", AccessToken: "tok"},
		Monitor:         m,
		OnChange:        func(n syncapi.Notification) { changes <- n },
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var server *websocket.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("link did not connect")
	}
	require.Eventually(t, m.Status, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "Bearer tok", auth)
	mu.Unlock()

	require.NoError(t, server.WriteJSON(syncapi.Notification{Type: "ignored"}))
	require.NoError(t, server.WriteJSON(syncapi.Notification{Type: syncapi.NotificationChanged, DeviceID: "other"}))
	select {
	case n := <-changes:
		assert.Equal(t, "other", n.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	// dropping the connection flips the monitor and triggers a reconnect
	require.NoError(t, server.Close())
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("link did not reconnect")
	}
	require.Eventually(t, m.Status, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("link did not stop")
	}
	assert.False(t, m.Status())
	_ = server.Close()
}
