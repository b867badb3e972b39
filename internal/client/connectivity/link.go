package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const (
	linkPongWait    = 60 * time.Second
	linkDialTimeout = 10 * time.Second
)

// TokenSource supplies the bearer token used to open the link.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Link keeps a websocket open to the server. Its connected state is the
// passive reachability signal fed to the Monitor, and server change
// notifications are handed to OnChange.
type Link struct {
	URL      string
	DeviceID string
	Tokens   TokenSource
	Monitor  *Monitor
	OnChange func(syncapi.Notification)
	Log      logging.Logger

	// InitialInterval and MaxInterval bound the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	dialer *websocket.Dialer
}

// WebsocketURL turns an http(s) url into the matching ws(s) url.
func WebsocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

func (l *Link) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if l.InitialInterval > 0 {
		b.InitialInterval = l.InitialInterval
	}
	if l.MaxInterval > 0 {
		b.MaxInterval = l.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and reconnects until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = logging.Nop()
	}
	log = logging.ForModule(log, "link")
	if l.dialer == nil {
		l.dialer = &websocket.Dialer{HandshakeTimeout: linkDialTimeout}
	}

	b := l.newBackOff()
	for {
		conn, err := l.dial(ctx)
		if err == nil {
			b.Reset()
			l.setOnline(true)
			log.Debug(ctx, "link connected", "url", l.URL)
			err = l.read(ctx, conn)
			l.setOnline(false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug(ctx, "link down", "error", err)

		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.DeviceID != "" {
		header.Set(common.DeviceIDHeader, l.DeviceID)
	}
	if l.Tokens != nil {
		token, err := l.Tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		header.Set(common.AuthorizationHeader, common.Bearer(token))
	}
	conn, resp, err := l.dialer.DialContext(ctx, l.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (l *Link) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(linkPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(linkPongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(linkPongWait))

		var n syncapi.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		if n.Type == syncapi.NotificationChanged && l.OnChange != nil {
			l.OnChange(n)
		}
	}
}

func (l *Link) setOnline(online bool) {
	if l.Monitor != nil {
		l.Monitor.Set(online)
	}
}
