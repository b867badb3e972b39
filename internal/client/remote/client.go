// Package remote talks to the remote system of record over its REST surface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const (
	PathBatch  = "/sync/batch"
	PathPull   = "/sync/pull"
	PathHealth = "/health"
	PathLink   = "/sync/ws"

	// DefaultTimeout bounds every request.
	DefaultTimeout = 15 * time.Second

	maxErrorBody = 4 << 10
)

type Remote interface {
	PushBatch(ctx context.Context, req syncapi.BatchRequest) (*syncapi.BatchResponse, error)
	// Pull returns changes strictly newer than since.
	Pull(ctx context.Context, since time.Time) (*syncapi.PullResponse, error)
	Ping(ctx context.Context) error
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL  string
	DeviceID string
	Timeout  time.Duration
	// Compress sends batch bodies snappy-encoded.
	Compress bool
}

type HTTPClient struct {
	base     *url.URL
	http     *http.Client
	tokens   TokenSource
	deviceID string
	compress bool
}

func NewHTTPClient(cfg Config, tokens TokenSource) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		base:     base,
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		deviceID: cfg.DeviceID,
		compress: cfg.Compress,
	}, nil
}

// URL resolves path against the server base url.
func (c *HTTPClient) URL(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *HTTPClient) PushBatch(ctx context.Context, req syncapi.BatchRequest) (*syncapi.BatchResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(PathBatch), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.compress {
		body = snappy.Encode(nil, body)
		httpReq.Header.Set(common.ContentEncoding, common.SnappyEncoding)
	}
	httpReq.Body = io.NopCloser(bytes.NewReader(body))
	httpReq.ContentLength = int64(len(body))

	var resp syncapi.BatchResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Pull(ctx context.Context, since time.Time) (*syncapi.PullResponse, error) {
	u := c.URL(PathPull)
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var resp syncapi.PullResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(PathHealth), nil)
	if err != nil {
		return err
	}
	return c.do(httpReq, nil)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	ctx := req.Context()
	if c.deviceID != "" {
		req.Header.Set(common.DeviceIDHeader, c.deviceID)
	}
	if c.tokens != nil && req.URL.Path != c.base.Path+PathHealth {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		req.Header.Set(common.AuthorizationHeader, common.Bearer(token))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readError(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %d %s", ErrUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, msg)
	}
}

func readError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var e syncapi.ErrorResponse
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}
