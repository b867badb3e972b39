// Package rest serves the sync REST surface:
//
//	GET  /health
//	POST /sync/batch
//	GET  /sync/pull?since=<RFC 3339 timestamp>
//	GET  /sync/ws
//	GET  /metrics
//
// Everything under /sync requires a bearer token.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/snappy"

	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/server/auth"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// maxBody caps a decoded batch request.
const maxBody = 8 << 20

type SyncService interface {
	ApplyBatch(ctx context.Context, req syncapi.BatchRequest) (*syncapi.BatchResponse, error)
	Pull(ctx context.Context, since time.Time) (*syncapi.PullResponse, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Service   SyncService
	Store     Pinger
	SecretKey []byte
	// Live serves /sync/ws when set.
	Live http.Handler
	// Metrics adds /metrics and request instrumentation when set.
	Metrics *Metrics
	Log     logging.Logger
}

type handler struct {
	Config
	log logging.Logger
}

// NewRouter builds the HTTP handler of the sync server.
func NewRouter(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	h := &handler{Config: cfg, log: logging.ForModule(log, "rest")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logRequestID)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.middleware)
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Get("/health", h.health)
	r.Route("/sync", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.SecretKey, h.log, h.writeErr))
		r.Post("/batch", h.batch)
		r.Get("/pull", h.pull)
		if cfg.Live != nil {
			r.Method(http.MethodGet, "/ws", cfg.Live)
		}
	})
	return r
}

// logRequestID tags every line logged while serving a request with the id
// chi assigned to it.
func logRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.ContextWith(r.Context(), logging.KeyRequest, id))
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *handler) writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, syncapi.ErrorResponse{Error: err.Error()})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			h.log.Warn(r.Context(), "store ping failed", "error", err)
			h.writeErr(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if r.Header.Get(common.ContentEncoding) == common.SnappyEncoding {
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("invalid snappy body: %w", err)
		}
		if n > maxBody {
			return nil, errors.New("request body too large")
		}
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("invalid snappy body: %w", err)
		}
	}
	if len(body) > maxBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func (h *handler) batch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := h.readBody(r)
	if err != nil {
		h.writeErr(w, http.StatusBadRequest, err)
		return
	}

	var req syncapi.BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = r.Header.Get(common.DeviceIDHeader)
	}

	resp, err := h.Service.ApplyBatch(ctx, req)
	switch {
	case errors.Is(err, common.ErrValidation):
		h.writeErr(w, http.StatusBadRequest, err)
		return
	case err != nil:
		h.log.Error(ctx, "batch failed", "device", req.DeviceID, "error", err)
		h.writeErr(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if h.Metrics != nil {
		h.Metrics.observeBatch(resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		since = t
	}

	resp, err := h.Service.Pull(ctx, since)
	if err != nil {
		h.log.Error(ctx, "pull failed", "error", err)
		h.writeErr(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if h.Metrics != nil {
		h.Metrics.observePull(resp)
	}
	writeJSON(w, http.StatusOK, resp)
}
