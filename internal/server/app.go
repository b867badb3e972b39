// Package server wires the sync server together: record store, sync
// service, REST and websocket surface, and the gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/rules"
	"github.com/dmitrijs2005/possync/internal/server/auth"
	"github.com/dmitrijs2005/possync/internal/server/config"
	"github.com/dmitrijs2005/possync/internal/server/hub"
	"github.com/dmitrijs2005/possync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/possync/internal/server/rest"
	"github.com/dmitrijs2005/possync/internal/server/services"

	gs "github.com/dmitrijs2005/possync/internal/server/grpc"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   repomanager.RepositoryManager
	hub     *hub.Hub
	service *services.SyncService
	handler http.Handler
}

// NewApp opens the record store and builds the HTTP handler. Offerings
// are seeded into an empty store when enabled.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	store, err := repomanager.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	h := hub.New(logger)
	svc := services.NewSyncService(store, rules.NewEvaluator(c.FreeVisitThreshold), logger, services.WithNotifier(h))
	if c.SeedOfferings {
		if err := svc.SeedOfferings(ctx, services.DefaultOfferings()); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed offerings: %w", err)
		}
	}

	var metrics *rest.Metrics
	if c.MetricsEnabled {
		metrics = rest.NewMetrics()
	}

	handler := rest.NewRouter(rest.Config{
		Service:   svc,
		Store:     store,
		SecretKey: []byte(c.SecretKey),
		Live:      h,
		Metrics:   metrics,
		Log:       logger,
	})

	return &App{
		config:  c,
		logger:  logging.ForModule(logger, "app"),
		store:   store,
		hub:     h,
		service: svc,
		handler: handler,
	}, nil
}

// Handler is the HTTP surface, exposed for in-process tests.
func (app *App) Handler() http.Handler { return app.handler }

// Service is the sync service behind the handler.
func (app *App) Service() *services.SyncService { return app.service }

// IssueToken writes a bearer token for the operator to w.
func IssueToken(w io.Writer, c *config.Config) error {
	tok, err := auth.GenerateToken(c.IssueToken, []byte(c.SecretKey), c.TokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}

// Run serves until ctx is cancelled or a listener fails, then shuts
// everything down and closes the store.
func (app *App) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", app.config.HTTPAddr)
	if err != nil {
		_ = app.store.Close()
		return err
	}
	return app.Serve(ctx, lis)
}

// Serve is Run on an existing HTTP listener.
func (app *App) Serve(ctx context.Context, lis net.Listener) error {
	defer func() {
		if err := app.store.Close(); err != nil {
			app.logger.Error(context.Background(), "close store", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{Handler: app.handler, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		app.logger.Info(ctx, "Starting HTTP server", "address", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		app.hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if app.config.GRPCAddr != "" {
		gsrv := gs.NewGRPCServer(app.config.GRPCAddr, app.logger, app.store)
		g.Go(func() error { return gsrv.Run(ctx) })
	}

	return g.Wait()
}

// Main loads configuration from args and runs the server. It returns when
// ctx is cancelled.
func Main(ctx context.Context, args []string) error {
	cfg, err := config.LoadConfig(args)
	if err != nil {
		return err
	}
	if cfg.IssueToken != "" {
		return IssueToken(os.Stdout, cfg)
	}

	logger, err := logging.New(cfg.LogBackend, cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
