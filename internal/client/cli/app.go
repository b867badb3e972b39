package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/possync/internal/client/config"
	"github.com/dmitrijs2005/possync/internal/client/connectivity"
	"github.com/dmitrijs2005/possync/internal/client/metrics"
	"github.com/dmitrijs2005/possync/internal/client/queue"
	"github.com/dmitrijs2005/possync/internal/client/reconcile"
	"github.com/dmitrijs2005/possync/internal/client/remote"
	"github.com/dmitrijs2005/possync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/possync/internal/client/services"
	"github.com/dmitrijs2005/possync/internal/client/session"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/client/syncer"
	"github.com/dmitrijs2005/possync/internal/common"
	"github.com/dmitrijs2005/possync/internal/filex"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/rules"
)

// App owns every long-lived component of the client. Commands borrow them;
// nothing is global.
type App struct {
	config  *config.Config
	log     logging.Logger
	out     io.Writer
	reader  *bufio.Reader
	dataDir string

	deviceID string
	store    *storage.Manager
	session  *session.JWTSession
	remote   *remote.HTTPClient
	monitor  *connectivity.Monitor
	metrics  *metrics.Metrics
	queue    queue.Queue

	orchestrator *syncer.Orchestrator
	scheduler    *syncer.Scheduler

	clients   services.ClientService
	visits    services.VisitService
	payments  services.PaymentService
	offerings services.OfferingService

	closers []func() error
}

type AppOption func(*App)

// WithOutput redirects user-facing output.
func WithOutput(w io.Writer) AppOption {
	return func(a *App) { a.out = w }
}

// WithInput replaces stdin for prompts.
func WithInput(r io.Reader) AppOption {
	return func(a *App) { a.reader = bufio.NewReader(r) }
}

func WithLogger(l logging.Logger) AppOption {
	return func(a *App) { a.log = l }
}

// NewApp opens the local store and wires the sync engine around it.
func NewApp(ctx context.Context, c *config.Config, opts ...AppOption) (*App, error) {
	a := &App{config: c, out: os.Stdout, reader: bufio.NewReader(os.Stdin)}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		l, err := logging.New(c.LogBackend, c.LogLevel, os.Stderr)
		if err != nil {
			return nil, err
		}
		a.log = l
	}

	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	c := a.config

	dir, err := filex.DataDir(c.DataDir)
	if err != nil {
		return err
	}
	a.dataDir = dir

	a.store, err = storage.Open(ctx, filex.ResolvePath(dir, c.DatabasePath))
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.deviceID, err = a.resolveDeviceID(ctx)
	if err != nil {
		return err
	}

	a.session = session.NewJWTSession(a.store.Repos().Metadata, a.store.Now)
	a.remote, err = remote.NewHTTPClient(remote.Config{
		BaseURL:  c.ServerURL,
		DeviceID: a.deviceID,
		Timeout:  c.RequestTimeout,
		Compress: c.CompressBatches,
	}, a.session)
	if err != nil {
		return err
	}

	var prober connectivity.Prober = connectivity.PingProber{Pinger: a.remote}
	if c.GRPCHealthAddr != "" {
		gp, err := connectivity.NewGRPCProber(c.GRPCHealthAddr, common.HealthService)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, gp.Close)
		prober = gp
	}
	a.monitor = connectivity.NewMonitor(prober,
		connectivity.WithProbeTimeout(c.ProbeTimeout),
		connectivity.WithLogger(a.log))

	a.metrics = metrics.New()
	a.queue = queue.New(a.store, c.QueueRetryCeiling, a.log)

	a.orchestrator, err = syncer.New(syncer.Deps{
		Store:      a.store,
		Queue:      a.queue,
		Remote:     a.remote,
		Monitor:    a.monitor,
		Session:    a.session,
		Reconciler: reconcile.New(a.log),
		Metrics:    a.metrics,
		Logger:     a.log,
	}, syncer.Options{
		DeviceID:     a.deviceID,
		LogRetention: c.LogRetention,
	})
	if err != nil {
		return err
	}
	a.scheduler = syncer.NewScheduler(a.orchestrator, c.AutoSyncInterval,
		syncer.WithSchedulerLogger(a.log))

	ev := rules.NewEvaluator(c.FreeVisitThreshold)
	a.clients = services.NewClientService(a.store, a.scheduler, a.log)
	a.visits = services.NewVisitService(a.store, ev, a.scheduler, a.log)
	a.payments = services.NewPaymentService(a.store, a.deviceID, a.scheduler, a.log)
	a.offerings = services.NewOfferingService(a.store)
	return nil
}

// resolveDeviceID prefers the configured id, then the persisted one, and
// otherwise generates and persists a new one.
func (a *App) resolveDeviceID(ctx context.Context) (string, error) {
	md := a.store.Repos().Metadata
	if a.config.DeviceID != "" {
		return a.config.DeviceID, md.SetString(ctx, metadata.KeyDeviceID, a.config.DeviceID)
	}
	id, err := md.GetString(ctx, metadata.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := md.SetString(ctx, metadata.KeyDeviceID, id); err != nil {
		return "", err
	}
	a.log.Info(ctx, "generated device id", "device_id", id)
	return id, nil
}

func (a *App) DeviceID() string { return a.deviceID }

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if z, ok := a.log.(*logging.ZapLogger); ok {
		_ = z.Sync()
	}
	return errors.Join(errs...)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}
