package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/possync/internal/client/connectivity"
	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/remote"
	"github.com/dmitrijs2005/possync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/possync/internal/client/syncer"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const metricsShutdownTimeout = 5 * time.Second

func (r *root) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run background sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			return a.Daemon(ctx)
		}),
	}
}

// Daemon runs the connectivity watcher, the scheduler and, when enabled, the
// websocket link and the metrics endpoint until ctx is done.
func (a *App) Daemon(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	unsubscribe := a.scheduler.TriggerOnReconnect(a.monitor)
	defer unsubscribe()

	g.Go(func() error {
		a.monitor.Watch(ctx, a.config.OnlineCheckInterval)
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})

	if a.config.LinkEnabled {
		link := &connectivity.Link{
			URL:      connectivity.WebsocketURL(a.remote.URL(remote.PathLink)),
			DeviceID: a.deviceID,
			Tokens:   a.session,
			Monitor:  a.monitor,
			OnChange: func(n syncapi.Notification) {
				if n.DeviceID != a.deviceID {
					a.scheduler.Trigger(syncer.ReasonRemoteChange)
				}
			},
			Log: a.log,
		}
		g.Go(func() error { return link.Run(ctx) })
	}

	if a.config.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.config.MetricsAddr,
			Handler:           a.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info(ctx, "serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	a.log.Info(ctx, "daemon started", "device_id", a.deviceID, "interval", a.config.AutoSyncInterval)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *root) syncCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull remote changes now",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			rep, err := a.Sync(ctx)
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if eerr := enc.Encode(rep); eerr != nil {
					return eerr
				}
				return err
			}
			a.printReport(rep)
			return err
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

// Sync runs one manual synchronization.
func (a *App) Sync(ctx context.Context) (syncer.Report, error) {
	return a.orchestrator.Run(ctx, syncer.ReasonManual)
}

func (a *App) printReport(rep syncer.Report) {
	switch {
	case rep.Coalesced:
		a.println("A sync is already running; it will run again when done.")
		return
	case rep.Skipped != "":
		a.printf("Sync skipped: %s\n", rep.Skipped)
		return
	}
	a.printf("Pushed %d (acknowledged %d, conflicts %d, failed %d, deferred %d)\n",
		rep.Sent, rep.Acknowledged, rep.Conflicts, rep.Failed, rep.Deferred)
	a.printf("Pulled %d (applied %d)\n", rep.Pulled, rep.Applied)
	if rep.Terminal > 0 {
		a.printf("%d change(s) gave up after repeated failures, see 'possync queue list'\n", rep.Terminal)
	}
}

func (r *root) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, session and queue state",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			return a.Status(ctx)
		}),
	}
}

func (a *App) Status(ctx context.Context) error {
	online := a.monitor.Probe(ctx)

	actor, err := a.session.Actor(ctx)
	if err != nil {
		actor = "(not logged in)"
	}
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return err
	}
	cursor, err := a.store.Repos().Metadata.GetTime(ctx, metadata.KeyPullCursor)
	if err != nil {
		return err
	}

	mode := "offline"
	if online {
		mode = "online"
	}
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device\t%s\n", a.deviceID)
	fmt.Fprintf(w, "Server\t%s (%s)\n", a.config.ServerURL, mode)
	fmt.Fprintf(w, "Operator\t%s\n", actor)
	fmt.Fprintf(w, "Pending\t%d\n", stats[models.QueueStatusPending]+stats[models.QueueStatusProcessing])
	fmt.Fprintf(w, "Failed\t%d\n", stats[models.QueueStatusFailed])
	if cursor.IsZero() {
		fmt.Fprintf(w, "Last pull\tnever\n")
	} else {
		fmt.Fprintf(w, "Last pull\t%s\n", cursor.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (r *root) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending-change queue",
	}

	var failedOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued changes",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			return a.ListQueue(ctx, failedOnly)
		}),
	}
	list.Flags().BoolVar(&failedOnly, "failed", false, "only items that gave up")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-arm a change that gave up",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.queue.Retry(ctx, id); err != nil {
				return err
			}
			a.printf("Queue item %d will be sent on the next sync\n", id)
			return nil
		}),
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued change",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			if !yes {
				return errors.New("refusing to discard unsynced changes without --yes")
			}
			if err := a.queue.Clear(ctx); err != nil {
				return err
			}
			a.println("Queue cleared")
			return nil
		}),
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm")

	cmd.AddCommand(list, retry, clearCmd)
	return cmd
}

func (a *App) ListQueue(ctx context.Context, failedOnly bool) error {
	var (
		items []models.QueueItem
		err   error
	)
	if failedOnly {
		items, err = a.queue.ListFailed(ctx)
	} else {
		items, err = a.queue.ListPending(ctx)
		if err == nil {
			var failed []models.QueueItem
			failed, err = a.queue.ListFailed(ctx)
			items = append(items, failed...)
		}
	}
	if err != nil {
		return err
	}
	if len(items) == 0 {
		a.println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENTITY\tACTION\tRECORD\tSTATUS\tATTEMPTS\tERROR")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\n",
			it.ID, it.Entity, it.Action, it.LocalID, it.Status, it.Attempts, it.LastError)
	}
	return w.Flush()
}

func (r *root) logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the sync journal, newest first",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			entries, err := a.store.Repos().SyncLog.List(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.Status, e.Message)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show, 0 for all")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
