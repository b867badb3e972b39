// Package syncer drives synchronization with the server. A run pushes the
// pending-mutation queue in dependency order, then pulls changes newer than
// the stored cursor and merges them into the local store.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/dmitrijs2005/possync/internal/client/connectivity"
	"github.com/dmitrijs2005/possync/internal/client/metrics"
	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/queue"
	"github.com/dmitrijs2005/possync/internal/client/reconcile"
	"github.com/dmitrijs2005/possync/internal/client/remote"
	"github.com/dmitrijs2005/possync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/possync/internal/client/session"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/logging"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

const (
	DefaultMaxPushRounds = 5
	DefaultLeaseTTL      = 2 * time.Minute
	DefaultLogRetention  = 1000

	// DefaultPullStallLimit is how many consecutive pulls may fail on the
	// same records before the cursor moves past them.
	DefaultPullStallLimit = 3
)

// Orchestrator states.
const (
	StateIdle    = "idle"
	StatePushing = "pushing"
	StatePulling = "pulling"

	eventPush   = "push"
	eventPull   = "pull"
	eventFinish = "finish"
)

// Reasons a run was skipped.
const (
	SkipNoSession = "no session"
	SkipOffline   = "offline"
	SkipLeaseHeld = "another process is syncing"
)

// Run reasons.
const (
	ReasonStartup      = "startup"
	ReasonTimer        = "timer"
	ReasonReconnect    = "reconnect"
	ReasonLocalChange  = "local-change"
	ReasonRemoteChange = "remote-change"
	ReasonManual       = "manual"
	ReasonRerun        = "rerun"
)

// Report summarizes one run.
type Report struct {
	Reason    string    `json:"reason"`
	Coalesced bool      `json:"coalesced,omitempty"`
	Skipped   string    `json:"skipped,omitempty"`
	StartedAt time.Time `json:"startedAt"`

	Rounds       int `json:"rounds"`
	Sent         int `json:"sent"`
	Acknowledged int `json:"acknowledged"`
	Conflicts    int `json:"conflicts"`
	Failed       int `json:"failed"`
	Terminal     int `json:"terminal"`
	Deferred     int `json:"deferred"`
	Discarded    int `json:"discarded"`

	Pulled      int `json:"pulled"`
	Applied     int `json:"applied"`
	MergeErrors int `json:"mergeErrors"`

	Duration time.Duration `json:"duration"`
}

type Options struct {
	DeviceID string
	// Owner identifies this process in the sync lease. Defaults to a
	// random id.
	Owner         string
	MaxPushRounds int
	LeaseTTL      time.Duration
	LogRetention  int

	// PullStallLimit bounds retries of pulled records that keep failing
	// to merge.
	PullStallLimit int
}

type Deps struct {
	Store      *storage.Manager
	Queue      queue.Queue
	Remote     remote.Remote
	Monitor    *connectivity.Monitor
	Session    session.Session
	Reconciler *reconcile.Reconciler
	Metrics    *metrics.Metrics
	Logger     logging.Logger
}

type Orchestrator struct {
	store   *storage.Manager
	queue   queue.Queue
	remote  remote.Remote
	monitor *connectivity.Monitor
	session session.Session
	rc      *reconcile.Reconciler
	metrics *metrics.Metrics
	log     logging.Logger
	opts    Options

	machine *fsm.FSM

	mu      sync.Mutex
	running bool
	rerun   bool
}

func New(d Deps, opts Options) (*Orchestrator, error) {
	if d.Store == nil || d.Queue == nil || d.Remote == nil || d.Monitor == nil || d.Session == nil {
		return nil, errors.New("syncer: store, queue, remote, monitor and session are required")
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Reconciler == nil {
		d.Reconciler = reconcile.New(d.Logger)
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.MaxPushRounds <= 0 {
		opts.MaxPushRounds = DefaultMaxPushRounds
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = DefaultLogRetention
	}
	if opts.PullStallLimit <= 0 {
		opts.PullStallLimit = DefaultPullStallLimit
	}

	o := &Orchestrator{
		store:   d.Store,
		queue:   d.Queue,
		remote:  d.Remote,
		monitor: d.Monitor,
		session: d.Session,
		rc:      d.Reconciler,
		metrics: d.Metrics,
		log:     logging.ForModule(d.Logger, "syncer"),
		opts:    opts,
	}
	o.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventPush, Src: []string{StateIdle}, Dst: StatePushing},
			{Name: eventPull, Src: []string{StatePushing}, Dst: StatePulling},
			{Name: eventFinish, Src: []string{StatePushing, StatePulling}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				o.log.Debug(ctx, "sync state", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return o, nil
}

// State returns the current phase: idle, pushing or pulling.
func (o *Orchestrator) State() string {
	return o.machine.Current()
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Run performs a sync run. A call made while another run is active does not
// start a second one: it marks the active run to go again once it finishes
// and returns a coalesced report immediately.
func (o *Orchestrator) Run(ctx context.Context, reason string) (Report, error) {
	o.mu.Lock()
	if o.running {
		o.rerun = true
		o.mu.Unlock()
		o.log.Debug(ctx, "sync already running, another pass scheduled", "reason", reason)
		return Report{Reason: reason, Coalesced: true}, nil
	}
	o.running = true
	o.mu.Unlock()

	for {
		rep, err := o.runOnce(ctx, reason)

		o.mu.Lock()
		if o.rerun && ctx.Err() == nil {
			o.rerun = false
			o.mu.Unlock()
			reason = ReasonRerun
			continue
		}
		o.rerun = false
		o.running = false
		o.mu.Unlock()
		return rep, err
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, reason string) (Report, error) {
	ctx = logging.ContextWith(ctx, logging.KeyRun, uuid.NewString()[:8], logging.KeyReason, reason)
	if o.opts.DeviceID != "" {
		ctx = logging.ContextWith(ctx, logging.KeyDevice, o.opts.DeviceID)
	}
	rep := Report{Reason: reason, StartedAt: o.store.Now()}
	start := time.Now()

	if !o.session.Valid(ctx) {
		return o.skip(ctx, rep, SkipNoSession), nil
	}
	if !o.monitor.Status() && !o.monitor.Probe(ctx) {
		return o.skip(ctx, rep, SkipOffline), nil
	}

	meta := o.store.Repos().Metadata
	ok, err := meta.AcquireLease(ctx, o.opts.Owner, o.store.Now(), o.opts.LeaseTTL)
	if err != nil {
		return rep, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !ok {
		return o.skip(ctx, rep, SkipLeaseHeld), nil
	}
	defer func() {
		if err := meta.ReleaseLease(context.WithoutCancel(ctx), o.opts.Owner); err != nil {
			o.log.Warn(ctx, "failed to release sync lease", "error", err)
		}
	}()

	// Only a crashed run leaves items in processing while we hold the lease.
	if n, err := o.queue.Recover(ctx); err != nil {
		return rep, fmt.Errorf("failed to recover queue: %w", err)
	} else if n > 0 {
		o.log.Info(ctx, "recovered interrupted mutations", "count", n)
	}

	o.log.Info(ctx, "sync started")
	err = o.transfer(ctx, &rep)
	rep.Duration = time.Since(start)
	o.finish(ctx, &rep, err)
	return rep, err
}

func (o *Orchestrator) skip(ctx context.Context, rep Report, why string) Report {
	rep.Skipped = why
	o.log.Debug(ctx, "sync skipped", "why", why)
	o.metrics.ObserveRun(metrics.OutcomeSkipped, 0, rep.StartedAt)
	return rep
}

func (o *Orchestrator) transfer(ctx context.Context, rep *Report) error {
	fctx := context.WithoutCancel(ctx)
	defer func() {
		if err := o.machine.Event(fctx, eventFinish); err != nil {
			o.log.Debug(ctx, "state transition", "event", eventFinish, "error", err)
		}
	}()

	if err := o.machine.Event(fctx, eventPush); err != nil {
		return fmt.Errorf("failed to enter push phase: %w", err)
	}
	if err := o.push(ctx, rep); err != nil {
		return err
	}
	if err := o.machine.Event(fctx, eventPull); err != nil {
		return fmt.Errorf("failed to enter pull phase: %w", err)
	}
	return o.pull(ctx, rep)
}

func (o *Orchestrator) finish(ctx context.Context, rep *Report, err error) {
	switch {
	case err == nil:
		o.log.Info(ctx, "sync finished",
			"sent", rep.Sent, "acknowledged", rep.Acknowledged, "conflicts", rep.Conflicts,
			"failed", rep.Failed, "pulled", rep.Pulled, "applied", rep.Applied)
		o.journal(ctx, models.LogSuccess,
			fmt.Sprintf("sync completed: %d sent, %d pulled", rep.Sent, rep.Pulled), rep)
		o.metrics.ObserveRun(metrics.OutcomeSuccess, rep.Duration, o.store.Now())
	case remote.IsTransient(err):
		o.log.Warn(ctx, "sync interrupted", "error", err)
		o.monitor.Set(false)
		o.journal(ctx, models.LogWarning, "sync interrupted: server unreachable", map[string]string{"error": err.Error()})
		o.metrics.ObserveRun(metrics.OutcomeTransient, rep.Duration, o.store.Now())
	default:
		o.log.Error(ctx, "sync failed", "error", err)
		o.journal(ctx, models.LogError, "sync failed", map[string]string{"error": err.Error()})
		o.metrics.ObserveRun(metrics.OutcomeError, rep.Duration, o.store.Now())
	}
	o.metrics.SetOnline(o.monitor.Status())
	o.reportQueue(ctx)
}

func (o *Orchestrator) reportQueue(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	stats, err := o.queue.Stats(context.WithoutCancel(ctx))
	if err != nil {
		o.log.Debug(ctx, "failed to read queue stats", "error", err)
		return
	}
	for _, s := range []models.QueueStatus{models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusFailed} {
		o.metrics.SetQueueDepth(string(s), stats[s])
	}
}

// journal appends a user-visible entry. Failures are only logged.
func (o *Orchestrator) journal(ctx context.Context, status models.LogStatus, msg string, detail any) {
	e := &models.SyncLogEntry{Status: status, Message: msg}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = b
		}
	}
	if _, err := o.store.Repos().SyncLog.Append(context.WithoutCancel(ctx), e, o.opts.LogRetention); err != nil {
		o.log.Warn(ctx, "failed to write sync log", "error", err)
	}
}

// push sends the queue in rounds. A round sends everything that is ready;
// another round follows only when items were deferred and the previous
// round acknowledged something they might have been waiting for.
func (o *Orchestrator) push(ctx context.Context, rep *Report) error {
	for round := 0; round < o.opts.MaxPushRounds; round++ {
		if round > 0 {
			if _, err := o.store.Repos().Metadata.AcquireLease(ctx, o.opts.Owner, o.store.Now(), o.opts.LeaseTTL); err != nil {
				return fmt.Errorf("failed to renew sync lease: %w", err)
			}
		}

		items, err := o.queue.ListPending(ctx)
		if err != nil {
			return fmt.Errorf("failed to list pending mutations: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		batch, sent, deferred, err := o.prepare(ctx, items, rep)
		if err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}
		rep.Rounds++
		rep.Sent += batch.Len()

		progress, err := o.send(ctx, batch, sent, rep)
		if err != nil {
			return err
		}
		if deferred == 0 || progress == 0 {
			return nil
		}
	}
	return nil
}

// prepare decides every pending item in push order and marks the sendable
// ones processing. Each decision commits on its own.
func (o *Orchestrator) prepare(ctx context.Context, items []models.QueueItem, rep *Report) (syncapi.Operations, map[string]models.QueueItem, int, error) {
	var batch syncapi.Operations
	sent := make(map[string]models.QueueItem)
	deferred := 0

	for _, entity := range models.PushOrder {
		for _, item := range items {
			if item.Entity != entity {
				continue
			}

			var d reconcile.Decision
			err := o.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
				var err error
				if d, err = o.rc.Prepare(ctx, r, item); err != nil {
					return err
				}
				switch d.Verdict {
				case reconcile.Resolved:
					return o.rc.Discard(ctx, r, item)
				case reconcile.Send:
					return r.Mutations.SetStatus(ctx, item.ID, models.QueueStatusProcessing)
				}
				return nil
			})
			if err != nil {
				if ctx.Err() != nil {
					o.release(ctx, sent)
					return batch, nil, 0, ctx.Err()
				}
				o.log.Error(ctx, "failed to prepare mutation", "id", item.ID, "entity", item.Entity, "error", err)
				o.fail(ctx, item, err.Error(), rep)
				continue
			}

			switch d.Verdict {
			case reconcile.Send:
				batch.Add(syncapi.EntityType(item.Entity), d.Operation)
				sent[d.Operation.OpID] = item
			case reconcile.Defer:
				deferred++
				rep.Deferred++
				o.log.Debug(ctx, "mutation deferred", "id", item.ID, "reason", d.Reason)
			case reconcile.Resolved:
				rep.Discarded++
				o.log.Debug(ctx, "mutation already resolved", "id", item.ID, "reason", d.Reason)
			}
		}
	}
	return batch, sent, deferred, nil
}

// send pushes one batch and applies its results. It returns how many
// operations moved a record forward.
func (o *Orchestrator) send(ctx context.Context, batch syncapi.Operations, sent map[string]models.QueueItem, rep *Report) (int, error) {
	resp, err := o.remote.PushBatch(ctx, syncapi.BatchRequest{DeviceID: o.opts.DeviceID, Operations: batch})
	if errors.Is(err, remote.ErrRejected) {
		o.log.Warn(ctx, "batch rejected", "error", err)
		for _, item := range sent {
			o.fail(ctx, item, err.Error(), rep)
		}
		o.metrics.AddOperations(string(syncapi.StatusFailure), len(sent))
		return 0, nil
	}
	if err != nil {
		o.release(ctx, sent)
		return 0, fmt.Errorf("failed to push batch: %w", err)
	}

	progress := 0
	counts := make(map[syncapi.Status]int)
	for _, res := range resp.Results {
		item, ok := sent[res.OpID]
		if !ok {
			o.log.Warn(ctx, "result for unknown operation", "opId", res.OpID)
			continue
		}
		delete(sent, res.OpID)
		counts[res.Status]++

		switch res.Status {
		case syncapi.StatusSuccess:
			err := o.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
				return o.rc.Acknowledge(ctx, r, item, res)
			})
			if err != nil {
				o.log.Error(ctx, "failed to apply acknowledgement", "id", item.ID, "error", err)
				o.fail(ctx, item, err.Error(), rep)
				continue
			}
			rep.Acknowledged++
			progress++
		case syncapi.StatusConflict:
			err := o.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
				return o.rc.ApplyConflict(ctx, r, item, res)
			})
			if err != nil {
				o.log.Error(ctx, "failed to apply conflict", "id", item.ID, "error", err)
				o.fail(ctx, item, err.Error(), rep)
				continue
			}
			rep.Conflicts++
			progress++
			o.journal(ctx, models.LogWarning,
				fmt.Sprintf("%s %s replaced by the server version", item.Entity, item.Action),
				itemDetail(item, res.Message))
		default:
			o.fail(ctx, item, res.Message, rep)
		}
	}
	for status, n := range counts {
		o.metrics.AddOperations(string(status), n)
	}

	if len(sent) > 0 {
		o.log.Warn(ctx, "server returned no result for some operations", "count", len(sent))
		o.release(ctx, sent)
	}
	return progress, nil
}

// fail counts a failed attempt and journals items that became terminal.
func (o *Orchestrator) fail(ctx context.Context, item models.QueueItem, msg string, rep *Report) {
	rep.Failed++
	terminal, err := o.queue.MarkFailed(context.WithoutCancel(ctx), item.ID, errors.New(msg))
	if err != nil {
		o.log.Error(ctx, "failed to record mutation failure", "id", item.ID, "error", err)
		return
	}
	if terminal {
		rep.Terminal++
		o.journal(ctx, models.LogError,
			fmt.Sprintf("%s %s failed permanently: %s", item.Entity, item.Action, msg),
			itemDetail(item, msg))
	}
}

func (o *Orchestrator) release(ctx context.Context, sent map[string]models.QueueItem) {
	if len(sent) == 0 {
		return
	}
	ids := make([]int64, 0, len(sent))
	for _, item := range sent {
		ids = append(ids, item.ID)
	}
	if err := o.queue.Release(context.WithoutCancel(ctx), ids); err != nil {
		o.log.Error(ctx, "failed to release mutations", "error", err)
	}
}

func itemDetail(item models.QueueItem, msg string) map[string]any {
	return map[string]any{
		"queueId": item.ID,
		"entity":  item.Entity,
		"action":  item.Action,
		"localId": item.LocalID,
		"tag":     item.Tag,
		"message": msg,
	}
}

// pull fetches changes since the cursor and merges them record by record.
// The cursor only advances when every record merged, so a failed record is
// fetched again next time. After PullStallLimit consecutive failing pulls the
// cursor moves on anyway and the skipped records are journaled as errors.
func (o *Orchestrator) pull(ctx context.Context, rep *Report) error {
	meta := o.store.Repos().Metadata
	since, err := meta.GetTime(ctx, metadata.KeyPullCursor)
	if err != nil {
		return fmt.Errorf("failed to read pull cursor: %w", err)
	}

	resp, err := o.remote.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to pull changes: %w", err)
	}
	rep.Pulled = resp.Len()
	o.metrics.AddPulled(rep.Pulled)

	var failed []pullFailure
	for _, w := range resp.ServiceOfferings {
		failed = o.merge(ctx, rep, failed, models.EntityOffering, w.ID, func(ctx context.Context, r *storage.Repositories) (bool, error) {
			return o.rc.MergeOffering(ctx, r, w)
		})
	}
	for _, w := range resp.Clients {
		failed = o.merge(ctx, rep, failed, models.EntityClient, w.ID, func(ctx context.Context, r *storage.Repositories) (bool, error) {
			return o.rc.MergeClient(ctx, r, w, false)
		})
	}
	for _, w := range resp.Visits {
		failed = o.merge(ctx, rep, failed, models.EntityVisit, w.ID, func(ctx context.Context, r *storage.Repositories) (bool, error) {
			return o.rc.MergeVisit(ctx, r, w, false)
		})
	}
	for _, w := range resp.Payments {
		failed = o.merge(ctx, rep, failed, models.EntityPayment, w.ID, func(ctx context.Context, r *storage.Repositories) (bool, error) {
			return o.rc.MergePayment(ctx, r, w, false)
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(failed) > 0 {
		stalls, err := meta.GetInt(ctx, metadata.KeyPullStalls)
		if err != nil {
			return fmt.Errorf("failed to read pull stalls: %w", err)
		}
		stalls++
		if stalls < o.opts.PullStallLimit {
			o.journal(ctx, models.LogWarning,
				fmt.Sprintf("%d pulled records could not be applied", len(failed)), failed)
			if err := meta.SetInt(ctx, metadata.KeyPullStalls, stalls); err != nil {
				return fmt.Errorf("failed to store pull stalls: %w", err)
			}
			return nil
		}
		o.log.Error(ctx, "skipping pulled records that keep failing", "count", len(failed), "pulls", stalls)
		o.journal(ctx, models.LogError,
			fmt.Sprintf("skipped %d pulled records after %d failed pulls", len(failed), stalls), failed)
	}
	if err := meta.Delete(ctx, metadata.KeyPullStalls); err != nil {
		return fmt.Errorf("failed to reset pull stalls: %w", err)
	}
	if resp.ServerTimestamp.IsZero() {
		return nil
	}
	if err := meta.SetTime(ctx, metadata.KeyPullCursor, resp.ServerTimestamp); err != nil {
		return fmt.Errorf("failed to store pull cursor: %w", err)
	}
	return nil
}

type pullFailure struct {
	Entity models.EntityType `json:"entity"`
	ID     string            `json:"id"`
	Error  string            `json:"error"`
}

func (o *Orchestrator) merge(ctx context.Context, rep *Report, failed []pullFailure, entity models.EntityType, id string, fn func(ctx context.Context, r *storage.Repositories) (bool, error)) []pullFailure {
	if ctx.Err() != nil {
		return failed
	}
	var changed bool
	err := o.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		var err error
		changed, err = fn(ctx, r)
		return err
	})
	if err != nil {
		rep.MergeErrors++
		o.log.Warn(ctx, "failed to merge pulled record", "entity", entity, "id", id, "error", err)
		return append(failed, pullFailure{Entity: entity, ID: id, Error: err.Error()})
	}
	if changed {
		rep.Applied++
	}
	return failed
}
