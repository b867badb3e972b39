package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmitrijs2005/possync/internal/client/connectivity"
	"github.com/dmitrijs2005/possync/internal/client/remote"
	"github.com/dmitrijs2005/possync/internal/logging"
)

const DefaultInterval = 5 * time.Minute

// Runner is satisfied by *Orchestrator.
type Runner interface {
	Run(ctx context.Context, reason string) (Report, error)
	Running() bool
}

type SchedulerOption func(*Scheduler)

// WithBackOff sets the retry policy used after transient failures. Its
// delays are capped at the scheduler interval.
func WithBackOff(b backoff.BackOff) SchedulerOption {
	return func(s *Scheduler) { s.backoff = b }
}

func WithSchedulerLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler runs sync periodically and on demand. Triggers that arrive
// while one is already waiting collapse into it.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	trigger  chan string
	backoff  backoff.BackOff
	log      logging.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(runner Runner, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		trigger:  make(chan string, 1),
		log:      logging.Nop(),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Second
		b.MaxInterval = interval
		b.MaxElapsedTime = 0
		b.Reset()
		s.backoff = b
	}
	s.log = logging.ForModule(s.log, "scheduler")
	return s
}

// Trigger requests a run as soon as possible. It returns false when a
// request is already waiting.
func (s *Scheduler) Trigger(reason string) bool {
	select {
	case s.trigger <- reason:
		return true
	default:
		return false
	}
}

// Pending reports whether a triggered run has not started yet.
func (s *Scheduler) Pending() bool {
	return len(s.trigger) > 0
}

// Stop ends Run. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// TriggerOnReconnect requests a run whenever m goes from offline to online.
// A reconnect seen while a run is in progress is dropped: that run either
// reaches the server itself or fails and is retried by the backoff.
func (s *Scheduler) TriggerOnReconnect(m *connectivity.Monitor) (unsubscribe func()) {
	return m.Subscribe(func(online bool) {
		if !online {
			return
		}
		if s.runner.Running() {
			s.log.Debug(context.Background(), "reconnect during run ignored")
			return
		}
		s.Trigger(ReasonReconnect)
	})
}

// Run starts with an immediate run and then waits for the timer or a
// trigger until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	reason := ReasonStartup

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-timer.C:
		case reason = <-s.trigger:
			timer.Stop()
		}

		next := s.runOnce(ctx, reason)
		timer.Reset(next)
		reason = ReasonTimer
	}
}

// runOnce returns the delay before the next timed run.
func (s *Scheduler) runOnce(ctx context.Context, reason string) time.Duration {
	rep, err := s.runner.Run(ctx, reason)
	switch {
	case err == nil:
		s.backoff.Reset()
		if rep.Skipped != "" {
			s.log.Debug(ctx, "run skipped", "reason", reason, "why", rep.Skipped)
		}
		return s.interval
	case ctx.Err() != nil:
		return s.interval
	case remote.IsTransient(err):
		d := s.backoff.NextBackOff()
		if d == backoff.Stop || d > s.interval {
			d = s.interval
		}
		s.log.Info(ctx, "server unreachable, retrying", "in", d)
		return d
	default:
		s.backoff.Reset()
		s.log.Error(ctx, "sync run failed", "reason", reason, "error", err)
		return s.interval
	}
}
