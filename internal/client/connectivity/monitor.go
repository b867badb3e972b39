// Package connectivity tracks whether the remote system of record is
// reachable. The Monitor is the single source of truth for that answer;
// passive signals (the live link, failed requests) and active probes both
// feed into it.
package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/possync/internal/logging"
)

// DefaultProbeTimeout bounds a single reachability check.
const DefaultProbeTimeout = 3 * time.Second

// Prober performs one active reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

type Option func(*Monitor)

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithInitialStatus sets the status reported before the first signal.
func WithInitialStatus(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int

	prober  Prober
	timeout time.Duration
	log     logging.Logger
}

// NewMonitor creates a monitor that starts offline unless told otherwise.
// prober may be nil, in which case Probe only reports the current status.
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		listeners: make(map[int]func(bool)),
		prober:    prober,
		timeout:   DefaultProbeTimeout,
		log:       logging.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logging.ForModule(m.log, "connectivity")
	return m
}

func (m *Monitor) Status() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for status transitions. The returned function
// removes it and may be called more than once.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Set records a new status. Listeners run synchronously, in subscription
// order, on the caller's goroutine and only when the status changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	if online {
		m.log.Info(context.Background(), "remote reachable")
	} else {
		m.log.Warn(context.Background(), "remote unreachable")
	}
	for _, fn := range fns {
		fn(online)
	}
}

// Probe actively checks reachability within the probe timeout, updates the
// status when it disagrees and returns the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Status()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Debug(ctx, "probe failed", "error", err)
	}
	online := err == nil
	m.Set(online)
	return online
}

// Watch probes every interval until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}
