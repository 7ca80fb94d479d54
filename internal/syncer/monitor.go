package syncer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
)

// Trigger is what the monitor fires when connectivity returns, or when
// work was queued while the origin still looked reachable.
type Trigger interface {
	Trigger(ctx context.Context, tag string) (*Result, error)
	SyncPending() bool
}

// Connectivity is the monitor's view of the origin.
type Connectivity struct {
	Online              bool      `json:"online"`
	Known               bool      `json:"known"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastProbe           time.Time `json:"lastProbe"`
	LastChange          time.Time `json:"lastChange"`
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Origin    string
	ProbePath string
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Monitor probes the origin and fires a sync when it becomes reachable.
// Any HTTP response counts as reachable.
type Monitor struct {
	transport api.Transport
	trigger   Trigger

	probeURL string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	status Connectivity
}

// NewMonitor creates a monitor. Run starts it.
func NewMonitor(transport api.Transport, trigger Trigger, opts MonitorOptions) *Monitor {
	m := &Monitor{
		transport: transport,
		trigger:   trigger,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	path := opts.ProbePath
	if path == "" {
		path = core.DefaultProbe
	}
	m.probeURL = strings.TrimRight(opts.Origin, "/") + path
	if m.interval <= 0 {
		m.interval = core.ProbeInterval
	}
	if m.timeout <= 0 {
		m.timeout = core.FetchTimeout
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.logger = m.logger.With("component", "monitor")
	return m
}

// Status returns the latest connectivity view.
func (m *Monitor) Status() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one probe and fires the sync trigger on an offline to online
// transition, or on any successful probe while a sync is pending. It
// reports whether the origin answered.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	m.metrics.Probe(online)

	m.mu.Lock()
	now := time.Now()
	cameOnline := online && (!m.status.Known || !m.status.Online)
	if m.status.Known && m.status.Online != online {
		m.status.LastChange = now
	}
	if !m.status.Known {
		m.status.LastChange = now
	}
	m.status.Known = true
	m.status.Online = online
	m.status.LastProbe = now
	if online {
		m.status.ConsecutiveFailures = 0
	} else {
		m.status.ConsecutiveFailures++
	}
	failures := m.status.ConsecutiveFailures
	m.mu.Unlock()

	switch {
	case cameOnline:
		m.logger.Info("origin reachable, triggering sync")
		if _, err := m.trigger.Trigger(ctx, core.SyncTag); err != nil {
			m.logger.Error("sync after reconnect failed", "error", err)
		}
	case online && m.trigger.SyncPending():
		m.logger.Info("mutations queued while online, triggering sync")
		if _, err := m.trigger.Trigger(ctx, core.SyncTag); err != nil {
			m.logger.Error("pending sync failed", "error", err)
		}
	case !online && failures == 1:
		m.logger.Warn("origin unreachable, mutations will be queued", "probe", m.probeURL)
	}
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.transport.Send(pctx, api.NewRequest("GET", m.probeURL, nil))
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
		return false
	}
	return true
}
