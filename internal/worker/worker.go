// Package worker is the long-lived owner of the sync engine. It holds the
// cache, the queue, the interceptor, the coordinator and the relay, and
// routes lifecycle and network events to them through a dispatch table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/cache"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/interceptor"
	"github.com/colthorp/attendsync-go/internal/metrics"
	"github.com/colthorp/attendsync-go/internal/notify"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/syncer"
)

// EventKind names a worker event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is one unit of work for the worker. Which fields matter depends on
// Kind.
type Event struct {
	Kind EventKind
	// Request is the intercepted request of a fetch event.
	Request *api.Request
	// Tag is the sync tag of a sync event.
	Tag string
	// Payload is the raw body of a push event.
	Payload []byte
	// URL is the target of a notification click.
	URL string
}

// Completion is what a handler produced.
type Completion struct {
	Response  *api.Response
	Strategy  interceptor.Strategy
	Sync      *syncer.Result
	Delivered int
	Action    notify.Action
	// Removed lists the generations an activate event deleted.
	Removed []string
}

// Handler processes one event kind.
type Handler func(ctx context.Context, ev Event) (Completion, error)

// ErrUnhandledEvent is returned by Dispatch for kinds with no handler.
var ErrUnhandledEvent = errors.New("no handler for event")

// Components are the engine parts a Worker drives.
type Components struct {
	Cache       *cache.Manager
	Store       queue.Store
	Interceptor *interceptor.Interceptor
	Coordinator *syncer.Coordinator
	Relay       *notify.Relay
}

// Options configures a Worker.
type Options struct {
	// StaticAssets is the install-time manifest.
	StaticAssets []string
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Worker routes events to the engine components.
type Worker struct {
	cache       *cache.Manager
	store       queue.Store
	interceptor *interceptor.Interceptor
	coordinator *syncer.Coordinator
	relay       *notify.Relay

	assets   []string
	handlers map[EventKind]Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New creates a worker over already-built components.
func New(c Components, opts Options) (*Worker, error) {
	switch {
	case c.Cache == nil:
		return nil, errors.New("worker: cache manager is required")
	case c.Store == nil:
		return nil, errors.New("worker: queue store is required")
	case c.Interceptor == nil:
		return nil, errors.New("worker: interceptor is required")
	case c.Coordinator == nil:
		return nil, errors.New("worker: coordinator is required")
	}
	if c.Relay == nil {
		c.Relay = notify.NewRelay(nil, nil, notify.RelayOptions{Logger: opts.Logger, Metrics: opts.Metrics})
	}

	w := &Worker{
		cache:       c.Cache,
		store:       c.Store,
		interceptor: c.Interceptor,
		coordinator: c.Coordinator,
		relay:       c.Relay,
		assets:      append([]string(nil), opts.StaticAssets...),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	w.logger = w.logger.With("component", "worker")

	w.handlers = map[EventKind]Handler{
		EventInstall:           w.handleInstall,
		EventActivate:          w.handleActivate,
		EventFetch:             w.handleFetch,
		EventSync:              w.handleSync,
		EventPush:              w.handlePush,
		EventNotificationClick: w.handleClick,
	}
	return w, nil
}

func (w *Worker) Cache() *cache.Manager                 { return w.cache }
func (w *Worker) Store() queue.Store                    { return w.store }
func (w *Worker) Interceptor() *interceptor.Interceptor { return w.interceptor }
func (w *Worker) Coordinator() *syncer.Coordinator      { return w.coordinator }
func (w *Worker) Relay() *notify.Relay                  { return w.relay }

// Handle replaces the handler for kind.
func (w *Worker) Handle(kind EventKind, h Handler) {
	w.handlers[kind] = h
}

// Dispatch runs the handler registered for ev.Kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Completion, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return Completion{}, fmt.Errorf("%w: %q", ErrUnhandledEvent, ev.Kind)
	}
	return h(ctx, ev)
}

// Start runs install then activate. An install failure aborts startup and
// leaves the previous generations untouched.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	c, err := w.Dispatch(ctx, Event{Kind: EventActivate})
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	w.logger.Info("worker active",
		"static", w.cache.StaticGeneration(),
		"dynamic", w.cache.DynamicGeneration(),
		"removed_generations", c.Removed)
	return nil
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) (Completion, error) {
	return Completion{}, w.cache.Warm(ctx, w.assets)
}

func (w *Worker) handleActivate(_ context.Context, _ Event) (Completion, error) {
	removed, err := w.cache.Activate()
	return Completion{Removed: removed}, err
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Completion, error) {
	if ev.Request == nil {
		return Completion{}, errors.New("fetch event without request")
	}
	resp, strategy, err := w.interceptor.Fetch(ctx, ev.Request)
	return Completion{Response: resp, Strategy: strategy}, err
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Completion, error) {
	res, err := w.coordinator.Trigger(ctx, ev.Tag)
	return Completion{Sync: res}, err
}

func (w *Worker) handlePush(ctx context.Context, ev Event) (Completion, error) {
	n, err := w.relay.Push(ctx, ev.Payload)
	return Completion{Delivered: n}, err
}

func (w *Worker) handleClick(ctx context.Context, ev Event) (Completion, error) {
	action, err := w.relay.Click(ctx, ev.URL)
	return Completion{Action: action}, err
}

// Defer queues a mutating request that could not reach the origin. The
// auth token is taken from the request's Authorization header as it is
// now; it will be replayed unchanged. The record is drained on the
// monitor's next successful probe even if the origin never looked offline.
func (w *Worker) Defer(ctx context.Context, req *api.Request) (uint64, error) {
	if !api.IsMutatingMethod(req.Method) {
		return 0, fmt.Errorf("%w: %s requests are not queued", queue.ErrInvalidMutation, req.Method)
	}
	m := queue.PendingMutation{
		Endpoint:       endpointOf(req.URL),
		Method:         req.Method,
		Body:           req.Body,
		AuthToken:      bearerToken(req.Header.Get("Authorization")),
		IdempotencyKey: req.Header.Get(core.IdempotencyHdr),
	}
	id, err := w.store.Enqueue(ctx, m)
	if err != nil {
		return 0, err
	}
	w.coordinator.RequestSync()
	w.metrics.Enqueued()
	if n, err := w.store.Count(ctx); err == nil {
		w.metrics.SetQueueDepth(n)
	}
	w.logger.Info("mutation deferred", "id", id, "method", m.Method, "endpoint", m.Endpoint)
	return id, nil
}

// OnClose registers fn to run when the worker closes, in reverse order of
// registration.
func (w *Worker) OnClose(fn func() error) {
	w.closers = append(w.closers, fn)
}

// Close waits for background cache writes and releases storage.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.interceptor.Wait()
		var errs []error
		for i := len(w.closers) - 1; i >= 0; i-- {
			if err := w.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

// endpointOf keeps path and query so replays go back to the same origin
// the coordinator is configured for.
func endpointOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	out := u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
