package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
)

// Options configures a Manager. Zero values take the package defaults.
type Options struct {
	// Origin resolves relative asset paths and decides response types.
	Origin            string
	StaticGeneration  string
	DynamicGeneration string
	// MaxDynamic bounds the DYNAMIC generation. Zero or less disables the bound.
	MaxDynamic      int
	FetchTimeout    time.Duration
	WarmConcurrency int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	// Clock stamps StoredAt. Defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the STATIC and DYNAMIC generations.
//
// Reads go STATIC first, then DYNAMIC. Writes to a generation are
// serialised so the dynamic size bound holds after every Store.
type Manager struct {
	transport api.Transport
	backend   Backend

	origin          string
	static          string
	dynamic         string
	maxDynamic      int
	fetchTimeout    time.Duration
	warmConcurrency int

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	writeLock sync.Mutex
	flight    singleflight.Group
}

// NewManager creates a cache manager. If backend is nil an in-memory one
// is used.
func NewManager(transport api.Transport, backend Backend, opts Options) *Manager {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	m := &Manager{
		transport:       transport,
		backend:         backend,
		origin:          strings.TrimRight(opts.Origin, "/"),
		static:          opts.StaticGeneration,
		dynamic:         opts.DynamicGeneration,
		maxDynamic:      opts.MaxDynamic,
		fetchTimeout:    opts.FetchTimeout,
		warmConcurrency: opts.WarmConcurrency,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             opts.Clock,
	}
	if m.static == "" {
		m.static = core.StaticGeneration
	}
	if m.dynamic == "" {
		m.dynamic = core.DynamicGeneration
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = core.FetchTimeout
	}
	if m.warmConcurrency < 1 {
		m.warmConcurrency = core.WarmConcurrency
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.logger = m.logger.With("component", "cache")
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// StaticGeneration returns the current STATIC generation name.
func (m *Manager) StaticGeneration() string { return m.static }

// DynamicGeneration returns the current DYNAMIC generation name.
func (m *Manager) DynamicGeneration() string { return m.dynamic }

// Backend returns the storage backend.
func (m *Manager) Backend() Backend { return m.backend }

// resolve turns a manifest path into an absolute URL on the origin.
func (m *Manager) resolve(asset string) string {
	if strings.HasPrefix(asset, "/") {
		return m.origin + asset
	}
	return asset
}

// Warm fetches every asset and writes them all into the STATIC generation
// with a single backend write. If any fetch fails or answers non-2xx the
// generation is left untouched and a *WarmError names the asset.
func (m *Manager) Warm(ctx context.Context, assets []string) error {
	seen := make(map[string]bool, len(assets))
	var urls []string
	for _, a := range assets {
		u := m.resolve(strings.TrimSpace(a))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}

	entries := make([]*Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.warmConcurrency)

	for i, u := range urls {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, m.fetchTimeout)
			defer cancel()

			resp, err := m.transport.Send(fctx, api.NewRequest("GET", u, nil))
			if err != nil {
				return &WarmError{Asset: u, Err: err}
			}
			if !resp.OK() {
				return &WarmError{Asset: u, Status: resp.Status}
			}
			entries[i] = newEntry(CanonicalKey("GET", u), resp, TierStatic, m.now())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("install warm failed", "generation", m.static, "error", err)
		return err
	}

	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	if err := m.backend.Put(m.static, entries...); err != nil {
		return &WarmError{Asset: m.static, Err: err}
	}
	for range entries {
		m.metrics.CacheStored(string(TierStatic))
	}
	m.logger.Info("static generation warmed", "generation", m.static, "entries", len(entries))
	return nil
}

// Lookup returns the cached entry for key, trying STATIC before DYNAMIC.
// A backend failure is logged and reported as a miss.
func (m *Manager) Lookup(key string) (*Entry, bool) {
	for _, tier := range []struct {
		gen  string
		tier Tier
	}{{m.static, TierStatic}, {m.dynamic, TierDynamic}} {
		e, err := m.backend.Get(tier.gen, key)
		if err != nil {
			m.logger.Warn("cache read failed", "generation", tier.gen, "key", key, "error", err)
			continue
		}
		if e != nil {
			m.metrics.CacheLookup(string(tier.tier), "hit")
			return e, true
		}
	}
	m.metrics.CacheLookup("any", "miss")
	return nil, false
}

// Store records resp under key in the tier's current generation and
// reports whether it was stored. DYNAMIC accepts only eligible responses
// (2xx, same-origin); STATIC accepts any 2xx. Existing entries are
// overwritten.
func (m *Manager) Store(key string, resp *api.Response, tier Tier) (bool, error) {
	var gen string
	switch tier {
	case TierStatic:
		if !resp.OK() {
			return false, nil
		}
		gen = m.static
	case TierDynamic:
		if !resp.Eligible() {
			return false, nil
		}
		gen = m.dynamic
	default:
		return false, fmt.Errorf("unknown cache tier %q", tier)
	}

	m.writeLock.Lock()
	defer m.writeLock.Unlock()

	if err := m.backend.Put(gen, newEntry(key, resp, tier, m.now())); err != nil {
		return false, fmt.Errorf("store %s: %w", key, err)
	}
	m.metrics.CacheStored(string(tier))

	if tier == TierDynamic {
		if err := m.trimDynamic(); err != nil {
			m.logger.Warn("dynamic trim failed", "error", err)
		}
	}
	return true, nil
}

// trimDynamic deletes the oldest DYNAMIC entries beyond maxDynamic.
// Callers hold writeLock.
func (m *Manager) trimDynamic() error {
	if m.maxDynamic <= 0 {
		return nil
	}
	entries, err := m.backend.List(m.dynamic)
	if err != nil {
		return err
	}
	excess := len(entries) - m.maxDynamic
	if excess <= 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	for _, e := range entries[:excess] {
		if err := m.backend.Delete(m.dynamic, e.Key); err != nil {
			return err
		}
		m.logger.Debug("evicted dynamic entry", "key", e.Key)
	}
	m.metrics.CacheEvicted(excess)
	return nil
}

// Activate deletes every stored generation whose name is not in current
// and returns the names deleted. With no arguments the manager's own
// generations are kept.
func (m *Manager) Activate(current ...string) ([]string, error) {
	if len(current) == 0 {
		current = []string{m.static, m.dynamic}
	}
	names, err := m.backend.Generations()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	m.writeLock.Lock()
	defer m.writeLock.Unlock()

	var deleted []string
	for _, name := range names {
		if core.ContainsString(current, name) {
			continue
		}
		if err := m.backend.DeleteGeneration(name); err != nil {
			return deleted, fmt.Errorf("delete generation %s: %w", name, err)
		}
		deleted = append(deleted, name)
		m.logger.Info("deleted stale generation", "generation", name)
	}
	return deleted, nil
}

// CacheFirst answers req from the cache when possible. On a miss it
// fetches once per key (concurrent misses share the fetch), stores
// eligible results in DYNAMIC and returns the network response.
func (m *Manager) CacheFirst(ctx context.Context, req *api.Request) (*api.Response, error) {
	key := CanonicalKey(req.Method, req.URL)
	if e, ok := m.Lookup(key); ok {
		return e.Response(), nil
	}

	// The shared fetch outlives any one caller; each caller stops waiting
	// when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(fetchCtx, m.fetchTimeout)
		defer cancel()

		resp, err := m.transport.Send(fctx, req)
		if err != nil {
			return nil, err
		}
		resp.Type = api.TypeFor(m.origin, req.URL, resp.Header)
		if req.Method == "GET" {
			if _, err := m.Store(key, resp, TierDynamic); err != nil {
				m.logger.Warn("cache-first store failed", "key", key, "error", err)
			}
		}
		return resp, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, &api.NetworkError{Method: req.Method, URL: req.URL, Err: ctx.Err()}
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	resp := res.Val.(*api.Response)
	if res.Shared {
		c := *resp
		c.Header = resp.Header.Clone()
		c.Body = append([]byte(nil), resp.Body...)
		resp = &c
	}
	return resp, nil
}

// Generations lists stored generation names.
func (m *Manager) Generations() ([]string, error) {
	return m.backend.Generations()
}

// Entries lists a generation's entries in key order.
func (m *Manager) Entries(generation string) ([]*Entry, error) {
	return m.backend.List(generation)
}
