// Package interceptor decides how each outgoing request is served:
// straight from the network, network first with a cache fallback, or
// cache first.
package interceptor

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/cache"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
)

// Strategy names a serving strategy.
type Strategy string

const (
	// Passthrough sends the request untouched; nothing is cached or served
	// from cache.
	Passthrough Strategy = "passthrough"
	// NetworkFirst tries the origin and falls back to the cache when the
	// origin cannot be reached.
	NetworkFirst Strategy = "network-first"
	// CacheFirst serves from the cache and fetches only on a miss.
	CacheFirst Strategy = "cache-first"
)

// Options configures an Interceptor.
type Options struct {
	Origin         string
	APIPrefix      string
	TrustedOrigins []string
	FetchTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Interceptor applies the serving strategies.
type Interceptor struct {
	transport api.Transport
	cache     *cache.Manager

	origin       string
	apiPrefix    string
	trusted      map[string]bool
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mirrors sync.WaitGroup
}

// New creates an interceptor over transport and cache.
func New(transport api.Transport, c *cache.Manager, opts Options) *Interceptor {
	i := &Interceptor{
		transport:    transport,
		cache:        c,
		origin:       strings.TrimRight(opts.Origin, "/"),
		apiPrefix:    opts.APIPrefix,
		trusted:      make(map[string]bool, len(opts.TrustedOrigins)),
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if i.apiPrefix == "" {
		i.apiPrefix = core.DefaultAPIPath
	}
	if i.fetchTimeout <= 0 {
		i.fetchTimeout = core.FetchTimeout
	}
	for _, o := range opts.TrustedOrigins {
		if norm := api.OriginOf(o); norm != "" {
			i.trusted[norm] = true
		}
	}
	if i.logger == nil {
		i.logger = slog.New(slog.DiscardHandler)
	}
	i.logger = i.logger.With("component", "interceptor")
	return i
}

// Origin returns the origin requests are classified against.
func (i *Interceptor) Origin() string { return i.origin }

// IsAPI reports whether req targets the origin's API.
func (i *Interceptor) IsAPI(req *api.Request) bool {
	if !api.SameOrigin(i.origin, req.URL) {
		return false
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, i.apiPrefix)
}

// Classify picks the strategy for req.
func (i *Interceptor) Classify(req *api.Request) Strategy {
	if !api.SameOrigin(i.origin, req.URL) {
		if !i.trusted[api.OriginOf(req.URL)] || req.Method != http.MethodGet {
			return Passthrough
		}
		return CacheFirst
	}
	if i.IsAPI(req) {
		return NetworkFirst
	}
	if req.Method != http.MethodGet {
		return Passthrough
	}
	return CacheFirst
}

// Fetch serves req with its strategy and returns the response together
// with the strategy used.
func (i *Interceptor) Fetch(ctx context.Context, req *api.Request) (*api.Response, Strategy, error) {
	strategy := i.Classify(req)

	var (
		resp *api.Response
		err  error
	)
	switch strategy {
	case NetworkFirst:
		resp, err = i.networkFirst(ctx, req)
	case CacheFirst:
		resp, err = i.cache.CacheFirst(ctx, req)
	default:
		resp, err = i.passthrough(ctx, req)
	}

	switch {
	case err != nil:
		i.metrics.Fetch(string(strategy), "error")
	case resp.Cached:
		i.metrics.Fetch(string(strategy), "cache")
	default:
		i.metrics.Fetch(string(strategy), "network")
	}
	return resp, strategy, err
}

func (i *Interceptor) passthrough(ctx context.Context, req *api.Request) (*api.Response, error) {
	resp, err := i.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Type = api.TypeFor(i.origin, req.URL, resp.Header)
	return resp, nil
}

func (i *Interceptor) networkFirst(ctx context.Context, req *api.Request) (*api.Response, error) {
	fctx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	defer cancel()

	resp, err := i.transport.Send(fctx, req)
	if err != nil {
		key := cache.CanonicalKey(req.Method, req.URL)
		if entry, ok := i.cache.Lookup(key); ok {
			i.logger.Debug("origin unreachable, serving cached response", "key", key, "error", err)
			return entry.Response(), nil
		}
		return nil, err
	}

	resp.Type = api.TypeFor(i.origin, req.URL, resp.Header)
	if req.Method == http.MethodGet && resp.Eligible() {
		i.mirror(cache.CanonicalKey(req.Method, req.URL), resp)
	}
	return resp, nil
}

// mirror stores a copy of resp in DYNAMIC without delaying the caller.
func (i *Interceptor) mirror(key string, resp *api.Response) {
	snapshot := *resp
	snapshot.Header = resp.Header.Clone()
	snapshot.Body = append([]byte(nil), resp.Body...)

	i.mirrors.Add(1)
	go func() {
		defer i.mirrors.Done()
		if _, err := i.cache.Store(key, &snapshot, cache.TierDynamic); err != nil {
			i.logger.Warn("dynamic mirror failed", "key", key, "error", err)
		}
	}()
}

// Wait blocks until pending cache mirrors finish.
func (i *Interceptor) Wait() {
	i.mirrors.Wait()
}
