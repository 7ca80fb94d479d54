package worker

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/cache"
	"github.com/colthorp/attendsync-go/internal/config"
	"github.com/colthorp/attendsync-go/internal/interceptor"
	"github.com/colthorp/attendsync-go/internal/metrics"
	"github.com/colthorp/attendsync-go/internal/notify"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/storage"
	"github.com/colthorp/attendsync-go/internal/syncer"
)

// BuildOptions controls how Build assembles a worker.
type BuildOptions struct {
	// Transport reaches the origin. Defaults to an HTTP transport.
	Transport api.Transport
	// InMemory keeps the queue and cache in RAM instead of under DataDir.
	InMemory bool
	// Opener overrides the configured notification open command.
	Opener  notify.Opener
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Build opens storage for cfg and assembles every component. The returned
// worker owns both databases; Close releases them.
func Build(cfg config.Config, opts BuildOptions) (*Worker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	transport := opts.Transport
	if transport == nil {
		transport = api.NewHTTPTransport(api.HTTPOptions{Timeout: cfg.Cache.FetchTimeout, Logger: logger})
	}

	cacheCfg := storage.DefaultConfig(cfg.CacheDir())
	queueCfg := storage.DefaultConfig(cfg.QueueDir())
	if opts.InMemory {
		cacheCfg = storage.InMemoryConfig()
		queueCfg = storage.InMemoryConfig()
	}
	cacheCfg.Logger = logger.With("db", "cache")
	queueCfg.Logger = logger.With("db", "queue")

	cacheDB, err := storage.Open(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	store, err := queue.OpenBadgerStore(queueCfg, logger)
	if err != nil {
		cacheDB.Close()
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	manager := cache.NewManager(transport, cache.NewBadgerBackend(cacheDB), cache.Options{
		Origin:            cfg.Origin,
		StaticGeneration:  cfg.Generations.Static,
		DynamicGeneration: cfg.Generations.Dynamic,
		MaxDynamic:        cfg.Cache.MaxDynamicEntries,
		FetchTimeout:      cfg.Cache.FetchTimeout,
		WarmConcurrency:   cfg.Cache.WarmConcurrency,
		Logger:            logger,
		Metrics:           opts.Metrics,
	})
	icpt := interceptor.New(transport, manager, interceptor.Options{
		Origin:         cfg.Origin,
		APIPrefix:      cfg.APIPrefix,
		TrustedOrigins: cfg.TrustedOrigins,
		FetchTimeout:   cfg.Cache.FetchTimeout,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	coord := syncer.New(store, transport, syncer.Options{
		Origin:           cfg.Origin,
		RequestTimeout:   cfg.Sync.RequestTimeout,
		RejectionPolicy:  cfg.Sync.RejectionPolicy,
		ReplaysPerSecond: cfg.Sync.ReplaysPerSecond,
		Logger:           logger,
		Metrics:          opts.Metrics,
		Tracer:           opts.Tracer,
	})

	opener := opts.Opener
	if opener == nil {
		if co := notify.ParseCommandOpener(cfg.Notifications.OpenCommand); co != nil {
			opener = co
		}
	}
	relay := notify.NewRelay(notify.NewRegistry(), opener, notify.RelayOptions{
		Base:    "http://" + cfg.Listen,
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	w, err := New(Components{
		Cache:       manager,
		Store:       store,
		Interceptor: icpt,
		Coordinator: coord,
		Relay:       relay,
	}, Options{StaticAssets: cfg.StaticAssets, Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		store.Close()
		cacheDB.Close()
		return nil, err
	}
	w.OnClose(cacheDB.Close)
	w.OnClose(store.Close)
	return w, nil
}
