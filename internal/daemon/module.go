package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/comtalk/comtalk/internal/blobstore"
	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/config"
	"github.com/comtalk/comtalk/internal/convo"
	"github.com/comtalk/comtalk/internal/dispatch"
	"github.com/comtalk/comtalk/internal/localcache"
	"github.com/comtalk/comtalk/internal/lock"
	"github.com/comtalk/comtalk/internal/logging"
	"github.com/comtalk/comtalk/internal/metrics"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/remote/memstore"
	"github.com/comtalk/comtalk/internal/remote/surreal"
	"github.com/comtalk/comtalk/internal/roster"
	"github.com/comtalk/comtalk/internal/session"
	"github.com/comtalk/comtalk/internal/subs"
	"github.com/comtalk/comtalk/internal/voice"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
	// Device is the platform capture backend injected by the host shell;
	// nil leaves voice capture unavailable.
	Device voice.Device
}

// Module returns the fx module for the client core, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = &config.Config{}
	}
	if p.Device == nil {
		p.Device = voice.UnavailableDevice{}
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideLocalCache,
			provideStore,
			provideSessionManager,
			provideRegistry,
			provideRosterResolver,
			provideConvoCache,
			provideDirectResolver,
			provideDispatcher,
			provideBlobStore,
			provideVoicePipeline,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Collector {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideLocalCache tolerates a broken cache database: the core runs
// without durable snapshots rather than refusing to start.
func provideLocalCache(p Params, logger *zap.Logger) *localcache.Cache {
	path := session.CacheDBPath(p.Profile)
	c, err := localcache.Open(path)
	if err != nil {
		logger.Warn("cache unavailable, continuing without it",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	logger.Info("cache initialized", zap.String("path", path))
	return c
}

func provideStore(p Params, logger *zap.Logger) (remote.Store, error) {
	rc := p.Config.Remote
	if rc.Offline || rc.URL == "" {
		logger.Info("remote store offline, using in-memory store")
		return memstore.New(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return surreal.Connect(ctx, surreal.Config{
		URL:          rc.URL,
		Namespace:    rc.Namespace,
		Database:     rc.Database,
		Username:     rc.Username,
		Password:     rc.Password,
		PollInterval: time.Duration(rc.PollIntervalMS) * time.Millisecond,
	}, logger)
}

func provideSessionManager(store remote.Store, cache *localcache.Cache, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(session.NewStoreAuthenticator(store), store, cache, b, logger)
}

func provideRegistry(store remote.Store, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *subs.Registry {
	return subs.NewRegistry(store, b, m, logger)
}

func provideRosterResolver(p Params, store remote.Store, registry *subs.Registry, mgr *session.Manager, cache *localcache.Cache, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *roster.Resolver {
	var snaps roster.Snapshots
	if cache != nil {
		snaps = cache
	}
	policy := roster.Policy{CreatePlaceholder: p.Config.Roster.CreatePlaceholder}
	return roster.NewResolver(store, registry, mgr, snaps, b, m, logger, policy)
}

func provideConvoCache(registry *subs.Registry, b *bus.Bus, logger *zap.Logger) *convo.Cache {
	return convo.NewCache(registry, b, logger)
}

func provideDirectResolver(store remote.Store, mgr *session.Manager, logger *zap.Logger) *convo.DirectResolver {
	return convo.NewDirectResolver(store, mgr, logger)
}

func provideDispatcher(store remote.Store, cache *convo.Cache, mgr *session.Manager, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(store, cache, mgr, b, m, logger)
}

func provideBlobStore(p Params) (*blobstore.FileStore, error) {
	return blobstore.NewFileStore(session.BlobDir(p.Profile))
}

func provideVoicePipeline(p Params, blobs *blobstore.FileStore, d *dispatch.Dispatcher, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *voice.Pipeline {
	cfg := voice.Config{
		MaxDuration: time.Duration(p.Config.Voice.MaxSeconds) * time.Second,
		MinDuration: time.Duration(p.Config.Voice.MinSeconds) * time.Second,
	}
	return voice.NewPipeline(p.Device, voice.ConcatEncoder{}, blobs, d, b, m, logger, cfg)
}

func registerLifecycle(p Params, lc fx.Lifecycle, lk *lock.Lock, store remote.Store, cache *localcache.Cache, mgr *session.Manager, registry *subs.Registry, pipeline *voice.Pipeline, m *metrics.Collector, logger *zap.Logger) {
	var metricsSrv *http.Server
	if addr := p.Config.Metrics.ListenAddr; addr != "" {
		metricsSrv = &http.Server{Addr: addr, Handler: m.Handler()}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Restore identity before subscriptions so the first
			// session.changed event finds them registered.
			registry.Start(context.Background())
			mgr.Bootstrap()

			if metricsSrv != nil {
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
			}
			logger.Info("core started", zap.String("profile", p.Profile))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pipeline.Close()
			registry.Stop()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if closer, ok := store.(interface{ Close(context.Context) error }); ok {
				if err := closer.Close(ctx); err != nil {
					logger.Warn("error closing remote store", zap.Error(err))
				}
			}
			if cache != nil {
				if err := cache.Close(); err != nil {
					logger.Warn("error closing cache", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("core stopped")
			return nil
		},
	})
}
