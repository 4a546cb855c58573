package injector

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/zeusync/zeuscollab/internal/config"
	"github.com/zeusync/zeuscollab/internal/core/document"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/observability/metrics"
	"github.com/zeusync/zeuscollab/internal/core/registry"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
	"github.com/zeusync/zeuscollab/internal/core/statesync"
	"github.com/zeusync/zeuscollab/internal/server"
)

// ProviderSet builds a server from a validated config.Config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvidePrometheus,
	ProvideMetrics,
	ProvideBroadcaster,
	ProvideRegistry,
	ProvideDocuments,
	ProvideStatePusher,
	ProvideStateSync,
	ProvideRouter,
	ProvideServer,
)

func ProvideLogger(cfg config.Config) (log.Log, func(), error) {
	logger, err := log.New(cfg.LogConfig())
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func ProvidePrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	return metrics.New(reg)
}

// ProvideBroadcaster returns an unbound broadcaster; server.New binds it to
// the registry.
func ProvideBroadcaster(logger log.Log, m *metrics.Metrics) *rooms.Broadcaster {
	return rooms.New(nil, logger, m)
}

// ProvideRegistry builds a registry without a dialer: the server only
// supervises accepted channels. The cleanup stops its heartbeat loop if a
// later provider fails.
func ProvideRegistry(cfg config.Config, b *rooms.Broadcaster, logger log.Log, m *metrics.Metrics) (*registry.Registry, func(), error) {
	reg, err := registry.New(cfg.Registry, nil, b, logger, m)
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { _ = reg.Close() }, nil
}

func ProvideDocuments(cfg config.Config, logger log.Log, m *metrics.Metrics) (*document.Manager, error) {
	return document.NewManager(cfg.Document, logger, m)
}

// ProvideStatePusher publishes state changes to redis when sync.redis.addr is
// set. Without it auto-sync only clears change marks.
func ProvideStatePusher(cfg config.Config, logger log.Log) (statesync.Pusher, func(), error) {
	rc := cfg.Sync.Redis
	if !rc.Enabled() {
		return nil, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	logger.Info("State changes published to redis",
		log.String("addr", rc.Addr),
		log.String("channel", rc.Channel))

	return statesync.NewRedisPusher(client, rc.Channel), func() { _ = client.Close() }, nil
}

func ProvideStateSync(cfg config.Config, pusher statesync.Pusher, logger log.Log, m *metrics.Metrics) (*statesync.Manager, error) {
	state, err := statesync.New(cfg.Sync.Config, pusher, logger, m)
	if err != nil {
		return nil, err
	}
	if cfg.Sync.AutoSync {
		state.StartAutoSync()
	}
	return state, nil
}

func ProvideRouter(reg *registry.Registry, b *rooms.Broadcaster, docs *document.Manager, state *statesync.Manager, logger log.Log) *server.Router {
	return server.NewRouter(reg, b, docs, state, logger)
}

// ProvideServer owns the shutdown of every component through Server.Close.
func ProvideServer(
	cfg config.Config,
	reg *registry.Registry,
	b *rooms.Broadcaster,
	docs *document.Manager,
	state *statesync.Manager,
	router *server.Router,
	promReg *prometheus.Registry,
	logger log.Log,
) (*server.Server, func()) {
	srv := server.New(cfg.Server, reg, b, docs, state, router, promReg, logger)
	return srv, func() { _ = srv.Close() }
}
