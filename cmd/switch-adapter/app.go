package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/switch-adapter/internal/config"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/kafka/producer"
	"github.com/example/switch-adapter/internal/logger"
	"github.com/example/switch-adapter/internal/metrics"
	"github.com/example/switch-adapter/internal/payloadcache"
	"github.com/example/switch-adapter/internal/proxycache"
	"github.com/example/switch-adapter/internal/tracing"
	"github.com/example/switch-adapter/internal/transcode"
)

const redisPingTimeout = 3 * time.Second

// app holds the collaborators shared by the API and the notification handler.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  metrics.Recorder
	tracer   *tracing.Tracer
	producer *producer.Producer
	payloads payloadcache.Store
	proxies  proxycache.Store
	redis    *redis.Client
}

type serveFunc func(ctx context.Context, a *app) error

func run(cmd *cobra.Command, service string, serve serveFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", service).Logger()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise switch adapter")
	}
	defer a.close()

	err = serve(ctx, a)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("switch adapter terminated with error")
		return err
	}
	log.Info().Msg("switch adapter stopped")
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		metrics:  metrics.Nop(),
		tracer:   tracing.New(nil, nil),
	}

	if cfg.Metrics.Enabled {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewPrometheus(a.registry)
	}

	prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka_producer"), producer.WithClientID(cfg.Kafka.ClientID))
	if err != nil {
		return nil, err
	}
	a.producer = prod

	if cfg.Redis.PayloadCacheEnabled || cfg.Redis.ProxyCacheEnabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable at startup")
		}
		cancel()
	}

	if cfg.Redis.PayloadCacheEnabled {
		a.payloads = payloadcache.NewRedisStore(a.redis, cfg.Redis.PayloadTTL())
	}

	// Without Redis the proxy hints only live as long as the process; that is
	// enough when the API and the notification handler share one.
	if cfg.Redis.ProxyCacheEnabled {
		a.proxies = proxycache.NewRedisStore(a.redis, cfg.Redis.ProxyHashKey)
	} else {
		a.proxies = proxycache.NewMemoryStore()
	}

	return a, nil
}

func (a *app) transcoder() transcode.Transcoder {
	if !a.cfg.API.Transcoding() {
		return nil
	}
	return transcode.New()
}

func (a *app) endpointCache(ctx context.Context) (*endpoints.Cache, error) {
	directory, err := endpoints.NewHTTPDirectory(a.cfg.Endpoints.CentralLedgerURL,
		endpoints.WithDirectorySource(a.cfg.Hub.Name),
		endpoints.WithDirectoryTimeout(a.cfg.Endpoints.Timeout()),
	)
	if err != nil {
		return nil, err
	}

	cache, err := endpoints.New(directory, a.proxies,
		endpoints.WithTTL(a.cfg.Endpoints.CacheTTL()),
		endpoints.WithWarmParticipants(a.cfg.Endpoints.WarmParticipants...),
		endpoints.WithLogger(logger.Component(a.log, "endpoint_cache")),
		endpoints.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	if err := cache.Start(ctx); err != nil {
		return nil, err
	}
	return cache, nil
}

func (a *app) close() {
	if err := a.producer.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close kafka producer")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close redis client")
		}
	}
}
