package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/switch-adapter/internal/api"
	"github.com/example/switch-adapter/internal/builder"
	"github.com/example/switch-adapter/internal/callback"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/kafka/consumer"
	"github.com/example/switch-adapter/internal/kafka/publisher"
	"github.com/example/switch-adapter/internal/logger"
	"github.com/example/switch-adapter/internal/notification"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// readiness reports ready when every check does.
type readiness []api.ReadinessChecker

func (r readiness) IsReady() bool {
	for _, c := range r {
		if !c.IsReady() {
			return false
		}
	}
	return true
}

func serveAPI(ctx context.Context, a *app) error {
	return listen(ctx, a, a.apiServer(nil, readiness{a.producer}))
}

func serveNotifications(ctx context.Context, a *app) error {
	cache, err := a.endpointCache(ctx)
	if err != nil {
		return fmt.Errorf("endpoint cache: %w", err)
	}
	defer cache.Stop()

	cons, err := a.notificationConsumer()
	if err != nil {
		return err
	}
	defer func() {
		if err := cons.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consumeNotifications(ctx, cons, cache) })
	g.Go(func() error { return listen(ctx, a, a.opsServer(cache, readiness{cons})) })
	return g.Wait()
}

func serveAll(ctx context.Context, a *app) error {
	cache, err := a.endpointCache(ctx)
	if err != nil {
		return fmt.Errorf("endpoint cache: %w", err)
	}
	defer cache.Stop()

	cons, err := a.notificationConsumer()
	if err != nil {
		return err
	}
	defer func() {
		if err := cons.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consumeNotifications(ctx, cons, cache) })
	g.Go(func() error { return listen(ctx, a, a.apiServer(cache, readiness{a.producer, cons})) })
	return g.Wait()
}

func (a *app) apiServer(cache *endpoints.Cache, ready api.ReadinessChecker) http.Handler {
	pub := publisher.NewEnvelopePublisher(a.producer, publisher.Topics{
		Prepare: a.cfg.Topics.Prepare,
		Fulfil:  a.cfg.Topics.Fulfil,
		Get:     a.cfg.Topics.Get,
	}, logger.Component(a.log, "envelope_publisher"), publisher.WithMetrics(a.metrics), publisher.WithTracer(a.tracer))

	b, err := builder.New(a.cfg.Hub.Name, pub, logger.Component(a.log, "envelope_builder"),
		builder.WithPayloadStore(a.payloads),
		builder.WithProxyStore(a.proxies),
		builder.WithTranscoder(a.transcoder()),
		builder.WithTracer(a.tracer),
		builder.WithExpiryCheck(a.cfg.API.RejectExpired),
	)
	if err != nil {
		fail("envelope builder", err)
	}

	opts := append(a.opsOptions(cache, ready), api.WithMaxBodyBytes(a.cfg.API.MaxBodyBytes))
	return api.NewServer(b, logger.Component(a.log, "api"), opts...).Handler()
}

// opsServer serves health, endpoint cache reset and metrics for a process
// that owns the endpoint cache but accepts no transfer requests.
func (a *app) opsServer(cache *endpoints.Cache, ready api.ReadinessChecker) http.Handler {
	return api.NewOpsServer(logger.Component(a.log, "ops"), a.opsOptions(cache, ready)...).Handler()
}

func (a *app) opsOptions(cache *endpoints.Cache, ready api.ReadinessChecker) []api.Option {
	opts := []api.Option{api.WithReadiness(ready)}
	if cache != nil {
		opts = append(opts, api.WithEndpointCache(cache))
	}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}
	return opts
}

func (a *app) notificationConsumer() (*consumer.Consumer, error) {
	return consumer.New(a.cfg.Kafka.Brokers, a.cfg.Consumer.Group, logger.Component(a.log, "kafka_consumer"), a.cfg.Consumer.CommitOnSuccessOnly,
		consumer.WithClientID(a.cfg.Kafka.ClientID),
		consumer.WithBatchSize(a.cfg.Consumer.BatchSize),
		consumer.WithBatchWait(a.cfg.Consumer.BatchWait()),
		consumer.WithMetrics(a.metrics),
	)
}

func (a *app) consumeNotifications(ctx context.Context, cons *consumer.Consumer, cache *endpoints.Cache) error {
	client := callback.New(logger.Component(a.log, "callback_client"),
		callback.WithTimeout(a.cfg.Callback.Timeout()),
		callback.WithBodyLimit(int64(a.cfg.Callback.BodyLimitBytes)),
		callback.WithMetrics(a.metrics),
	)

	dispatcher, err := notification.NewDispatcher(a.cfg.Hub.Name, cache, client, a.log,
		notification.WithPayloadStore(a.payloads),
		notification.WithTranscoder(a.transcoder()),
		notification.WithTracer(a.tracer),
	)
	if err != nil {
		return err
	}

	deps := notification.Dependencies{
		Dispatcher: dispatcher,
		Logger:     a.log,
		Now:        time.Now,
	}
	if dlq := publisher.NewDeadLetterPublisher(a.producer, a.cfg.Topics.DLQ, logger.Component(a.log, "dlq_publisher")); dlq != nil {
		deps.DeadLetters = dlq
	}

	engine, err := notification.NewEngine(notification.Config{
		WorkerConcurrency: a.cfg.Consumer.WorkerConcurrency,
		MsgMaxBytes:       a.cfg.Consumer.MsgMaxBytes,
	}, deps)
	if err != nil {
		return err
	}

	a.log.Info().Str("topic", a.cfg.Topics.Notification).Str("group", a.cfg.Consumer.Group).Msg("notification handler started")
	return cons.Consume(ctx, []string{a.cfg.Topics.Notification}, engine.HandleBatch)
}

// listen serves h on the configured port until ctx is done.
func listen(ctx context.Context, a *app, h http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.App.Port),
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}
