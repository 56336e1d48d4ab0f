package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backcheck/internal/check"
	"backcheck/internal/check/cache"
	"backcheck/internal/check/store"
	"backcheck/internal/jobs"
	"backcheck/internal/jobs/worker"
	"backcheck/internal/notify"
	"backcheck/internal/notify/sinks"
	"backcheck/internal/pipeline"
	"backcheck/internal/pipeline/ingress"
	"backcheck/internal/platform/aws"
	"backcheck/internal/platform/config"
	platformes "backcheck/internal/platform/elasticsearch"
	"backcheck/internal/platform/httpserver"
	"backcheck/internal/platform/kafka"
	"backcheck/internal/platform/metrics"
	"backcheck/internal/platform/postgres"
	platformredis "backcheck/internal/platform/redis"
	httptransport "backcheck/internal/transport/http"
	"backcheck/internal/verifier"
	"backcheck/pkg/platform/circuit"
	"backcheck/pkg/platform/retry"
)

// app owns every long-lived component of the serve command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db       *sql.DB
	redis    *platformredis.Client
	kafka    *kgo.Client
	consumer *kgo.Client
	es       *elasticsearch.Client

	deadLetters notify.DeadLetterIndex
	queue       jobs.Queue
	dispatcher  *notify.Dispatcher
	pipeline    *pipeline.Service
	workers     *worker.Pool
	ingress     *ingress.Consumer
	server      *http.Server

	probes  map[string]httptransport.Probe
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		probes:   make(map[string]httptransport.Probe),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	steps := []func() error{
		func() error { return a.connect(ctx) },
		func() error { return a.buildNotifications(ctx) },
		a.buildPipeline,
		a.buildIngress,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			a.close()
			return nil, err
		}
	}
	a.buildServer()
	return a, nil
}

// connect opens only the backends the configuration selects.
func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg
	if cfg.UsesPostgres() {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.probes["postgres"] = db.PingContext
		if cfg.Postgres.ApplySchema {
			if err := postgres.ApplySchema(ctx, db, store.Schema, jobs.Schema, notify.OutboxSchema); err != nil {
				return err
			}
		}
	}

	if cfg.UsesRedis() {
		rc, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.redis = rc
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.probes["redis"] = rc.Health
	}

	if cfg.UsesKafka() {
		cl, err := kafka.NewClient(cfg.Kafka)
		if err != nil {
			return err
		}
		a.kafka = cl
		a.closers = append(a.closers, cl.Close)
		a.probes["kafka"] = func(ctx context.Context) error { return kafka.Health(ctx, cl) }
		if cfg.Kafka.ProvisionTopics {
			topics := []string{cfg.Ingress.CheckRequestsTopic, cfg.Ingress.DocumentBatchesTopic, cfg.Notifications.Event.Topic}
			if err := kafka.EnsureTopics(ctx, cl, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, topics...); err != nil {
				return err
			}
		}
	}

	if cfg.Notifications.DeadLetterIndex.Enabled {
		es, err := platformes.New(cfg.Notifications.DeadLetterIndex)
		if err != nil {
			return err
		}
		a.es = es
		a.probes["elasticsearch"] = func(ctx context.Context) error { return platformes.Health(ctx, es) }
		index, err := notify.NewElasticDeadLetterIndex(es, cfg.Notifications.DeadLetterIndex.Index)
		if err != nil {
			return err
		}
		a.deadLetters = index
	}
	return nil
}

func (a *app) buildNotifications(ctx context.Context) error {
	n := a.cfg.Notifications

	sink, err := a.buildSinks(ctx)
	if err != nil {
		return err
	}

	var outbox notify.Outbox = notify.NewInMemoryOutbox()
	if n.Outbox == config.BackendPostgres {
		outbox = notify.NewPostgresOutbox(a.db)
	}

	opts := []notify.Option{
		notify.WithMaxRetries(n.MaxRetries),
		notify.WithBackoff(retry.Policy{Base: n.BackoffBase, Max: n.BackoffMax}),
		notify.WithLimiter(notify.NewLimiter(n.Burst, n.MinInterval)),
		notify.WithIdempotencyWindow(n.IdempotencyWindow),
		notify.WithBatchSize(n.BatchSize),
		notify.WithConcurrency(n.Concurrency),
		notify.WithPollInterval(n.PollInterval),
		notify.WithDeliveryTimeout(n.DeliveryTimeout),
		notify.WithLogger(a.logger.Named("notify")),
		notify.WithMetrics(a.metrics),
	}
	if n.Dedupe == config.BackendRedis {
		opts = append(opts, notify.WithDedupe(notify.NewRedisDedupe(a.redis.Client, a.cfg.Redis.KeyPrefix+"dedupe:")))
	}
	if a.deadLetters != nil {
		opts = append(opts, notify.WithDeadLetterIndex(a.deadLetters))
	}

	d, err := notify.NewDispatcher(outbox, sink, opts...)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	a.dispatcher = d
	return nil
}

// buildSinks routes each channel to its transport, or to the log when the
// channel is disabled.
func (a *app) buildSinks(ctx context.Context) (*sinks.Router, error) {
	n := a.cfg.Notifications
	fallback := sinks.NewLogSink(a.logger.Named("notify.log"))
	router := sinks.NewRouter().
		Handle(notify.ChannelEmail, fallback).
		Handle(notify.ChannelSMS, fallback).
		Handle(notify.ChannelEvent, fallback)

	clients, err := aws.New(ctx, n)
	if err != nil {
		return nil, err
	}
	resolver := sinks.DirectResolver{}
	if clients.SES != nil {
		email, err := sinks.NewEmailSink(clients.SES, n.Email.From, resolver)
		if err != nil {
			return nil, err
		}
		router.Handle(notify.ChannelEmail, email)
	}
	if clients.SNS != nil {
		sms, err := sinks.NewSMSSink(clients.SNS, resolver)
		if err != nil {
			return nil, err
		}
		router.Handle(notify.ChannelSMS, sms)
	}
	if n.Event.Enabled {
		event, err := sinks.NewEventSink(a.kafka, n.Event.Topic)
		if err != nil {
			return nil, err
		}
		router.Handle(notify.ChannelEvent, event)
	}
	return router, nil
}

func (a *app) buildPipeline() error {
	cfg := a.cfg
	p := cfg.Pipeline

	var checks pipeline.CheckStore = store.NewInMemoryStore()
	if p.Store == config.BackendPostgres {
		checks = store.NewPostgresStore(a.db)
	}

	var c cache.Cache = cache.NewInMemoryCache(cache.WithMemoryMetrics(a.metrics))
	if p.Cache == config.BackendRedis {
		c = cache.NewRedisCache(a.redis.Client, cache.WithKeyPrefix(cfg.Redis.KeyPrefix), cache.WithRedisMetrics(a.metrics))
	}

	a.queue = jobs.NewInMemoryQueue(
		jobs.WithMetrics(a.metrics),
		jobs.WithDeadLetterCapacity(p.DeadLetterCap),
	)
	if p.QueueBackend() == config.BackendPostgres {
		a.queue = jobs.NewPostgresQueue(a.db, jobs.WithPostgresMetrics(a.metrics))
	}

	opts := []pipeline.Option{
		pipeline.WithTiers(check.DefaultTiers()),
		pipeline.WithWriteAttempts(p.WriteAttempts),
		pipeline.WithCacheTTL(p.CacheTTL),
		pipeline.WithExpiryInterval(p.ExpiryInterval),
		pipeline.WithCandidateChannel(notify.Channel(cfg.Notifications.CandidateChannel)),
		pipeline.WithLogger(a.logger.Named("pipeline")),
		pipeline.WithMetrics(a.metrics),
	}
	if a.deadLetters != nil {
		opts = append(opts, pipeline.WithDeadLetterIndex(a.deadLetters))
	}
	svc, err := pipeline.New(checks, c, a.queue, a.dispatcher, opts...)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	a.pipeline = svc

	breaker := circuit.New("verifier", append(verifier.BreakerOptions(a.metrics, a.logger.Named("breaker")),
		circuit.WithWindowSize(cfg.Breaker.WindowSize),
		circuit.WithErrorThreshold(cfg.Breaker.ErrorThreshold),
		circuit.WithMinimumRequests(cfg.Breaker.MinimumRequests),
		circuit.WithResetTimeout(cfg.Breaker.ResetTimeout),
		circuit.WithCallTimeout(cfg.Breaker.CallTimeout),
	)...)
	guarded := verifier.NewGuarded(a.verifier(), breaker, verifier.WithMetrics(a.metrics))

	pool, err := worker.New(a.queue, guarded, svc,
		worker.WithSize(p.Workers),
		worker.WithMaxAttempts(p.MaxJobAttempts),
		worker.WithBackoff(retry.Policy{Base: p.BackoffBase, Max: p.BackoffMax}),
		worker.WithIdleWait(p.IdleWait),
		worker.WithStaleClaimAfter(p.StaleClaim),
		worker.WithLogger(a.logger.Named("worker")),
	)
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}
	a.workers = pool
	return nil
}

func (a *app) verifier() verifier.Verifier {
	v := a.cfg.Verifier
	if v.Mode == config.VerifierHTTP {
		return verifier.NewHTTPVerifier(v.BaseURL,
			verifier.WithAPIKey(v.APIKey),
			verifier.WithHTTPClient(&http.Client{Timeout: v.Timeout}),
		)
	}
	a.logger.Warn("using stub verifier")
	return verifier.StubVerifier{}
}

func (a *app) buildIngress() error {
	in := a.cfg.Ingress
	if !in.Enabled {
		return nil
	}
	decoder, err := ingress.NewDecoder()
	if err != nil {
		return err
	}
	log := a.logger.Named("ingress")
	router := ingress.NewRouter(log)
	router.Register(in.CheckRequestsTopic, ingress.CheckRequestHandler(a.pipeline, decoder, log))
	router.Register(in.DocumentBatchesTopic, ingress.DocumentBatchHandler(a.pipeline, decoder,
		ingress.WithOrphanGrace(in.OrphanGrace),
	))

	cl, err := kafka.NewClient(a.cfg.Kafka, kafka.ConsumerOptions(in.Group, router.Topics()...)...)
	if err != nil {
		return err
	}
	a.consumer = cl
	a.closers = append(a.closers, cl.Close)
	a.ingress = ingress.NewConsumer(cl, router,
		ingress.WithLogger(log),
		ingress.WithMetrics(a.metrics),
	)
	return nil
}

func (a *app) buildServer() {
	health := httptransport.NewHealthHandler(a.probes)
	admin := httptransport.NewAdminHandler(a.pipeline, a.queue, a.dispatcher, a.logger.Named("admin"))
	router := httptransport.NewRouter(health, admin, httptransport.RouterConfig{
		AdminToken: a.cfg.HTTP.AdminToken,
		Gatherer:   a.registry,
		Logger:     a.logger.Named("http"),
	})
	a.server = httpserver.New(a.cfg.HTTP.Addr, router)
}

// run blocks until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error { return a.workers.Run(ctx) })
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	if a.ingress != nil {
		g.Go(func() error { return a.ingress.Run(ctx) })
	}
	g.Go(func() error {
		return httpserver.ListenAndRun(ctx, a.server, a.cfg.HTTP.ShutdownTimeout)
	})
	return g.Wait()
}

// close releases backends in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
