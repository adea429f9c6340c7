package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kostush/purchase-gateway-sub005/internal/config"
	"github.com/kostush/purchase-gateway-sub005/internal/event"
	"github.com/kostush/purchase-gateway-sub005/internal/guard"
	handler "github.com/kostush/purchase-gateway-sub005/internal/handler/http"
	"github.com/kostush/purchase-gateway-sub005/internal/postback"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	providerhttp "github.com/kostush/purchase-gateway-sub005/internal/provider/http"
	providermock "github.com/kostush/purchase-gateway-sub005/internal/provider/mock"
	"github.com/kostush/purchase-gateway-sub005/internal/repository/postgres"
	redisrepo "github.com/kostush/purchase-gateway-sub005/internal/repository/redis"
	"github.com/kostush/purchase-gateway-sub005/internal/service"
	"github.com/kostush/purchase-gateway-sub005/migrations"
	"github.com/kostush/purchase-gateway-sub005/pkg/database"
	"github.com/kostush/purchase-gateway-sub005/pkg/health"
	"github.com/kostush/purchase-gateway-sub005/pkg/httpclient"
	pkgkafka "github.com/kostush/purchase-gateway-sub005/pkg/kafka"
	"github.com/kostush/purchase-gateway-sub005/pkg/tracing"
)

const serviceName = "purchase-gateway"

// App wires together all dependencies and runs the purchase gateway.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	consumer       *pkgkafka.Consumer
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// providers bundles the downstream collaborators selected by PROVIDER_MODE.
type providers struct {
	transactions provider.TransactionService
	fraud        provider.FraudService
	config       provider.BillerConfigService
}

func newProviders(cfg *config.Config, logger *slog.Logger) providers {
	if cfg.ProviderMode == config.ProviderModeMock {
		logger.Warn("using in-process mock providers, no biller is contacted")
		return providers{
			transactions: providermock.NewTransactionService(cfg.MockACSURL),
			fraud:        providermock.FraudService{},
			config: &providermock.ConfigService{
				PostbackURL: cfg.MockPostbackURL,
				NSFSites:    map[string]bool{},
			},
		}
	}

	clientCfg := cfg.HTTPClient()
	doer := func(name string) *httpclient.CircuitBreakerClient {
		cb := cfg.CircuitBreaker(name)
		logger.Info("circuit breaker initialized",
			slog.String("name", cb.Name),
			slog.Uint64("max_requests", uint64(cb.MaxRequests)),
			slog.Int("timeout_seconds", cfg.CBTimeout),
			slog.Uint64("min_requests", uint64(cb.MinRequests)),
		)
		return providerhttp.NewBreakerDoer(clientCfg, cb, logger)
	}
	return providers{
		transactions: providerhttp.NewTransactionClient(doer("transaction-service"), cfg.TransactionServiceURL),
		fraud:        providerhttp.NewFraudClient(doer("fraud-service"), cfg.FraudServiceURL),
		config:       providerhttp.NewConfigClient(doer("config-service"), cfg.ConfigServiceURL),
	}
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize Redis, the session store.
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("addr", cfg.Redis().Addr()),
		slog.Int("db", cfg.RedisDB),
	)

	// Initialize PostgreSQL, the reconciliation ledger.
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	prometheus.MustRegister(
		database.NewPgxPoolCollector(pool, serviceName),
		database.NewRedisPoolCollector(redisClient, serviceName),
	)

	// Configure slow operation logging.
	if cfg.SlowOperationThresholdMs > 0 {
		database.SetSlowOperationLogging(time.Duration(cfg.SlowOperationThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Kafka producer and DLQ.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	dlq := pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	store := redisrepo.NewSessionStore(redisClient, cfg.SessionTTL())
	ledger := postgres.NewReconciliationRepository(pool)
	eventProducer := event.NewProducer(producer, logger)

	signer, err := postback.NewSigner(cfg.PostbackSigningKeys)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init postback signer: %w", err)
	}
	dispatcher := postback.NewDispatcher(
		signer,
		postback.NewKafkaQueue(producer, cfg.PostbackTopic),
		store,
		cfg.SessionTTL(),
		logger,
	)

	lockGuard := guard.New(store, guard.Config{
		Attempts: cfg.LockMaxAttempts,
		Interval: cfg.LockRetryInterval(),
		TTL:      cfg.LockTTL(),
	}, logger)

	deps := newProviders(cfg, logger)

	purchaseService := service.NewPurchaseService(
		store,
		ledger,
		deps.transactions,
		deps.fraud,
		deps.config,
		dispatcher,
		eventProducer,
		lockGuard,
		signer,
		service.Options{
			BaseURL:   cfg.PublicBaseURL,
			NSFPolicy: service.NSFSitesPolicy(cfg.NSFCrossSellSites),
		},
		logger,
	)

	// Postback-delivered consumer releases sessions once merchants
	// acknowledged them. Redeliveries are dropped by event id.
	eventConsumer := event.NewConsumer(purchaseService, logger)
	idempotency := pkgkafka.NewRedisIdempotencyStore(redisClient, "purchase:consumed:", cfg.SessionTTL())
	consumer := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaConsumerGroup,
		Topic:   cfg.PostbackDeliveredTopic,
	}, pkgkafka.IdempotentHandler(idempotency, eventConsumer.HandlePostbackDelivered, logger), logger).
		WithDLQ(dlq)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("redis", database.RedisChecker(redisClient))
	healthHandler.RegisterNonCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(purchaseService, healthHandler, handler.RateLimit{
		RPS:   cfg.RateLimitRPS,
		Burst: cfg.RateLimitBurst,
	}, logger)

	// Complete may hold the session lock for a full cascade.
	writeTimeout := time.Duration(cfg.DownstreamTimeoutSecs)*time.Second*4 + 15*time.Second

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		dlq:            dlq,
		consumer:       consumer,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server and the Kafka consumer and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := a.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("postback delivered consumer: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Kafka consumer
// 3. Tracer (flush pending spans from drained requests)
// 4. Kafka producers
// 5. Redis client and PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Stop consuming.
	if err := a.consumer.Close(); err != nil {
		a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka producers. Postbacks still buffered are flushed here.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := a.dlq.Close(); err != nil {
		a.logger.Error("kafka dlq close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close stores.
	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
