package entitlementservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/entitlement-service/internal/app/scheduler"
	"github.com/magabrotheeeer/entitlement-service/internal/billing"
	"github.com/magabrotheeeer/entitlement-service/internal/cache"
	"github.com/magabrotheeeer/entitlement-service/internal/config"
	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/health"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/jwt"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/metrics"
	"github.com/magabrotheeeer/entitlement-service/internal/migrations"
	"github.com/magabrotheeeer/entitlement-service/internal/rabbitmq"
	"github.com/magabrotheeeer/entitlement-service/internal/services/events"
	"github.com/magabrotheeeer/entitlement-service/internal/services/profile"
	schedulerservice "github.com/magabrotheeeer/entitlement-service/internal/services/scheduler"
	"github.com/magabrotheeeer/entitlement-service/internal/storage/repository"
)

// App владеет HTTP-сервером, потребителями очередей и расписанием проверок.
type App struct {
	server    *http.Server
	logger    *slog.Logger
	db        *repository.Storage
	cache     *cache.Cache
	conn      *amqp.Connection
	ch        *amqp.Channel
	manager   *entitlement.Manager
	handlers  *events.Handlers
	scheduler *scheduler.App
	prefetch  int
}

func waitForDB(ctx context.Context, db *repository.Storage) error {
	var err error
	for range 10 {
		if err = repository.CheckDatabaseReady(ctx, db); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("database not ready after retries: %w", err)
}

// New подключает зависимости и собирает приложение.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = migrations.Run(db.DB, "./migrations"); err != nil {
		closeResources(nil, nil, nil, db, logger)
		return nil, err
	}
	if err = waitForDB(ctx, db); err != nil {
		closeResources(nil, nil, nil, db, logger)
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		closeResources(nil, nil, nil, db, logger)
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.ConnectRetries, cfg.ConnectDelay)
	if err != nil {
		closeResources(nil, nil, cacheRedis, db, logger)
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	ch, err := rabbitmq.SetupChannel(conn, cfg.Exchange, cfg.Prefetch, rabbitmq.GetEntitlementQueues())
	if err != nil {
		closeResources(nil, conn, cacheRedis, db, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	trusted := clock.NewTrusted()

	store := profile.NewService(db, cacheRedis, cfg.CacheTTL, logger)
	policy := entitlement.RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialBackoff,
		Multiplier:      cfg.BackoffMultiple,
		AttemptTimeout:  cfg.Billing.Timeout,
	}
	verifier := entitlement.NewVerifier(
		billing.NewClient(cfg.APIURL, cfg.APIKey, cfg.Billing.Timeout),
		trusted,
		policy,
		collector,
		logger,
	)
	manager := entitlement.NewManager(store, verifier, trusted,
		entitlement.Config{GracePeriod: cfg.GracePeriod}, collector, logger)
	manager.RefreshConcurrency = cfg.RefreshConcurrency

	changes := events.NewChangePublisher(rabbitmq.NewPublisher(ch, cfg.Exchange), rabbitmq.ChangedRoutingKey, logger)
	manager.OnEntitlementChanged(changes.OnChange)
	manager.OnNotice(func(n entitlement.Notice) {
		logger.Warn("entitlement notice", sl.User(n.UserID), slog.String("kind", string(n.Kind)), sl.Err(n.Err))
	})

	refreshService := schedulerservice.NewRefreshService(manager, db, trusted, collector, logger)
	refreshService.Lookahead = cfg.RefreshLookahead
	sched, err := scheduler.New(ctx, cfg.RefreshSchedule, cfg.RefreshTimeout, refreshService, logger)
	if err != nil {
		closeResources(ch, conn, cacheRedis, db, logger)
		return nil, err
	}

	router := chi.NewRouter()
	RegisterRoutes(router, Routes{
		Logger:        logger,
		Manager:       manager,
		Tokens:        jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL),
		Limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		Collector:     collector,
		Gatherer:      prometheus.DefaultGatherer,
		WebhookSecret: cfg.WebhookSecret,
		Checks: map[string]health.Checker{
			"postgres": db.DB.PingContext,
			"redis": func(ctx context.Context) error {
				return cacheRedis.Db.Ping(ctx).Err()
			},
			"rabbitmq": func(_ context.Context) error {
				if conn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			},
		},
	})

	// Покупка и refresh ждут все попытки проверки чека вместе с паузами.
	writeTimeout := cfg.TimeoutHTTP + policy.MaxDuration()
	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: writeTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server:    srv,
		logger:    logger,
		db:        db,
		cache:     cacheRedis,
		conn:      conn,
		ch:        ch,
		manager:   manager,
		handlers:  events.NewHandlers(manager, logger),
		scheduler: sched,
		prefetch:  cfg.Prefetch,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, c *cache.Cache, db *repository.Storage, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if c != nil {
		if err := c.Close(); err != nil {
			logger.Error("failed to close cache", sl.Err(err))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("failed to close storage", sl.Err(err))
		}
	}
}

// Run запускает потребителей, расписание и HTTP-сервер до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	consumers := map[string]rabbitmq.Handler{
		rabbitmq.PurchaseQueue: a.handlers.Purchase,
		rabbitmq.SyncQueue:     a.handlers.Sync,
	}
	for queue, handler := range consumers {
		if err := rabbitmq.ConsumerMessage(ctx, a.ch, queue, a.prefetch, handler, a.logger); err != nil {
			return fmt.Errorf("failed to start consumer %s: %w", queue, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	})

	err := g.Wait()
	a.manager.Close()
	closeResources(a.ch, a.conn, a.cache, a.db, a.logger)
	return err
}
