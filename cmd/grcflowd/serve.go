package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/bridge"
	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/escalation"
	"github.com/pitabwire/grcflow/internal/notify"
	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/internal/transport"
	"github.com/pitabwire/grcflow/internal/workflow"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow API, escalation scheduler and notification relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Telemetry.
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "grcflowd", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var cleanup closers
	defer cleanup.run()

	// Workflow types.
	registry, verrs, err := buildRegistry(cfg.Definitions)
	if err != nil {
		for _, ve := range verrs {
			logger.Error("definition validation error",
				zap.String("type_id", ve.TypeID),
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("message", ve.Message),
			)
		}
		return err
	}
	metrics.SetDefinitionsLoaded(registry.Len())

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Dependencies:      map[string]observability.Pinger{},
	}

	// Persistence.
	store, err := buildStore(ctx, cfg.Store, logger, &cleanup)
	if err != nil {
		return err
	}
	readiness.Dependencies["store"] = store

	redisClients := newRedisPool(&cleanup)

	// Notifications.
	dispatcher, err := buildDispatcher(cfg.Notification, redisClients, metrics, logger, &cleanup)
	if err != nil {
		return err
	}
	relay := notify.NewRelay(store, dispatcher, notify.RelayConfig{
		Interval:    cfg.Notification.RelayInterval,
		BatchSize:   cfg.Notification.BatchSize,
		QueueSize:   cfg.Notification.QueueSize,
		MaxAttempts: cfg.Notification.MaxAttempts,
	}, notify.WithRelayLogger(logger.Named("relay")), notify.WithRelayRecorder(metrics))

	// Engine.
	engineOpts := []workflow.Option{
		workflow.WithLogger(logger.Named("engine")),
		workflow.WithEventSink(relay),
		workflow.WithObserver(metrics),
		workflow.WithDefaultTaskDue(cfg.Store.DefaultTaskDue),
	}
	if cfg.Bridge.Enabled {
		b, err := bridge.Dial(cfg.Bridge, logger.Named("bridge"))
		if err != nil {
			return err
		}
		cleanup.add(b.Close)
		readiness.Dependencies["bridge"] = b
		engineOpts = append(engineOpts, workflow.WithBridge(b))
	}
	engine := workflow.NewEngine(registry, store, engineOpts...)
	tasks := workflow.NewTaskManager(engine)

	// Idempotency.
	var idem transport.IdempotencyStore = transport.NewMemoryIdempotencyStore()
	if cfg.Server.Idempotency.Driver == "redis" {
		client, err := redisClients.get(cfg.Server.Idempotency.AddrEnv, cfg.Server.Idempotency.DB)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		idem = transport.NewRedisIdempotencyStore(client)
	}
	for name, p := range redisClients.pingers() {
		readiness.Dependencies[name] = p
	}

	// HTTP.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.NewAuthenticator(cfg.Identity, jwks).Middleware,
		Engine:       engine,
		Tasks:        tasks,
		Approvals:    workflow.NewApprovalCoordinator(engine),
		Metrics:      metrics,
		Readiness:    readiness,
		Idempotency:  idem,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	done := make(chan struct{}, 2)

	go func() {
		relay.Run(bgCtx)
		done <- struct{}{}
	}()
	workers := 1
	if cfg.Escalation.Enabled {
		scheduler := escalation.NewScheduler(store, tasks, cfg.Escalation,
			escalation.WithLogger(logger.Named("escalation")),
			escalation.WithRecorder(metrics),
		)
		workers++
		go func() {
			scheduler.Run(bgCtx)
			done <- struct{}{}
		}()
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflow_types", registry.Len()),
		zap.String("definitions_checksum", registry.Checksum()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("escalation", cfg.Escalation.Enabled),
		zap.Bool("bridge", cfg.Bridge.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Workers finish their current batch; undelivered events stay in the
	// outbox for the next process.
	bgCancel()
	for range workers {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// storeBackend is what serve needs from a workflow store.
type storeBackend interface {
	workflow.Store
	escalation.OverdueFinder
	Ping(ctx context.Context) error
}

func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, cleanup *closers) (storeBackend, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory workflow store; state is lost on restart")
		return workflow.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		cleanup.add(pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
			logger.Info("workflow store schema applied")
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// redisPool shares one client per address and database across the
// components that use Redis.
type redisPool struct {
	clients map[string]*redis.Client
	cleanup *closers
}

func newRedisPool(cleanup *closers) *redisPool {
	return &redisPool{clients: map[string]*redis.Client{}, cleanup: cleanup}
}

func (p *redisPool) get(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, db)
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	p.clients[key] = c
	p.cleanup.add(func() { _ = c.Close() })
	return c, nil
}

func (p *redisPool) pingers() map[string]observability.Pinger {
	out := make(map[string]observability.Pinger, len(p.clients))
	for key, c := range p.clients {
		out["redis:"+key] = observability.PingFunc(func(ctx context.Context) error {
			return c.Ping(ctx).Err()
		})
	}
	return out
}

func buildDispatcher(
	cfg config.NotificationConfig,
	redisClients *redisPool,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cleanup *closers,
) (*notify.Dispatcher, error) {
	channels := []notify.Channel{
		notify.NewLogChannel(logger.Named("notify"), cfg.Log.Enabled),
		notify.NewWebhookChannel(cfg.Webhook, logger.Named("webhook")),
	}
	if cfg.NATS.Enabled {
		ch, err := notify.DialNATSChannel(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		cleanup.add(ch.Close)
		channels = append(channels, ch)
	}

	var prefs notify.PreferenceStore
	switch cfg.Preferences.Driver {
	case "redis":
		client, err := redisClients.get(cfg.Preferences.AddrEnv, cfg.Preferences.DB)
		if err != nil {
			return nil, fmt.Errorf("notification preferences: %w", err)
		}
		prefs = notify.NewRedisPreferenceStore(client, cfg.DefaultChannels)
	default:
		prefs = notify.NewStaticPreferences(cfg.Preferences.Static, cfg.DefaultChannels)
	}

	var deliveries notify.DeliveryLog
	switch cfg.DeliveryLog.Driver {
	case "redis":
		client, err := redisClients.get(cfg.DeliveryLog.AddrEnv, cfg.DeliveryLog.DB)
		if err != nil {
			return nil, fmt.Errorf("delivery log: %w", err)
		}
		deliveries = notify.NewRedisDeliveryLog(client, cfg.DeliveryLog.TTL)
	default:
		deliveries = notify.NewMemoryDeliveryLog()
	}

	return notify.NewDispatcher(prefs, deliveries, channels,
		notify.WithLogger(logger.Named("notify")),
		notify.WithRecorder(metrics),
		notify.WithRetry(cfg.MaxAttempts, cfg.RetryBackoff),
	), nil
}
