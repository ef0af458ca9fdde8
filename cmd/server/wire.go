package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/admin"
	"delivery-dispatch/internal/auth"
	"delivery-dispatch/internal/delivery"
	"delivery-dispatch/internal/dispatch"
	"delivery-dispatch/internal/drivers"
	"delivery-dispatch/internal/earnings"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/job"
	"delivery-dispatch/internal/jwt"
	"delivery-dispatch/internal/metrics"
	"delivery-dispatch/internal/order"
	"delivery-dispatch/internal/presence"
	"delivery-dispatch/internal/realtime"
	"delivery-dispatch/internal/redis"
	"delivery-dispatch/internal/repo/postgres"
	"delivery-dispatch/internal/users"
)

type AppContext struct {
	DB     *sqlx.DB
	Config *config.Config
	Redis  *goredis.Client
	Router *gin.Engine

	// Infrastructure
	Validator        auth.TokenValidator
	IdempotencyStore *redis.IdempotencyStore
	RateLimiter      *redis.RateLimiter
	Hub              *realtime.Hub
	Kafka            *events.KafkaPublisher
	Jobs             *job.Manager
	OrderMirror      *order.Mirror

	AuthHandler     *auth.Handler
	DeliveryHandler *delivery.Handler
	DispatchHandler *dispatch.Handler
	DriversHandler  *drivers.Handler
	EarningsHandler *earnings.Handler
	AdminHandler    *admin.Handler
	Gateway         *realtime.Gateway

	Deliveries delivery.Service
	Engine     *dispatch.Engine
}

func connectRedis(cfg config.RedisConfig) (*goredis.Client, error) {
	if cfg.URL != "" {
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis parse url: %w", err)
		}
		return goredis.NewClient(opts), nil
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func geoProvider(cfg config.GeoConfig) (geo.Provider, error) {
	switch cfg.Provider {
	case config.GeoProviderMapbox:
		return geo.NewMapboxProvider(cfg.MapboxBaseURL, cfg.MapboxToken, cfg.Timeout), nil
	case config.GeoProviderGoogle:
		return geo.NewGoogleProvider(cfg.GoogleAPIKey)
	default:
		return geo.HaversineProvider{SpeedKMH: cfg.FallbackSpeedKMH}, nil
	}
}

func wireApp(cfg *config.Config) (*AppContext, error) {
	// ── Postgres ──
	db, err := postgres.Connect(cfg.Postgres.DSN(), postgres.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrationsUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// ── Redis ──
	rdb, err := connectRedis(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	app, err := assemble(cfg, db, rdb)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}
	return app, nil
}

// assemble builds every service on top of already open stores.
func assemble(cfg *config.Config, db *sqlx.DB, rdb *goredis.Client) (*AppContext, error) {
	// ── Infrastructure ──
	jwtService := jwt.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
	var validator auth.TokenValidator = auth.NewJWTValidator(jwtService)
	if cfg.Auth.Mode == config.AuthModeRemote {
		validator = auth.NewRemoteValidator(cfg.Auth.ServiceURL, cfg.Auth.Timeout)
	}

	var registry presence.Registry = presence.NewRedisRegistry(rdb)
	if cfg.Presence.Backend == config.BackendMemory {
		registry = presence.NewMemoryRegistry()
	}

	provider, err := geoProvider(cfg.Geo)
	if err != nil {
		return nil, fmt.Errorf("geo provider: %w", err)
	}
	geoService := geo.NewService(provider, cfg.Geo.Timeout, cfg.Geo.FallbackSpeedKMH, cfg.Dispatch.GeoConcurrency)

	orders := order.NewRetryingProvider(
		order.NewHTTPClient(cfg.Orders.BaseURL, cfg.Orders.ServiceToken, cfg.Orders.Timeout),
		metrics.OrderGatewayRetries,
		order.RetryConfig{MaxAttempts: cfg.Orders.MaxAttempts, BaseDelay: cfg.Orders.BaseDelay, MaxDelay: cfg.Orders.MaxDelay},
	)
	mirror := order.NewMirror(orders, cfg.Orders.Timeout, cfg.Bulkhead.LocationPool)
	userService := users.NewClient(cfg.Users.BaseURL, cfg.Users.ServiceToken, cfg.Users.Timeout)

	var broker realtime.Broker = realtime.NewLocalBroker(0)
	if cfg.Realtime.Broker == config.BackendRedis {
		broker = realtime.NewRedisBroker(rdb, cfg.Realtime.Channel)
	}
	hub := realtime.NewHub(broker)

	publisher := events.Fanout{hub}
	var kafka *events.KafkaPublisher
	if cfg.Kafka.Enabled() {
		kafka = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		publisher = append(publisher, kafka)
	}

	// ── Repositories ──
	deliveryRepo := delivery.NewRepository()
	effectStore := delivery.NewEffectStore()
	earningsRepo := earnings.NewRepository()

	// ── Services ──
	earningsService := earnings.NewService(db, earningsRepo)
	deliveryService := delivery.NewService(delivery.Deps{
		DB:        db,
		Repo:      deliveryRepo,
		Effects:   effectStore,
		Runner:    delivery.NewEffectRunner(db, effectStore, registry, mirror, cfg.Orders.Timeout),
		Earnings:  earningsService,
		Publisher: publisher,
		Mirror:    mirror,
		Router:    geoService,
		Cache:     redis.NewTrackCache(rdb, cfg.Tracking.TrackCacheTTL),
	}, cfg.Tracking)
	engine := dispatch.NewEngine(orders, registry, deliveryService, geoService, publisher, cfg.Dispatch)
	driversService := drivers.NewService(registry, deliveryService, userService, publisher)
	adminService := admin.NewService(deliveryService, driversService, engine)
	authService := auth.NewAuthService(jwtService)

	// ── Jobs ──
	jobs := job.NewManager(cfg.Server.RequestTimeout)
	type scheduled struct {
		name, schedule string
		sweep          job.Sweep
	}
	sweeps := []scheduled{
		{"stale-pending-sweep", cfg.Jobs.StaleSweep, engine.FailStale},
		{"effect-replay", cfg.Jobs.OutboxReplay, func(ctx context.Context) (int, error) {
			return deliveryService.ReplayEffects(ctx, cfg.Dispatch.SweepBatch)
		}},
	}
	if cfg.Dispatch.Mode == config.DispatchModeProposal {
		sweeps = append(sweeps, scheduled{"proposal-sweep", cfg.Jobs.ProposalSweep, engine.RunDue})
	}
	for _, s := range sweeps {
		if err := jobs.Add(s.name, s.schedule, s.sweep); err != nil {
			return nil, err
		}
	}

	// ── Handlers ──
	gateway := realtime.NewGateway(hub, validator, &realtime.Inbound{
		Locations:    deliveryService,
		Availability: driversService,
		Proposals:    engine,
	}, cfg.Realtime, cfg.Server.RequestTimeout)

	slog.Info("dependencies wired",
		slog.String("presence", cfg.Presence.Backend),
		slog.String("geo", cfg.Geo.Provider),
		slog.String("realtime_broker", cfg.Realtime.Broker),
		slog.Bool("kafka", kafka != nil),
	)

	return &AppContext{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		Router: gin.New(),

		Validator:        validator,
		IdempotencyStore: redis.NewIdempotencyStore(rdb, cfg.Idempotency.TTL),
		RateLimiter:      redis.NewRateLimiter(rdb, cfg.RateLimiter.MaxRequests, cfg.RateLimiter.Window()),
		Hub:              hub,
		Kafka:            kafka,
		Jobs:             jobs,
		OrderMirror:      mirror,

		AuthHandler:     auth.NewHandler(authService),
		DeliveryHandler: delivery.NewHandler(deliveryService),
		DispatchHandler: dispatch.NewHandler(engine),
		DriversHandler:  drivers.NewHandler(driversService),
		EarningsHandler: earnings.NewHandler(earningsService),
		AdminHandler:    admin.NewHandler(adminService),
		Gateway:         gateway,

		Deliveries: deliveryService,
		Engine:     engine,
	}, nil
}

func (a *AppContext) Close() {
	if a.Kafka != nil {
		if err := a.Kafka.Close(); err != nil {
			slog.Warn("close kafka writer", slog.String("error", err.Error()))
		}
	}
	a.DB.Close()
	a.Redis.Close()
}

func (a *AppContext) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	checks := map[string]string{}
	healthy := true

	if err := a.DB.PingContext(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}

	if err := a.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":        checks,
		"dispatch_mode": a.Engine.Mode(),
		"pool":          postgres.GetPoolMetrics(a.DB),
	})
}
