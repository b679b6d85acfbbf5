package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/config"
	"github.com/mdr/mdr/internal/domain/activity"
	"github.com/mdr/mdr/internal/domain/ct"
	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/domain/soa"
	"github.com/mdr/mdr/internal/domain/study"
	"github.com/mdr/mdr/internal/domain/user"
	"github.com/mdr/mdr/internal/platform/auth"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/db"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/metrics"
	"github.com/mdr/mdr/internal/platform/middleware"
	"github.com/mdr/mdr/internal/platform/tracing"
	"github.com/mdr/mdr/internal/platform/versioning"
	"github.com/mdr/mdr/internal/platform/webhook"
)

// app holds the wired backends and services of one server process.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	closers []func(context.Context)

	metrics *metrics.Metrics
	store   graph.Store
	checks  map[string]db.Checker
	pool    *pgxpool.Pool

	revocations *auth.TokenRevocationStore
	webhooks    *webhook.Manager
	users       *user.Directory
	activities  *activity.Service
	terms       *ct.Service
	studies     *study.Service
	soa         *soa.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, checks: map[string]db.Checker{}}

	if cfg.MetricsEnabled {
		a.metrics = metrics.New(prometheus.NewRegistry())
	}
	shutdownTracing := tracing.Init(ctx, logger, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: "mdr-server",
		Environment: cfg.Env,
		Version:     version,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSamplerRatio,
	})
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := shutdownTracing(ctx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	})

	if err := a.openGraph(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	c, err := a.openCache(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if c != nil {
		cache.Attach(a.store, c, a.metrics, logger)
	}

	var (
		users user.Repository
		snaps soa.SnapshotRepository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func(context.Context) { pool.Close() })
		a.checks["postgres"] = db.PoolChecker(pool)
		users, snaps = user.NewRepo(pool), soa.NewRepo(pool)
		logger.Info().Msg("connected to database")
	} else {
		users, snaps = user.NewMemoryRepo(), soa.NewMemoryRepo()
		logger.Warn().Msg("DATABASE_URL not set, users and SoA snapshots are kept in memory")
	}

	a.revocations = auth.NewTokenRevocationStore(24 * time.Hour)
	a.closers = append(a.closers, func(context.Context) { a.revocations.Close() })

	a.users = user.NewDirectory(users, logger)
	runner := libraryitem.NewRunner(a.store, a.metrics, logger)
	actRepos := activity.NewRepos(a.store, c, a.metrics, time.Now)
	a.activities = activity.NewService(actRepos, runner, a.users, logger)
	a.terms = ct.NewService(ct.NewRepos(a.store, c, a.metrics, time.Now), runner, a.users, logger)
	a.studies = study.NewService(runner, actRepos, a.users, time.Now, logger)
	a.soa = soa.NewService(a.studies, snaps, logger)
	a.studies.SetSnapshotter(a.soa)

	a.webhooks = webhook.NewManager(webhook.NewMemoryStore(), logger, webhook.WithMaxAttempts(cfg.WebhookMaxAttempts))
	a.webhooks.Start(context.WithoutCancel(ctx), cfg.WebhookWorkers)
	a.closers = append(a.closers, func(context.Context) { a.webhooks.Close() })
	a.studies.OnEvent(a.publishStudyEvent)

	if err := ensureLibraries(ctx, a.store); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openGraph(ctx context.Context) error {
	switch a.cfg.GraphBackend {
	case "neo4j":
		s, err := graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
			URI:         a.cfg.Neo4jURI,
			User:        a.cfg.Neo4jUser,
			Password:    a.cfg.Neo4jPassword,
			Database:    a.cfg.Neo4jDatabase,
			Timeout:     a.cfg.Neo4jTimeout(),
			MaxPoolSize: a.cfg.Neo4jMaxPoolSize,
		}, a.log)
		if err != nil {
			return fmt.Errorf("connect to neo4j: %w", err)
		}
		a.checks["neo4j"] = s.Ping
		a.store = graph.Traced(s, "neo4j")
		a.log.Info().Str("uri", a.cfg.Neo4jURI).Msg("connected to neo4j")
	default:
		a.store = graph.Traced(graph.NewMemoryStore(), "memory")
		a.log.Warn().Msg("using the in-memory graph store, data is lost on restart")
	}
	store := a.store
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := store.Close(ctx); err != nil {
			a.log.Error().Err(err).Msg("graph store close failed")
		}
	})
	return nil
}

// openCache returns nil when caching is off.
func (a *app) openCache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.CacheBackend {
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: a.cfg.RedisAddr, Prefix: a.cfg.RedisPrefix})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.checks["redis"] = r.Ping
		a.closers = append(a.closers, func(context.Context) { _ = r.Close() })
		return r, nil
	case "none":
		return nil, nil
	default:
		return cache.NewMemory(10000), nil
	}
}

func (a *app) publishStudyEvent(ctx context.Context, ev study.Event) {
	out, err := webhook.NewEvent(ev.Type, ev.StudyUID, ev.At, ev)
	if err != nil {
		a.log.Error().Err(err).Str("event", ev.Type).Msg("encode study event failed")
		return
	}
	a.webhooks.Publish(ctx, out)
}

// ensureLibraries creates the sponsor and CDISC libraries when missing.
func ensureLibraries(ctx context.Context, store graph.Store) error {
	return store.Update(ctx, func(tx graph.Tx) error {
		if _, err := versioning.EnsureLibrary(ctx, tx, "Sponsor", true); err != nil {
			return err
		}
		_, err := versioning.EnsureLibrary(ctx, tx, "CDISC", false)
		return err
	})
}

// Close releases backends in reverse order of opening.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

// Echo builds the HTTP server with every route mounted.
func (a *app) Echo() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(a.log)

	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.RequestID())
	e.Use(tracing.Middleware())
	e.Use(a.metrics.Middleware())
	e.Use(middleware.Logger(a.log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsDev()))
	e.Use(middleware.Sanitize(a.log))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout(), cfg.BatchRequestTimeout()))

	if cfg.AuthEnabled {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			SigningKey:  []byte(cfg.AuthSigningKey),
			Revocations: a.revocations,
			Skipper:     auth.AuthSkipper,
		}))
	} else {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	}
	e.Use(a.users.Middleware())

	e.GET("/health", db.HealthHandler(a.checks, a.pool))
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))

	activity.NewHandler(a.activities).RegisterRoutes(apiV1.Group("/concepts/activities"))
	ct.NewHandler(a.terms).RegisterRoutes(apiV1.Group("/ct"))
	user.NewHandler(a.users).RegisterRoutes(apiV1)
	studies := apiV1.Group("/studies")
	study.NewHandler(a.studies).RegisterRoutes(studies)
	soa.NewHandler(a.soa).RegisterRoutes(studies)
	auth.RegisterRevocationRoutes(apiV1, a.revocations)
	webhook.NewHandler(a.webhooks).RegisterRoutes(apiV1)

	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	e := a.Echo()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.Close(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
