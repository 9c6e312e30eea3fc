package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/reconcile"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/startup"
)

const (
	depDatabase   = "database"
	depMigrations = "migrations"
	depRedis      = "redis"
	depKafka      = "kafka"
	depServices   = "services"
	depAuth       = "auth"
	depProcessor  = "processor"
	depScheduler  = "scheduler"

	lockKeyPrefix = "clover:lock:"
)

// app holds the process dependencies. Fields are filled in by the startup graph, so nothing but
// cfg, logger and startup may be used before startup.Start returns.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	sqlDB    *sqlx.DB
	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer
	verifier middleware.ClaimsVerifier

	integrations *repositories.IntegrationRepository
	registry     *providers.Registry
	locker       *redis.Locker
	credentials  *credentials.Store
	engine       *reconcile.Engine
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}
}

// addCore registers the stores, the provider registry and the sync engine. With migrate set the
// schema is migrated before the services are built.
func (a *app) addCore(migrate bool) {
	a.startup.AddDependency(startup.Func{
		Name: depDatabase,
		StartFn: func(ctx context.Context) error {
			sqlDB, err := database.Connect(ctx, a.cfg.Database(), a.logger)
			if err != nil {
				return err
			}
			a.sqlDB = sqlDB
			a.db = database.NewDatabaseInstance(sqlDB, a.logger)
			return nil
		},
		StopFn: func(_ context.Context) error {
			return a.sqlDB.Close()
		},
	})

	a.startup.AddDependency(startup.Func{
		Name: depRedis,
		StartFn: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, a.cfg.Redis(), a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		StopFn: func(_ context.Context) error {
			return a.redis.Close()
		},
	})

	needs := []string{depDatabase, depRedis}

	if kafkaCfg := a.cfg.Kafka(); len(kafkaCfg.Brokers) > 0 {
		a.startup.AddDependency(startup.Func{
			Name: depKafka,
			StartFn: func(_ context.Context) error {
				a.producer = kafka.NewProducer(kafkaCfg, a.logger)
				return nil
			},
			StopFn: func(_ context.Context) error {
				return a.producer.Close()
			},
		})
		needs = append(needs, depKafka)
	} else {
		a.logger.Warn("No kafka brokers configured; sync events are not published")
	}

	if migrate {
		a.startup.AddDependency(startup.Func{
			Name:  depMigrations,
			Needs: []string{depDatabase},
			StartFn: func(_ context.Context) error {
				return runMigrations(a.sqlDB, a.cfg, a.cfg.Migration(), a.logger)
			},
		})
		needs = append(needs, depMigrations)
	}

	a.startup.AddDependency(startup.Func{
		Name:  depServices,
		Needs: needs,
		StartFn: func(_ context.Context) error {
			a.buildServices()
			return nil
		},
	})
}

func (a *app) buildServices() {
	a.integrations = repositories.NewIntegrationRepository(a.db, a.logger)
	appointments := repositories.NewAppointmentRepository(a.db, a.logger)
	ledger := repositories.NewLedgerRepository(a.db, a.logger)

	providersCfg := a.cfg.Providers()
	providersCfg.Throttle = redis.NewThrottle(a.redis, "")
	a.registry = providers.NewRegistryFromConfig(providersCfg, a.logger)
	a.locker = redis.NewLocker(a.redis, lockKeyPrefix)
	a.credentials = credentials.NewStore(a.integrations, a.registry, a.locker, a.cfg.Credentials(), a.logger)

	deps := reconcile.Deps{
		Appointments: appointments,
		Ledger:       ledger,
		Integrations: a.integrations,
		Credentials:  a.credentials,
		Registry:     a.registry,
		Locker:       a.locker,
		Transactor:   a.db,
	}
	// a nil *Producer must not end up in the interface
	if a.producer != nil {
		deps.Publisher = a.producer
	}
	a.engine = reconcile.NewEngine(deps, a.cfg.Reconcile(), a.logger)

	a.logger.WithField("providers", a.registry.Providers()).Info("Sync services ready")
}

// addAuth discovers the OIDC issuer. When auth is disabled the API trusts the user header instead.
func (a *app) addAuth() {
	if !a.cfg.AuthEnabled {
		return
	}
	a.startup.AddDependency(startup.Func{
		Name: depAuth,
		StartFn: func(ctx context.Context) error {
			verifier, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
			if err != nil {
				return fmt.Errorf("failed to discover oidc issuer: %w", err)
			}
			a.verifier = verifier
			return nil
		},
	})
}

func (a *app) addProcessor() {
	var processor *queue.Processor
	a.startup.AddDependency(startup.Func{
		Name:  depProcessor,
		Needs: []string{depServices},
		StartFn: func(ctx context.Context) error {
			processor = queue.NewProcessor(redis.NewStreams(a.redis), a.engine, a.cfg.Processor(), a.logger)
			return processor.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			return processor.Stop(ctx)
		},
	})
}

func (a *app) addScheduler() {
	var pullScheduler *scheduler.Scheduler
	a.startup.AddDependency(startup.Func{
		Name:  depScheduler,
		Needs: []string{depServices},
		StartFn: func(ctx context.Context) error {
			cfg := a.cfg.Scheduler()
			cfg.Providers = calendarProviders(a.registry)
			if len(cfg.Providers) == 0 {
				a.logger.Warn("No calendar providers configured; scheduled pulls are off")
				return nil
			}
			pullScheduler = scheduler.NewScheduler(a.integrations, redis.NewStreams(a.redis), a.locker, cfg, a.logger)
			return pullScheduler.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			if pullScheduler == nil {
				return nil
			}
			return pullScheduler.Stop(ctx)
		},
	})
}

func calendarProviders(registry *providers.Registry) []models.Provider {
	var calendars []models.Provider
	for _, provider := range registry.Providers() {
		if provider.IsCalendar() {
			calendars = append(calendars, provider)
		}
	}
	return calendars
}

func (a *app) healthChecker() *health.Checker {
	checker := health.NewChecker(a.cfg.Version).
		Register(depDatabase, a.db.PingContext, true).
		Register(depRedis, a.redis.Ping, true)
	if a.producer != nil {
		checker.Register(depKafka, a.producer.Ping, false)
	}
	return checker
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.verifier == nil {
		a.logger.Warnf("Authentication is disabled; trusting the %s header", middleware.HeaderUserID)
		return middleware.HeaderAuthentication(a.logger)
	}
	return middleware.Authentication(a.logger, a.verifier)
}

func (a *app) newServer(checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	checker.RegisterRoutes(e)

	states := redis.NewStateStore(a.redis, a.cfg.OAuthStateTTL)
	integrations := handlers.NewIntegrationHandler(a.credentials, states, a.registry, a.cfg.OAuthConnectedRedirect, a.logger)
	syncs := handlers.NewSyncHandler(a.engine)

	// the provider redirects to the callback without our bearer token
	public := e.Group("/api/v1")
	integrations.RegisterPublicRoutes(public)

	api := e.Group("/api/v1", a.authMiddleware())
	integrations.RegisterRoutes(api)
	syncs.RegisterRoutes(api)

	return e
}

func runMigrations(sqlDB *sqlx.DB, cfg *config.Config, migration *database.MigrationConfig, logger ectologger.Logger) error {
	return database.NewMigrationService(logger, migration).MigratePostgres(sqlDB.DB, cfg.DatabaseName)
}
