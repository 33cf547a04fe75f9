// Package app wires configuration, storage and the application services
// into the processes clinicflow runs.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/clinicflow/adapter/api"
	"github.com/felixgeelhaar/clinicflow/internal/booking/application/commands"
	"github.com/felixgeelhaar/clinicflow/internal/booking/application/queries"
	"github.com/felixgeelhaar/clinicflow/internal/booking/application/reminders"
	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	"github.com/felixgeelhaar/clinicflow/internal/delivery"
	sharedApplication "github.com/felixgeelhaar/clinicflow/internal/shared/application"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/backoff"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database/postgres" // Register PostgreSQL driver
	_ "github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database/sqlite"   // Register SQLite driver
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/pkg/config"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database
	DBConn   database.Connection
	DBDriver database.Driver

	// Redis backs the reminder lock; nil when REDIS_URL is unset or
	// unreachable at startup.
	RedisClient *redis.Client

	// Observability
	Registry *prometheus.Registry
	Metrics  observability.Metrics
	Health   *observability.HealthRegistry

	// Storage
	AppointmentRepo domain.Repository
	OutboxRepo      outbox.Repository
	Outbox          *outbox.Outbox
	UnitOfWork      sharedApplication.UnitOfWork

	// Booking
	Hours                     domain.OperatingHours
	SlotGuard                 *services.SlotAvailabilityGuard
	Planner                   *services.NotificationPlanner
	BookAppointmentHandler    *commands.BookAppointmentHandler
	ConfirmAppointmentHandler *commands.ConfirmAppointmentHandler
	CancelAppointmentHandler  *commands.CancelAppointmentHandler
	GetAppointmentHandler     *queries.GetAppointmentHandler
	SlotAvailabilityHandler   *queries.SlotAvailabilityHandler
	ReminderScheduler         *reminders.Scheduler

	// Delivery
	Breakers *delivery.Breakers

	closers []io.Closer
}

// NewContainer opens storage, applies migrations and builds every service.
// Delivery senders are only dialled by NewDeliveryWorker.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthRegistry(),
	}
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = observability.NewPrometheusMetrics(c.Registry)

	conn, err := database.NewConnection(ctx, database.Config{
		Driver:     database.Driver(cfg.DatabaseDriver),
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
		MaxConns:   cfg.DatabaseMaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DBConn = conn
	c.DBDriver = conn.Driver()
	c.closers = append(c.closers, conn)
	c.Health.Register("database", observability.DatabaseHealthChecker(conn.Ping))
	logger.Info("connected to database", "driver", c.DBDriver)

	applied, err := migrations.Run(ctx, conn)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}

	factory := NewRepositoryFactory(conn)
	if c.AppointmentRepo, err = factory.AppointmentRepository(); err != nil {
		c.Close()
		return nil, err
	}
	if c.OutboxRepo, err = factory.OutboxRepository(); err != nil {
		c.Close()
		return nil, err
	}
	c.UnitOfWork = database.NewUnitOfWork(conn)
	c.Outbox = outbox.New(c.OutboxRepo, outbox.Config{
		MaxRetries: cfg.OutboxMaxRetries,
		ClaimLease: cfg.OutboxClaimLease,
		RetryBackoff: backoff.Policy{
			Base:   cfg.OutboxRetryBase,
			Max:    cfg.OutboxRetryMax,
			Jitter: outbox.DefaultConfig().RetryBackoff.Jitter,
		},
	}, outbox.WithLogger(logger), outbox.WithMetrics(c.Metrics))

	c.Breakers, err = delivery.NewBreakers(delivery.BreakerConfig{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		SuccessThreshold: uint32(cfg.BreakerSuccessThreshold),
		Cooldown:         cfg.BreakerCooldown,
	}, cfg.ProviderBaseURL,
		delivery.WithBreakerLogger(logger),
		delivery.WithBreakerMetrics(c.Metrics),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("invalid PROVIDER_BASE_URL: %w", err)
	}

	c.connectRedis(ctx)
	c.buildBooking()
	return c, nil
}

// connectRedis enables the reminder lock. Redis is optional: failures are
// logged and reminders run unlocked, relying on the per-appointment flag.
func (c *Container) connectRedis(ctx context.Context) {
	if c.Config.RedisURL == "" {
		return
	}
	client, err := lock.NewClient(c.Config.RedisURL)
	if err != nil {
		c.Logger.Warn("invalid Redis URL, reminder lock disabled", "error", err)
		return
	}
	if err := client.Ping(ctx).Err(); err != nil {
		c.Logger.Warn("Redis not available, reminder lock disabled", "error", err)
		_ = client.Close()
		return
	}
	c.RedisClient = client
	c.closers = append(c.closers, client)
	c.Health.Register("redis", observability.PingHealthChecker("redis", observability.HealthStatusDegraded,
		func(ctx context.Context) error { return client.Ping(ctx).Err() }))
	c.Logger.Info("connected to Redis")
}

func (c *Container) buildBooking() {
	cfg := c.Config
	c.Hours = domain.OperatingHours{
		Opens:       cfg.OpeningTime,
		Closes:      cfg.ClosingTime,
		SlotMinutes: cfg.SlotMinutes,
		Location:    cfg.ClinicTimezone,
	}
	c.SlotGuard = services.NewSlotAvailabilityGuard(c.AppointmentRepo)
	c.Planner = services.NewNotificationPlanner(cfg.ClinicName)

	opts := []commands.Option{commands.WithLogger(c.Logger), commands.WithMetrics(c.Metrics)}
	c.BookAppointmentHandler = commands.NewBookAppointmentHandler(
		c.AppointmentRepo, c.SlotGuard, c.Planner, c.Outbox, c.UnitOfWork, c.Hours, opts...)
	c.ConfirmAppointmentHandler = commands.NewConfirmAppointmentHandler(c.AppointmentRepo, c.UnitOfWork, opts...)
	c.CancelAppointmentHandler = commands.NewCancelAppointmentHandler(c.AppointmentRepo, c.UnitOfWork, opts...)
	c.GetAppointmentHandler = queries.NewGetAppointmentHandler(c.AppointmentRepo)
	c.SlotAvailabilityHandler = queries.NewSlotAvailabilityHandler(c.SlotGuard, c.Hours, time.Now)

	schedulerOpts := []reminders.Option{
		reminders.WithLogger(c.Logger),
		reminders.WithMetrics(c.Metrics),
	}
	if c.RedisClient != nil {
		schedulerOpts = append(schedulerOpts, reminders.WithLocker(lock.NewRedisLocker(c.RedisClient)))
	}
	c.ReminderScheduler = reminders.NewScheduler(
		c.AppointmentRepo, c.Outbox, c.Planner, c.UnitOfWork,
		reminders.Config{Window: cfg.ReminderWindow, LockTTL: cfg.ReminderLockTTL},
		schedulerOpts...,
	)
}

// MetricsHandler serves the container's Prometheus registry.
func (c *Container) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}

// Router builds the HTTP API over the container's handlers.
func (c *Container) Router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Appointments: api.NewAppointmentHandler(api.AppointmentHandlerConfig{
			Book:         c.BookAppointmentHandler,
			Confirm:      c.ConfirmAppointmentHandler,
			Cancel:       c.CancelAppointmentHandler,
			Get:          c.GetAppointmentHandler,
			Availability: c.SlotAvailabilityHandler,
			Logger:       c.Logger,
		}),
		Operations:     api.NewOperationsHandler(c.Outbox, c.Breakers, c.Logger),
		Health:         c.Health,
		MetricsHandler: c.MetricsHandler(),
		Metrics:        c.Metrics,
		Logger:         c.Logger,
	})
}

// OperationsRouter serves health, metrics and the operator endpoints
// without the booking routes, for the worker process.
func (c *Container) OperationsRouter() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Operations:     api.NewOperationsHandler(c.Outbox, c.Breakers, c.Logger),
		Health:         c.Health,
		MetricsHandler: c.MetricsHandler(),
		Metrics:        c.Metrics,
		Logger:         c.Logger,
	})
}

// Close releases every resource in reverse order of acquisition.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			c.Logger.Warn("error closing resource", "error", err)
		}
	}
	c.closers = nil
}
