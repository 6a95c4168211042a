package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/api/handlers"
	"github.com/acme/dental-outreach/internal/booking"
	bookingmock "github.com/acme/dental-outreach/internal/booking/mock"
	bookingrest "github.com/acme/dental-outreach/internal/booking/rest"
	"github.com/acme/dental-outreach/internal/config"
	"github.com/acme/dental-outreach/internal/infra/db"
	"github.com/acme/dental-outreach/internal/infra/redis"
	"github.com/acme/dental-outreach/internal/queue"
	"github.com/acme/dental-outreach/internal/repository"
	pgrepo "github.com/acme/dental-outreach/internal/repository/postgres"
	scyllarepo "github.com/acme/dental-outreach/internal/repository/scylla"
	"github.com/acme/dental-outreach/internal/scheduler"
	"github.com/acme/dental-outreach/internal/service/concurrency"
	"github.com/acme/dental-outreach/internal/service/ingest"
	leadsvc "github.com/acme/dental-outreach/internal/service/lead"
	"github.com/acme/dental-outreach/internal/telemetry"
	"github.com/acme/dental-outreach/internal/telephony"
	telephonymock "github.com/acme/dental-outreach/internal/telephony/mock"
	telephonyrest "github.com/acme/dental-outreach/internal/telephony/rest"
	bookingworker "github.com/acme/dental-outreach/internal/worker/booking"
	"github.com/acme/dental-outreach/internal/worker/dispatch"
	"github.com/acme/dental-outreach/internal/worker/enrich"
	"github.com/acme/dental-outreach/internal/worker/outbox"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
	"github.com/acme/dental-outreach/pkg/logger"
)

const providerMock = "mock"

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *telemetry.Metrics

	Postgres *db.Postgres
	// Scylla, Redis and Kafka are nil when not configured.
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		providers    *providers
	}

	publishers struct {
		mu          sync.Mutex
		intents     *queue.BookingIntentPublisher
		deadLetters *queue.DeadLetterPublisher
	}
}

type repositories struct {
	Leads     repository.LeadRepository
	Calls     repository.CallRecordRepository
	Schedules repository.ScheduleRepository
	Settings  repository.SettingsRepository
	Incidents repository.IncidentRepository
	Intents   repository.BookingIntentRepository
	// Archive is nil without scylla.
	Archive   repository.ReportArchive
}

type services struct {
	Settings *scheduler.Settings
	Retry    *scheduler.RetryScheduler
	Leads    *leadsvc.Service
	Ingest   *ingest.Service
}

type providers struct {
	Telephony telephony.Provider
	Booking   booking.Provider
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("bootstrap metrics: %w", err)
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Metrics:  metrics,
		Postgres: pg,
	}

	if cfg.Scylla.Enabled() {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		container.Scylla = scylla
	}

	if cfg.Redis.Address != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		container.Redis = redisClient
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		container.Kafka = kafka
	}

	return container, nil
}

// LoadSettings reads the retry policy from the store. Until it runs the defaults apply.
func (c *Container) LoadSettings(ctx context.Context) error {
	if err := c.Services().Settings.Load(ctx); err != nil {
		return fmt.Errorf("load scheduler settings: %w", err)
	}
	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		repos := &repositories{
			Leads:     pgrepo.NewLeadRepository(sqlDB),
			Calls:     pgrepo.NewCallRecordRepository(sqlDB),
			Schedules: pgrepo.NewScheduleRepository(sqlDB),
			Settings:  pgrepo.NewSettingsRepository(sqlDB),
			Incidents: pgrepo.NewIncidentRepository(sqlDB),
			Intents:   pgrepo.NewBookingIntentRepository(sqlDB),
		}
		if c.Scylla != nil {
			repos.Archive = scyllarepo.NewReportArchive(c.Scylla.Session())
		}

		settings := scheduler.NewSettings(repos.Settings, c.Logger)
		retry := scheduler.NewRetryScheduler(repos.Schedules, settings, c.Config.Location())

		svc := &services{
			Settings: settings,
			Retry:    retry,
			Leads: leadsvc.NewService(leadsvc.Dependencies{
				Leads:     repos.Leads,
				Calls:     repos.Calls,
				Schedules: repos.Schedules,
				Incidents: repos.Incidents,
				Archive:   repos.Archive,
				Retry:     retry,
				Policy:    settings,
				Logger:    c.Logger,
				Metrics:   c.Metrics,
			}, leadsvc.Options{
				ManualAppointmentEmitsIntent: c.Config.Operator.ManualAppointmentEmitsIntent,
			}),
			Ingest: ingest.NewService(repos.Leads, retry, c.Logger),
		}

		c.components.repositories = repos
		c.components.services = svc
		c.components.providers = c.buildProviders()
	})
}

func (c *Container) buildProviders() *providers {
	p := &providers{}

	if c.Config.CallPlatform.Provider == providerMock {
		p.Telephony = telephonymock.NewProvider(time.Now().UnixNano())
	} else {
		p.Telephony = telephonyrest.NewClient(c.Config.CallPlatform, c.Config.Timeouts, c.Logger)
	}

	var base booking.Provider
	if c.Config.BookingPlatform.Provider == providerMock {
		base = bookingmock.NewProvider()
	} else {
		base = bookingrest.NewClient(c.Config.BookingPlatform, c.Config.Timeouts, c.Logger)
	}
	var store booking.IdempotencyStore = booking.NewMemoryIdempotency()
	if c.Redis != nil {
		store = booking.NewRedisIdempotency(c.Redis.Inner())
	}
	p.Booking = booking.NewIdempotent(base, store, c.Config.BookingPlatform.IdempotencyWindow)

	return p
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	svc := c.Services()
	checks := map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error { return c.Postgres.DB().PingContext(ctx) },
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Inner().Ping(ctx).Err() }
	}
	if c.Scylla != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
	}
	return handlers.NewHandlerSet(handlers.Dependencies{
		Leads:    svc.Leads,
		Ingest:   svc.Ingest,
		Checks:   checks,
		Location: c.Config.Location(),
		Logger:   c.Logger,
	})
}

// DispatchWorker builds the dispatcher of this process with a fresh reservation token.
func (c *Container) DispatchWorker() *dispatch.Worker {
	repos, svc := c.Repositories(), c.Services()
	deps := dispatch.Dependencies{
		Retry:      svc.Retry,
		Leads:      repos.Leads,
		Calls:      repos.Calls,
		Provider:   c.Providers().Telephony,
		Rejections: svc.Leads,
		Logger:     c.Logger,
		Metrics:    c.Metrics,
	}
	if c.Redis != nil && c.Config.Worker.MaxConcurrentCalls > 0 {
		deps.Limiter = concurrency.NewLimiter(c.Redis.Inner(), c.Config.Worker.MaxConcurrentCalls, c.Config.Worker.LimiterTTL)
	}
	return dispatch.New(deps, dispatch.Config{
		Token:        fmt.Sprintf("%s-%s", c.Config.Worker.TokenPrefix, uuid.NewString()[:8]),
		AgentID:      c.Config.CallPlatform.AgentID,
		BatchSize:    c.Config.Worker.BatchSize,
		PoolSize:     c.Config.Worker.PoolSize,
		TickInterval: c.Config.Worker.TickInterval,
		CallTimeout:  c.Config.Timeouts.Connect + c.Config.Timeouts.Read,
	})
}

// EnrichWorker builds the call-report poller.
func (c *Container) EnrichWorker() *enrich.Worker {
	cfg := c.Config.Enrichment
	return enrich.New(c.Repositories().Calls, c.Providers().Telephony, c.Services().Leads, enrich.Config{
		QuietPeriod:  cfg.QuietPeriod,
		BatchSize:    cfg.BatchSize,
		PoolSize:     c.Config.Worker.PoolSize,
		TickInterval: cfg.TickInterval,
		PollTimeout:  c.Config.Timeouts.Read,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		MaxRetries:   cfg.MaxRetries,
	}, c.Logger, c.Metrics)
}

// OutboxRelay builds the booking-intent relay. Kafka must be configured.
func (c *Container) OutboxRelay() (*outbox.Relay, error) {
	publisher, _, err := c.bookingPublishers()
	if err != nil {
		return nil, err
	}
	return outbox.NewRelay(c.Repositories().Intents, publisher, c.Config.Enrichment.BatchSize, c.Logger, c.Metrics), nil
}

// BookingWorker builds the booking worker and the consumer that feeds it. Kafka must be configured.
func (c *Container) BookingWorker() (*bookingworker.Worker, *queue.BookingIntentConsumer, error) {
	_, deadLetters, err := c.bookingPublishers()
	if err != nil {
		return nil, nil, err
	}
	repos := c.Repositories()
	worker := bookingworker.New(repos.Intents, repos.Leads, c.Providers().Booking, deadLetters, bookingworker.Config{
		DefaultClinicArea: c.Config.BookingPlatform.DefaultClinicArea,
		MaxRetries:        c.Config.BookingPlatform.RetryCount,
		BackoffBase:       c.Config.Enrichment.BackoffBase,
		BackoffMax:        c.Config.Enrichment.BackoffMax,
	}, c.Logger, c.Metrics)
	return worker, queue.NewBookingIntentConsumer(c.Kafka, c.Logger), nil
}

// Reconciler builds the repair job, locked through redis when available.
func (c *Container) Reconciler() *scheduler.Reconciler {
	var lock scheduler.Locker
	if c.Redis != nil {
		lock = concurrency.NewRunLock(c.Redis.Inner())
	}
	repos := c.Repositories()
	return scheduler.NewReconciler(repos.Schedules, repos.Leads, lock, scheduler.ReconcilerConfig{
		InFlightTTL:    c.Config.Janitor.InFlightTTL,
		ReservationTTL: c.Config.Janitor.ReservationTTL,
		LockKey:        c.Config.Scheduler.LockKey,
		LockTTL:        c.Config.Scheduler.LockTTL,
	}, c.Logger, c.Metrics)
}

func (c *Container) bookingPublishers() (*queue.BookingIntentPublisher, *queue.DeadLetterPublisher, error) {
	if c.Kafka == nil {
		return nil, nil, fmt.Errorf("kafka brokers are required for booking intents: %w", apperrors.ErrConfig)
	}
	c.publishers.mu.Lock()
	defer c.publishers.mu.Unlock()
	if c.publishers.intents == nil {
		c.publishers.intents = queue.NewBookingIntentPublisher(c.Kafka)
		c.publishers.deadLetters = queue.NewDeadLetterPublisher(c.Kafka)
	}
	return c.publishers.intents, c.publishers.deadLetters, nil
}

// Migrate creates the relational schema and, when scylla is configured, the archive table.
func (c *Container) Migrate(ctx context.Context) error {
	if err := pgrepo.Migrate(ctx, c.Postgres.DB()); err != nil {
		return err
	}
	if archive, ok := c.Repositories().Archive.(*scyllarepo.ReportArchive); ok {
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	c.publishers.mu.Lock()
	if c.publishers.intents != nil {
		if err := c.publishers.intents.Close(); err != nil {
			errs = append(errs, fmt.Errorf("intent publisher close: %w", err))
		}
	}
	if c.publishers.deadLetters != nil {
		if err := c.publishers.deadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
		}
	}
	c.publishers.mu.Unlock()
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		if c.Logger != nil {
			c.Logger.Warn("container close", zap.Error(err))
		}
		return err
	}
	return nil
}
