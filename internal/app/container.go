package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/api/handlers"
	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/config"
	"github.com/acme/order-dispatch/internal/infra/db"
	"github.com/acme/order-dispatch/internal/infra/redis"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/replygen"
	"github.com/acme/order-dispatch/internal/repository"
	pgrepo "github.com/acme/order-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/order-dispatch/internal/repository/scylla"
	"github.com/acme/order-dispatch/internal/scheduler"
	"github.com/acme/order-dispatch/internal/service/concurrency"
	"github.com/acme/order-dispatch/internal/service/confirmation"
	"github.com/acme/order-dispatch/internal/service/debounce"
	"github.com/acme/order-dispatch/internal/service/dispatch"
	"github.com/acme/order-dispatch/internal/service/inbound"
	"github.com/acme/order-dispatch/internal/service/stall"
	"github.com/acme/order-dispatch/internal/transport"
	"github.com/acme/order-dispatch/internal/transport/evolution"
	"github.com/acme/order-dispatch/internal/transport/mock"
	"github.com/acme/order-dispatch/pkg/logger"
)

// Job names accepted by the scheduler and the run-now endpoint.
const (
	JobDispatch     = "dispatch"
	JobConfirmation = "confirmation"
	JobStall        = "stall"
	JobStallSweep   = "stall-sweep"
	JobDebounce     = "debounce"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Clock  clock.Clock

	Postgres *db.Postgres
	// Scylla and Kafka are optional; without them attempts are not
	// archived and events are not published.
	Scylla *db.Scylla
	Redis  *redis.Client
	Kafka  *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		providers    *providers
	}
}

type repositories struct {
	Messages      repository.MessageRepository
	Stats         repository.DispatchStatsRepository
	Settings      repository.SettingsRepository
	Attempts      repository.AttemptStore
	Orders        repository.OrderRepository
	Confirmations repository.ConfirmationRepository
	Alerts        repository.AlertRepository
	Thresholds    repository.ThresholdRepository
	Managers      repository.ManagerRepository
	Replies       repository.PendingReplyRepository
}

type services struct {
	Dispatch      *dispatch.Service
	Worker        *dispatch.Worker
	Tracker       *confirmation.Tracker
	Detector      *stall.Detector
	Debouncer     *debounce.Debouncer
	Router        *inbound.Router
	RunLock       *concurrency.RunLock
	Scheduler     *scheduler.Scheduler
	InboundIntake handlers.InboundSink
}

type publishers struct {
	Dispatch *queue.EventPublisher
	Inbound  *queue.EventPublisher
}

type providers struct {
	Transport transport.Provider
	Replies   debounce.Generator
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env, logger.FileOptions{
		Path:       cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Clock:    clock.Real{},
		Postgres: pg,
		Redis:    redisClient,
	}

	if len(cfg.Scylla.Hosts) > 0 {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		container.Scylla = scylla
	} else {
		lg.Warn("scylla hosts not configured; attempt history disabled")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		container.Kafka = kafka
	} else {
		lg.Warn("kafka brokers not configured; events are not published")
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		lg := c.Logger.Logger
		sqlDB := c.Postgres.DB()

		repos := &repositories{
			Messages:      pgrepo.NewMessageRepository(sqlDB),
			Stats:         pgrepo.NewDispatchStatsRepository(sqlDB),
			Settings:      pgrepo.NewSettingsRepository(sqlDB),
			Orders:        pgrepo.NewOrderRepository(sqlDB),
			Confirmations: pgrepo.NewConfirmationRepository(sqlDB),
			Alerts:        pgrepo.NewAlertRepository(sqlDB),
			Thresholds:    pgrepo.NewThresholdRepository(sqlDB),
			Managers:      pgrepo.NewManagerRepository(sqlDB),
			Replies:       pgrepo.NewPendingReplyRepository(sqlDB),
		}
		if c.Scylla != nil {
			repos.Attempts = scyllarepo.NewAttemptStore(c.Scylla.Session())
		}

		pubs := &publishers{}
		if c.Kafka != nil {
			pubs.Dispatch = queue.NewEventPublisher(c.Kafka, cfg.Kafka.DispatchTopic)
			pubs.Inbound = queue.NewEventPublisher(c.Kafka, cfg.Kafka.InboundTopic)
		}

		provs := &providers{Replies: replygen.Noop{}}
		switch cfg.Transport.Provider {
		case "evolution":
			provs.Transport = evolution.NewClient(cfg.Transport)
		default:
			provs.Transport = mock.NewProvider(cfg.Transport.MockSuccessRate)
		}
		if cfg.ReplyGenerator.URL != "" {
			provs.Replies = replygen.NewClient(cfg.ReplyGenerator)
		}

		svcs := c.buildServices(repos, pubs, provs, lg)

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.providers = provs
		c.components.services = svcs
	})
}

func (c *Container) buildServices(repos *repositories, pubs *publishers, provs *providers, lg *zap.Logger) *services {
	cfg := c.Config
	settings := dispatch.NewSettingsSource(repos.Settings, cfg.Dispatch.RateLimit.Settings(), lg)

	svcs := &services{}
	svcs.Dispatch = dispatch.NewService(
		repos.Messages,
		repos.Stats,
		repos.Attempts,
		settings,
		c.Clock,
		dispatch.Defaults{Priority: cfg.Dispatch.DefaultPriority, MaxAttempts: cfg.Dispatch.DefaultMaxAttempts},
		lg,
	)

	deps := dispatch.WorkerDeps{
		Messages: repos.Messages,
		Stats:    repos.Stats,
		Attempts: repos.Attempts,
		Settings: settings,
		Provider: provs.Transport,
		Guard:    confirmation.NewGuard(repos.Orders, repos.Confirmations, cfg.Confirmation.InTransitStatuses),
		Clock:    c.Clock,
		Pacer:    dispatch.NewPacer(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))),
		Logger:   lg,
	}
	if pubs.Dispatch != nil {
		deps.Events = pubs.Dispatch
	}
	svcs.Worker = dispatch.NewWorker(deps, dispatch.WorkerConfig{
		BatchSize:   cfg.Dispatch.BatchSize,
		SendTimeout: cfg.Dispatch.SendTimeout,
		StaleAfter:  cfg.Dispatch.StaleAfter,
	})

	svcs.Tracker = confirmation.NewTracker(repos.Orders, repos.Confirmations, svcs.Dispatch, c.Clock, confirmation.Config{
		TriggerAfter:      cfg.Confirmation.TriggerAfter,
		RetryInterval:     cfg.Confirmation.RetryInterval,
		MaxAttempts:       cfg.Confirmation.MaxAttempts,
		FollowUpEnabled:   cfg.Confirmation.FollowUpEnabled,
		AutoComplete:      cfg.Confirmation.AutoComplete,
		FlagNotReceived:   cfg.Confirmation.FlagNotReceived,
		InTransitStatuses: cfg.Confirmation.InTransitStatuses,
		CompletedStatus:   cfg.Confirmation.CompletedStatus,
		ScanLimit:         cfg.Confirmation.ScanLimit,
		Templates:         confirmation.Templates(cfg.Confirmation.Templates),
	}, lg)

	svcs.Detector = stall.NewDetector(repos.Orders, repos.Thresholds, repos.Managers, repos.Alerts, svcs.Dispatch, c.Clock, stall.Config{
		Phases:           stall.NewPhaseTable(cfg.Stall.Phases),
		TerminalStatuses: cfg.Stall.TerminalStatuses,
		ScanLimit:        cfg.Stall.ScanLimit,
		ResolveAfter:     cfg.Stall.ResolveAfter,
	}, lg)

	svcs.Debouncer = debounce.NewDebouncer(repos.Replies, provs.Replies, svcs.Dispatch, c.Clock, debounce.Config{
		Window:        cfg.Debounce.Window,
		BatchSize:     cfg.Debounce.BatchSize,
		Greetings:     cfg.Debounce.Greetings,
		ReplyPriority: cfg.Debounce.ReplyPriority,
	}, lg)

	svcs.Router = inbound.NewRouter(svcs.Tracker, svcs.Debouncer, lg)
	if pubs.Inbound != nil {
		svcs.InboundIntake = forwardInbound{publisher: pubs.Inbound}
	} else {
		svcs.InboundIntake = routeInbound{router: svcs.Router}
	}

	svcs.RunLock = concurrency.NewRunLock(c.Redis.Inner(), cfg.Scheduler.LockKeyPrefix, cfg.Scheduler.LockTTL)
	svcs.Scheduler = scheduler.New(c.jobs(svcs), svcs.RunLock, lg)
	return svcs
}

func (c *Container) jobs(svcs *services) []scheduler.Job {
	cfg := c.Config.Scheduler
	return []scheduler.Job{
		{Name: JobDispatch, Interval: cfg.DispatchInterval, Run: func(ctx context.Context) (any, error) {
			return svcs.Worker.RunBatch(ctx)
		}},
		{Name: JobConfirmation, Interval: cfg.ConfirmationInterval, Run: func(ctx context.Context) (any, error) {
			return svcs.Tracker.Scan(ctx)
		}},
		{Name: JobStall, Interval: cfg.StallInterval, Run: func(ctx context.Context) (any, error) {
			return svcs.Detector.Scan(ctx)
		}},
		{Name: JobStallSweep, Interval: cfg.StallSweepInterval, Run: func(ctx context.Context) (any, error) {
			n, err := svcs.Detector.ResolveStale(ctx)
			return map[string]int{"resolved": n}, err
		}},
		{Name: JobDebounce, Interval: cfg.DebounceInterval, Run: func(ctx context.Context) (any, error) {
			return svcs.Debouncer.Run(ctx)
		}},
	}
}

// routeInbound handles webhook deliveries in process.
type routeInbound struct {
	router *inbound.Router
}

func (r routeInbound) Accept(ctx context.Context, evt queue.InboundEvent) (any, error) {
	return r.router.Route(ctx, evt)
}

// forwardInbound hands webhook deliveries to the inbound worker through Kafka.
type forwardInbound struct {
	publisher *queue.EventPublisher
}

func (f forwardInbound) Accept(ctx context.Context, evt queue.InboundEvent) (any, error) {
	if err := f.publisher.PublishInbound(ctx, evt); err != nil {
		return nil, err
	}
	return map[string]bool{"queued": true}, nil
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
	svcs := c.Services()
	health := map[string]handlers.HealthCheck{
		"postgres": c.Postgres.Ping,
		"redis":    c.Redis.Ping,
	}
	if c.Scylla != nil {
		health["scylla"] = c.Scylla.Ping
	}
	return handlers.NewHandlerSet(handlers.Deps{
		Messages: svcs.Dispatch,
		Inbound:  svcs.InboundIntake,
		Jobs:     svcs.Scheduler,
		Health:   health,
		Logger:   c.Logger.Logger,
	})
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Dispatch != nil {
			if err := p.Dispatch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dispatch publisher close: %w", err))
			}
		}
		if p.Inbound != nil {
			if err := p.Inbound.Close(); err != nil {
				errs = append(errs, fmt.Errorf("inbound publisher close: %w", err))
			}
		}
	}
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
		_ = c.Logger.Sync()
	}
	return errors.Join(errs...)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, 1)
}
