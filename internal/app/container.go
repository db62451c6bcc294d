package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/acme/outbound-dialer/internal/auth"
	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/infra/db"
	"github.com/acme/outbound-dialer/internal/infra/redis"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	pgrepo "github.com/acme/outbound-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-dialer/internal/repository/scylla"
	"github.com/acme/outbound-dialer/internal/scheduler"
	"github.com/acme/outbound-dialer/internal/service/concurrency"
	"github.com/acme/outbound-dialer/internal/service/dedup"
	"github.com/acme/outbound-dialer/internal/telephony"
	telephonyMock "github.com/acme/outbound-dialer/internal/telephony/mock"
	telephonyREST "github.com/acme/outbound-dialer/internal/telephony/rest"
	telephonyTwilio "github.com/acme/outbound-dialer/internal/telephony/twilio"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once sync.Once
		err  error

		repositories *repositories
		publishers   *publishers
		queue        *jobs.Queue
		provider     telephony.CallProvider
		ledger       *dedup.Ledger
		limiter      *concurrency.Limiter
		trigger      *scheduler.Trigger
		hours        *scheduler.CallingHours
	}
}

type repositories struct {
	Users  repository.UserStore
	Events repository.CallEventStore
}

type publishers struct {
	Statuses *queue.StatusPublisher
	// DeadLetters is nil when no dead-letter topic is configured.
	DeadLetters *queue.DeadLetterPublisher
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

	container := &Container{Config: cfg, Logger: lg}

	if container.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	if container.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}
	if container.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	if container.Kafka, err = queue.NewKafka(cfg.Kafka); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	if err := container.initComponents(); err != nil {
		_ = container.Close()
		return nil, err
	}
	return container, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		provider, err := NewProvider(c.Config.Provider)
		if err != nil {
			c.components.err = err
			return
		}

		store, err := c.jobStore()
		if err != nil {
			c.components.err = err
			return
		}

		hours, err := scheduler.NewCallingHours(c.Config.Dispatch.CallingHours)
		if err != nil {
			c.components.err = fmt.Errorf("calling hours: %w", err)
			return
		}

		q := jobs.New(store, c.Config.Queue, c.Logger)

		c.components.repositories = &repositories{
			Users:  pgrepo.NewUserStore(c.Postgres.DB()),
			Events: scyllarepo.NewCallEventStore(c.Scylla.Session()),
		}
		c.components.publishers = &publishers{
			Statuses: queue.NewStatusPublisher(c.Kafka, c.Config.Kafka.StatusTopic),
		}
		if topic := c.Config.Kafka.DeadLetterTopic; topic != "" {
			c.components.publishers.DeadLetters = queue.NewDeadLetterPublisher(c.Kafka, topic)
		}
		c.components.queue = q
		c.components.provider = provider
		c.components.ledger = dedup.NewLedger(c.Redis.Inner(), c.Config.Dispatch.LedgerTTL)
		c.components.limiter = concurrency.NewLimiter(c.Redis.Inner(), c.Config.Throttle.MaxConcurrentCalls, c.Config.Throttle.SlotTTL)
		c.components.trigger = scheduler.NewTrigger(q, c.Policy(), c.Logger)
		c.components.hours = hours
	})
	return c.components.err
}

func (c *Container) jobStore() (jobs.Store, error) {
	switch c.Config.Queue.Driver {
	case "", "redis":
		return jobs.NewRedisStore(c.Redis.Inner(), c.Config.Queue.KeyPrefix), nil
	case "memory":
		c.Logger.Warn("memory job store selected; jobs do not survive restarts or cross processes")
		return jobs.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", c.Config.Queue.Driver)
	}
}

// NewProvider selects the call vendor named in config.
func NewProvider(cfg config.ProviderConfig) (telephony.CallProvider, error) {
	switch cfg.Name {
	case "", "mock":
		return telephonyMock.NewProvider(cfg.Mock), nil
	case "rest":
		if cfg.REST.BaseURL == "" {
			return nil, errors.New("provider: rest.base_url is required")
		}
		return telephonyREST.NewProvider(cfg), nil
	case "twilio":
		if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
			return nil, errors.New("provider: twilio.account_sid and twilio.auth_token are required")
		}
		return telephonyTwilio.NewProvider(cfg), nil
	default:
		return nil, fmt.Errorf("provider: unknown vendor %q", cfg.Name)
	}
}

// Policy is the default retry/backoff/retention policy for new jobs.
func (c *Container) Policy() jobs.Policy {
	return jobs.PolicyFromConfig(c.Config.Queue.Defaults)
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	return c.components.repositories
}

// Publishers exposes the Kafka producers.
func (c *Container) Publishers() *publishers {
	return c.components.publishers
}

// Queue exposes the job queue.
func (c *Container) Queue() *jobs.Queue {
	return c.components.queue
}

// Provider exposes the configured call vendor.
func (c *Container) Provider() telephony.CallProvider {
	return c.components.provider
}

// Ledger exposes the dispatch dedup ledger.
func (c *Container) Ledger() *dedup.Ledger {
	return c.components.ledger
}

// Limiter exposes the per-agent concurrency limiter.
func (c *Container) Limiter() *concurrency.Limiter {
	return c.components.limiter
}

// Trigger exposes the schedule trigger shared by cron and the HTTP API.
func (c *Container) Trigger() *scheduler.Trigger {
	return c.components.trigger
}

// CallingHours exposes the configured fan-out calling windows.
func (c *Container) CallingHours() *scheduler.CallingHours {
	return c.components.hours
}

// Auth builds the operator session manager.
func (c *Container) Auth() (*auth.Manager, error) {
	return auth.NewManager(c.Config.Auth)
}

// Owner identifies this process for distributed locks.
func (c *Container) Owner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Health lists the pings the readiness probe runs.
func (c *Container) Health() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"postgres": c.Postgres.Ping,
		"scylla":   c.Scylla.Ping,
		"redis":    c.Redis.Ping,
	}
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, 1)
}

// Close releases all held resources.
func (c *Container) Close() error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Statuses.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
		if p.DeadLetters != nil {
			if err := p.DeadLetters.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
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
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
