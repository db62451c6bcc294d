package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Provider  ProviderConfig  `mapstructure:"provider"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	StatusTopic     string        `mapstructure:"status_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// SchedulerConfig drives the recurring trigger.
type SchedulerConfig struct {
	Cron          string        `mapstructure:"cron"`
	TimeZone      string        `mapstructure:"time_zone"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockKeyPrefix string        `mapstructure:"lock_key_prefix"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// QueueConfig drives the job queue worker and its default policy.
type QueueConfig struct {
	Driver              string        `mapstructure:"driver"`
	KeyPrefix           string        `mapstructure:"key_prefix"`
	LockDuration        time.Duration `mapstructure:"lock_duration"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	MaintenanceBatch    int           `mapstructure:"maintenance_batch"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	FanoutConcurrency   int           `mapstructure:"fanout_concurrency"`
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency"`
	Defaults            JobDefaults   `mapstructure:"defaults"`
}

// JobDefaults is the retry/backoff/retention policy applied to cron and dispatch jobs.
type JobDefaults struct {
	Attempts         int           `mapstructure:"attempts"`
	BackoffType      string        `mapstructure:"backoff_type"`
	BackoffDelay     time.Duration `mapstructure:"backoff_delay"`
	RemoveOnComplete int           `mapstructure:"remove_on_complete"`
	RemoveOnFail     int           `mapstructure:"remove_on_fail"`
}

type DispatchConfig struct {
	AgentID      string             `mapstructure:"agent_id"`
	BatchSize    int                `mapstructure:"batch_size"`
	MaxBatches   int                `mapstructure:"max_batches"`
	LedgerTTL    time.Duration      `mapstructure:"ledger_ttl"`
	CallingHours CallingHoursConfig `mapstructure:"calling_hours"`
}

// CallingHoursConfig restricts fan-out to local calling windows. Empty windows allow any time.
type CallingHoursConfig struct {
	TimeZone string          `mapstructure:"time_zone"`
	Windows  []WindowConfig `mapstructure:"windows"`
}

type WindowConfig struct {
	DayOfWeek int    `mapstructure:"day_of_week"`
	Start     string `mapstructure:"start"`
	End       string `mapstructure:"end"`
}

type ThrottleConfig struct {
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	SlotTTL            time.Duration `mapstructure:"slot_ttl"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// ProviderConfig selects and configures the call vendor.
type ProviderConfig struct {
	Name             string         `mapstructure:"name"`
	RequestTimeout   time.Duration  `mapstructure:"request_timeout"`
	RatePerSecond    float64        `mapstructure:"rate_per_second"`
	Burst            int            `mapstructure:"burst"`
	RequireSignature bool           `mapstructure:"require_signature"`
	Mock             MockConfig     `mapstructure:"mock"`
	REST             RESTConfig     `mapstructure:"rest"`
	Twilio           TwilioConfig   `mapstructure:"twilio"`
}

type MockConfig struct {
	SuccessRate float64       `mapstructure:"success_rate"`
	Latency     time.Duration `mapstructure:"latency"`
	Seed        int64         `mapstructure:"seed"`
}

type RESTConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type TwilioConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	AccountSID        string `mapstructure:"account_sid"`
	AuthToken         string `mapstructure:"auth_token"`
	FromNumber        string `mapstructure:"from_number"`
	StatusCallbackURL string `mapstructure:"status_callback_url"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-dialer")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("kafka.status_topic", "call-status")
	v.SetDefault("kafka.dead_letter_topic", "call-dispatch-dead-letter")
	v.SetDefault("kafka.consumer_group_id", "outbound-dialer")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 12)

	v.SetDefault("scheduler.cron", "*/5 * * * *")
	v.SetDefault("scheduler.time_zone", "UTC")
	v.SetDefault("scheduler.lock_ttl", 4*time.Minute)
	v.SetDefault("scheduler.lock_key_prefix", "dialer:schedule")

	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.key_prefix", "dialer:jobs")
	v.SetDefault("queue.lock_duration", 30*time.Second)
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("queue.maintenance_interval", time.Second)
	v.SetDefault("queue.maintenance_batch", 1000)
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)
	v.SetDefault("queue.fanout_concurrency", 1)
	v.SetDefault("queue.dispatch_concurrency", 10)
	v.SetDefault("queue.defaults.attempts", 3)
	v.SetDefault("queue.defaults.backoff_type", "exponential")
	v.SetDefault("queue.defaults.backoff_delay", 2*time.Second)
	v.SetDefault("queue.defaults.remove_on_complete", 100)
	v.SetDefault("queue.defaults.remove_on_fail", 500)

	v.SetDefault("dispatch.batch_size", 200)
	v.SetDefault("dispatch.max_batches", 50)
	v.SetDefault("dispatch.ledger_ttl", 24*time.Hour)

	v.SetDefault("throttle.slot_ttl", 5*time.Minute)

	v.SetDefault("auth.jwt_issuer", "outbound-dialer")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("provider.name", "mock")
	v.SetDefault("provider.request_timeout", 15*time.Second)
	v.SetDefault("provider.rate_per_second", 10.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.mock.success_rate", 0.9)
	v.SetDefault("provider.twilio.base_url", "https://api.twilio.com")
}
