package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/acme/order-dispatch/internal/domain"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App            AppConfig            `mapstructure:"app"`
	Log            LogConfig            `mapstructure:"log"`
	HTTP           HTTPConfig           `mapstructure:"http"`
	Postgres       PostgresConfig       `mapstructure:"postgres"`
	Scylla         ScyllaConfig         `mapstructure:"scylla"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
	Confirmation   ConfirmationConfig   `mapstructure:"confirmation"`
	Stall          StallConfig          `mapstructure:"stall"`
	Debounce       DebounceConfig       `mapstructure:"debounce"`
	Transport      TransportConfig      `mapstructure:"transport"`
	ReplyGenerator ReplyGeneratorConfig `mapstructure:"reply_generator"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type LogConfig struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
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
	DispatchTopic   string        `mapstructure:"dispatch_topic"`
	InboundTopic    string        `mapstructure:"inbound_topic"`
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

// SchedulerConfig holds the tick interval of each periodic job.
type SchedulerConfig struct {
	DispatchInterval     time.Duration `mapstructure:"dispatch_interval"`
	ConfirmationInterval time.Duration `mapstructure:"confirmation_interval"`
	StallInterval        time.Duration `mapstructure:"stall_interval"`
	StallSweepInterval   time.Duration `mapstructure:"stall_sweep_interval"`
	DebounceInterval     time.Duration `mapstructure:"debounce_interval"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	LockKeyPrefix        string        `mapstructure:"lock_key_prefix"`
}

type DispatchConfig struct {
	BatchSize          int             `mapstructure:"batch_size"`
	DefaultPriority    int             `mapstructure:"default_priority"`
	DefaultMaxAttempts int             `mapstructure:"default_max_attempts"`
	SendTimeout        time.Duration   `mapstructure:"send_timeout"`
	StaleAfter         time.Duration   `mapstructure:"stale_after"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig is the built-in fallback used when the settings table has
// no row or cannot be read.
type RateLimitConfig struct {
	MinDelay           time.Duration `mapstructure:"min_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Jitter             time.Duration `mapstructure:"jitter"`
	PerMinute          int           `mapstructure:"per_minute"`
	PerHour            int           `mapstructure:"per_hour"`
	WindowStart        string        `mapstructure:"window_start"`
	WindowEnd          string        `mapstructure:"window_end"`
	TimeZone           string        `mapstructure:"time_zone"`
	EnforceWindow      bool          `mapstructure:"enforce_window"`
	QueueOutsideWindow bool          `mapstructure:"queue_outside_window"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMultiplier    float64       `mapstructure:"retry_multiplier"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	MediaDelay         time.Duration `mapstructure:"media_delay"`
}

// Settings converts the config into domain settings. Unparseable window
// bounds fall back to 08:00-20:00.
func (c RateLimitConfig) Settings() domain.RateLimitSettings {
	start, err := parseClock(c.WindowStart)
	if err != nil {
		start = 8 * 60
	}
	end, err := parseClock(c.WindowEnd)
	if err != nil {
		end = 20 * 60
	}
	return domain.RateLimitSettings{
		MinDelay:           c.MinDelay,
		MaxDelay:           c.MaxDelay,
		Jitter:             c.Jitter,
		PerMinute:          c.PerMinute,
		PerHour:            c.PerHour,
		WindowStart:        start,
		WindowEnd:          end,
		TimeZone:           c.TimeZone,
		EnforceWindow:      c.EnforceWindow,
		QueueOutsideWindow: c.QueueOutsideWindow,
		RetryBaseDelay:     c.RetryBaseDelay,
		RetryMultiplier:    c.RetryMultiplier,
		RetryMaxDelay:      c.RetryMaxDelay,
		MediaDelay:         c.MediaDelay,
	}
}

type ConfirmationConfig struct {
	TriggerAfter      time.Duration `mapstructure:"trigger_after"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	FollowUpEnabled   bool          `mapstructure:"follow_up_enabled"`
	AutoComplete      bool          `mapstructure:"auto_complete"`
	FlagNotReceived   bool          `mapstructure:"flag_not_received"`
	InTransitStatuses []string      `mapstructure:"in_transit_statuses"`
	CompletedStatus   string        `mapstructure:"completed_status"`
	ScanLimit         int           `mapstructure:"scan_limit"`
	Templates         Templates     `mapstructure:"templates"`
}

// Templates are message bodies with {{name}} and {{order}} placeholders.
type Templates struct {
	Initial       string `mapstructure:"initial"`
	FollowUp      string `mapstructure:"follow_up"`
	ThankYou      string `mapstructure:"thank_you"`
	Apology       string `mapstructure:"apology"`
	Clarify       string `mapstructure:"clarify"`
	AnalysisNotes string `mapstructure:"analysis_notes"`
}

type StallConfig struct {
	// Phases overrides entries of the built-in status to phase table.
	Phases           map[string]string `mapstructure:"phases"`
	TerminalStatuses []string          `mapstructure:"terminal_statuses"`
	ScanLimit        int               `mapstructure:"scan_limit"`
	ResolveAfter     time.Duration     `mapstructure:"resolve_after"`
}

type DebounceConfig struct {
	Window        time.Duration `mapstructure:"window"`
	BatchSize     int           `mapstructure:"batch_size"`
	Greetings     []string      `mapstructure:"greetings"`
	ReplyPriority int           `mapstructure:"reply_priority"`
}

type TransportConfig struct {
	Provider        string        `mapstructure:"provider"`
	BaseURL         string        `mapstructure:"base_url"`
	Instance        string        `mapstructure:"instance"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MockSuccessRate float64       `mapstructure:"mock_success_rate"`
}

type ReplyGeneratorConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from file and environment variables. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("ORDERDISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
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
	v.SetDefault("app.name", "order-dispatch")
	v.SetDefault("app.env", "development")

	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("scylla.hosts", []string{"localhost"})
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "order_dispatch")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "order-dispatch")
	v.SetDefault("kafka.dispatch_topic", "dispatch.events")
	v.SetDefault("kafka.inbound_topic", "inbound.messages")
	v.SetDefault("kafka.consumer_group_id", "order-dispatch")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 6)

	v.SetDefault("redis.address", "localhost:6379")

	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("scheduler.dispatch_interval", 30*time.Second)
	v.SetDefault("scheduler.confirmation_interval", 15*time.Minute)
	v.SetDefault("scheduler.stall_interval", time.Hour)
	v.SetDefault("scheduler.stall_sweep_interval", 6*time.Hour)
	v.SetDefault("scheduler.debounce_interval", 5*time.Second)
	v.SetDefault("scheduler.lock_ttl", 10*time.Minute)
	v.SetDefault("scheduler.lock_key_prefix", "orderdispatch:lock")

	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.default_priority", 5)
	v.SetDefault("dispatch.default_max_attempts", 3)
	v.SetDefault("dispatch.send_timeout", 30*time.Second)
	v.SetDefault("dispatch.stale_after", 10*time.Minute)
	v.SetDefault("dispatch.rate_limit.min_delay", 5*time.Second)
	v.SetDefault("dispatch.rate_limit.max_delay", 15*time.Second)
	v.SetDefault("dispatch.rate_limit.jitter", 3*time.Second)
	v.SetDefault("dispatch.rate_limit.per_minute", 15)
	v.SetDefault("dispatch.rate_limit.per_hour", 200)
	v.SetDefault("dispatch.rate_limit.window_start", "08:00")
	v.SetDefault("dispatch.rate_limit.window_end", "20:00")
	v.SetDefault("dispatch.rate_limit.time_zone", "America/Sao_Paulo")
	v.SetDefault("dispatch.rate_limit.enforce_window", true)
	v.SetDefault("dispatch.rate_limit.queue_outside_window", true)
	v.SetDefault("dispatch.rate_limit.retry_base_delay", time.Minute)
	v.SetDefault("dispatch.rate_limit.retry_multiplier", 2.0)
	v.SetDefault("dispatch.rate_limit.retry_max_delay", 6*time.Hour)
	v.SetDefault("dispatch.rate_limit.media_delay", 2*time.Second)

	v.SetDefault("confirmation.trigger_after", 48*time.Hour)
	v.SetDefault("confirmation.retry_interval", 24*time.Hour)
	v.SetDefault("confirmation.max_attempts", 3)
	v.SetDefault("confirmation.follow_up_enabled", true)
	v.SetDefault("confirmation.auto_complete", true)
	v.SetDefault("confirmation.flag_not_received", true)
	v.SetDefault("confirmation.in_transit_statuses", []string{"shipped", "in_transit", "out_for_delivery"})
	v.SetDefault("confirmation.completed_status", "completed")
	v.SetDefault("confirmation.scan_limit", 200)

	v.SetDefault("stall.terminal_statuses", []string{"completed", "cancelled"})
	v.SetDefault("stall.scan_limit", 1000)
	v.SetDefault("stall.resolve_after", 7*24*time.Hour)

	v.SetDefault("debounce.window", 20*time.Second)
	v.SetDefault("debounce.batch_size", 50)
	v.SetDefault("debounce.greetings", []string{"oi", "ola", "olá", "hi", "ei", "eai", "opa", "hey", "bom dia", "boa tarde", "boa noite"})
	v.SetDefault("debounce.reply_priority", 2)

	v.SetDefault("transport.provider", "mock")
	v.SetDefault("transport.request_timeout", 20*time.Second)
	v.SetDefault("transport.mock_success_rate", 1.0)

	v.SetDefault("reply_generator.timeout", 30*time.Second)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("config: invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
