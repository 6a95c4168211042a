package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App             AppConfig             `mapstructure:"app"`
	HTTP            HTTPConfig            `mapstructure:"http"`
	Postgres        PostgresConfig        `mapstructure:"postgres"`
	Scylla          ScyllaConfig          `mapstructure:"scylla"`
	Kafka           KafkaConfig           `mapstructure:"kafka"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Telemetry       TelemetryConfig       `mapstructure:"telemetry"`
	Worker          WorkerConfig          `mapstructure:"worker"`
	Timeouts        TimeoutConfig         `mapstructure:"timeouts"`
	CallPlatform    CallPlatformConfig    `mapstructure:"call_platform"`
	BookingPlatform BookingPlatformConfig `mapstructure:"booking_platform"`
	Enrichment      EnrichmentConfig      `mapstructure:"enrichment"`
	Janitor         JanitorConfig         `mapstructure:"janitor"`
	Scheduler       SchedulerConfig       `mapstructure:"scheduler"`
	Operator        OperatorConfig        `mapstructure:"operator"`
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
	// URL takes precedence over the discrete fields when set.
	URL             string        `mapstructure:"url"`
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

// DSN returns the connection string for the store of record.
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Host == "" {
		return ""
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether the call-report archive is configured.
func (c ScyllaConfig) Enabled() bool {
	return len(c.Hosts) > 0
}

type KafkaConfig struct {
	Brokers                []string      `mapstructure:"brokers"`
	ClientID               string        `mapstructure:"client_id"`
	BookingIntentTopic     string        `mapstructure:"booking_intent_topic"`
	DeadLetterTopic        string        `mapstructure:"dead_letter_topic"`
	BookingConsumerGroup   string        `mapstructure:"booking_consumer_group"`
	CommitInterval         time.Duration `mapstructure:"commit_interval"`
	TopicPartitions        int           `mapstructure:"topic_partitions"`
	TopicReplicationFactor int           `mapstructure:"topic_replication_factor"`
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
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WorkerConfig struct {
	// TokenPrefix is combined with a random suffix to form the reservation token.
	TokenPrefix  string        `mapstructure:"token_prefix"`
	BatchSize    int           `mapstructure:"batch_size"`
	PoolSize     int           `mapstructure:"pool_size"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxConcurrentCalls caps start_call requests in flight across all workers.
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	LimiterTTL         time.Duration `mapstructure:"limiter_ttl"`
}

type TimeoutConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Read    time.Duration `mapstructure:"read"`
}

type CallPlatformConfig struct {
	Provider   string `mapstructure:"provider"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	AgentID    string `mapstructure:"agent_id"`
	RetryCount int    `mapstructure:"retry_count"`
}

type BookingPlatformConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	DefaultClinicArea string        `mapstructure:"default_clinic_area"`
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
	RetryCount        int           `mapstructure:"retry_count"`
}

type EnrichmentConfig struct {
	QuietPeriod  time.Duration `mapstructure:"quiet_period"`
	BatchSize    int           `mapstructure:"batch_size"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type JanitorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	InFlightTTL    time.Duration `mapstructure:"in_flight_ttl"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	TimeZone       string        `mapstructure:"timezone"`
	SettingsReload time.Duration `mapstructure:"settings_reload"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	LockKey        string        `mapstructure:"lock_key"`
}

type OperatorConfig struct {
	ManualAppointmentEmitsIntent bool `mapstructure:"manual_appointment_emits_intent"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", apperrors.ErrConfig, err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", apperrors.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dental-outreach")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.max_conn_idle_time", 10*time.Minute)
	v.SetDefault("kafka.booking_intent_topic", "outreach.booking-intents")
	v.SetDefault("kafka.dead_letter_topic", "outreach.booking-intents.dlq")
	v.SetDefault("kafka.booking_consumer_group", "outreach-booking")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.topic_partitions", 12)
	v.SetDefault("kafka.topic_replication_factor", 1)
	v.SetDefault("worker.token_prefix", "worker")
	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.tick_interval", 15*time.Second)
	v.SetDefault("worker.limiter_ttl", time.Minute)
	v.SetDefault("timeouts.connect", 5*time.Second)
	v.SetDefault("timeouts.read", 30*time.Second)
	v.SetDefault("call_platform.provider", "http")
	v.SetDefault("call_platform.retry_count", 2)
	v.SetDefault("booking_platform.provider", "http")
	v.SetDefault("booking_platform.idempotency_window", 60*time.Second)
	v.SetDefault("booking_platform.retry_count", 2)
	v.SetDefault("enrichment.quiet_period", 2*time.Minute)
	v.SetDefault("enrichment.batch_size", 50)
	v.SetDefault("enrichment.tick_interval", 30*time.Second)
	v.SetDefault("enrichment.backoff_base", time.Second)
	v.SetDefault("enrichment.backoff_max", 30*time.Second)
	v.SetDefault("enrichment.max_retries", 4)
	v.SetDefault("janitor.interval", time.Hour)
	v.SetDefault("janitor.reservation_ttl", 10*time.Minute)
	v.SetDefault("janitor.in_flight_ttl", 10*time.Minute)
	v.SetDefault("scheduler.tick_interval", time.Hour)
	v.SetDefault("scheduler.timezone", "Europe/Madrid")
	v.SetDefault("scheduler.settings_reload", 5*time.Minute)
	v.SetDefault("scheduler.lock_ttl", 10*time.Minute)
	v.SetDefault("scheduler.lock_key", "outreach:reconcile:lock")
}

// Validate checks the mandatory keys and fails fast with ErrConfig.
func (c *Config) Validate() error {
	var problems []string
	if c.Postgres.DSN() == "" {
		problems = append(problems, "postgres connection string is required")
	}
	if c.Worker.BatchSize <= 0 {
		problems = append(problems, "worker.batch_size must be positive")
	}
	if c.Worker.PoolSize <= 0 {
		problems = append(problems, "worker.pool_size must be positive")
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Read <= 0 {
		problems = append(problems, "timeouts.connect and timeouts.read must be positive")
	}
	if c.CallPlatform.Provider == "http" {
		if c.CallPlatform.BaseURL == "" || c.CallPlatform.APIKey == "" {
			problems = append(problems, "call_platform.base_url and call_platform.api_key are required")
		}
		if c.CallPlatform.AgentID == "" {
			problems = append(problems, "call_platform.agent_id is required")
		}
	}
	if c.BookingPlatform.Provider == "http" {
		if c.BookingPlatform.BaseURL == "" || c.BookingPlatform.APIKey == "" {
			problems = append(problems, "booking_platform.base_url and booking_platform.api_key are required")
		}
	}
	if _, err := time.LoadLocation(c.Scheduler.TimeZone); err != nil {
		problems = append(problems, fmt.Sprintf("scheduler.timezone %q: %v", c.Scheduler.TimeZone, err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the working-window time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
