// Package config provides configuration management for threatlens.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/notify"
	"github.com/lvonguyen/threatlens/internal/pipeline"
	"github.com/lvonguyen/threatlens/internal/review"
	"github.com/lvonguyen/threatlens/internal/store/postgres"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Review engines.
const (
	EnginePlaybook = "playbook"
	EngineHTTP     = "http"
	EngineMock     = "mock"
)

// Config holds all threatlens configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Store         StoreConfig             `yaml:"store"`
	Redis         RedisConfig             `yaml:"redis"`
	Pipeline      pipeline.Config         `yaml:"pipeline"`
	Review        ReviewConfig            `yaml:"review"`
	Notify        NotifyConfig            `yaml:"notify"`
	HEC           HECConfig               `yaml:"hec"`
	RateLimit     gateway.RateLimitConfig `yaml:"ratelimit"`
	Logging       LoggingConfig           `yaml:"logging"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	Driver   string          `yaml:"driver"` // memory, postgres
	Postgres postgres.Config `yaml:"postgres"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// ReviewConfig selects the review engine.
type ReviewConfig struct {
	Engine    string            `yaml:"engine"` // playbook, http, mock
	RulesFile string            `yaml:"rules_file"`
	HTTP      review.HTTPConfig `yaml:"http"`
	Cache     ReviewCacheConfig `yaml:"cache"`
}

// ReviewCacheConfig configures the Redis assessment cache.
type ReviewCacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// NotifyConfig configures threat notifications.
type NotifyConfig struct {
	Log   bool              `yaml:"log"`
	Kafka KafkaNotifyConfig `yaml:"kafka"`
	HEC   HECNotifyConfig   `yaml:"hec"`
}

// KafkaNotifyConfig enables the Kafka publisher.
type KafkaNotifyConfig struct {
	notify.KafkaConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// HECNotifyConfig enables forwarding reviewed threats to Splunk.
type HECNotifyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Sender  ingestion.SenderConfig `yaml:"sender"`
	Batch   notify.BatchConfig     `yaml:"batch"`
}

// HECConfig holds the inbound HEC receiver settings.
type HECConfig struct {
	Receiver ingestion.ReceiverConfig `yaml:"receiver"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ObservabilityConfig holds tracing and metrics settings.
type ObservabilityConfig struct {
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Postgres: postgres.DefaultConfig(),
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Pipeline: pipeline.DefaultConfig(),
		Review: ReviewConfig{
			Engine: EnginePlaybook,
			HTTP:   review.DefaultHTTPConfig(),
			Cache: ReviewCacheConfig{
				TTL: time.Hour,
			},
		},
		Notify: NotifyConfig{
			Log: true,
			Kafka: KafkaNotifyConfig{
				KafkaConfig: notify.KafkaConfig{
					Topic:        "threatlens.reviews",
					RequiredAcks: 1,
					WriteTimeout: 10 * time.Second,
					Batch:        notify.DefaultBatchConfig(),
				},
			},
			HEC: HECNotifyConfig{
				Sender: ingestion.DefaultSenderConfig(),
				Batch:  notify.DefaultBatchConfig(),
			},
		},
		HEC: HECConfig{
			Receiver: ingestion.DefaultReceiverConfig(),
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Environment:    "development",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// ApplyEnv overrides deployment knobs from THREATLENS_* variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("THREATLENS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid THREATLENS_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("THREATLENS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("THREATLENS_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	return nil
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.DSNEnv == "" {
			errs = append(errs, errors.New("store.postgres.dsn_env is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Pipeline.ReviewTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.review_timeout must be positive"))
	} else if c.Server.RequestTimeout > 0 && c.Pipeline.ReviewTimeout >= c.Server.RequestTimeout {
		// the review must finish inside the request deadline
		errs = append(errs, fmt.Errorf("pipeline.review_timeout %s must be shorter than server.request_timeout %s",
			c.Pipeline.ReviewTimeout, c.Server.RequestTimeout))
	}

	switch c.Review.Engine {
	case EnginePlaybook, EngineMock:
	case EngineHTTP:
		if c.Review.HTTP.BaseURL == "" {
			errs = append(errs, errors.New("review.http.base_url is required for the http engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown review.engine %q", c.Review.Engine))
	}
	if c.Review.Cache.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("review.cache requires redis.addr"))
	}

	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("notify.kafka.brokers is required"))
		}
		if c.Notify.Kafka.Topic == "" {
			errs = append(errs, errors.New("notify.kafka.topic is required"))
		}
	}
	if c.Notify.HEC.Enabled && c.Notify.HEC.Sender.HECURL == "" {
		errs = append(errs, errors.New("notify.hec.sender.hec_url is required"))
	}

	if r := c.HEC.Receiver; r.Enabled && r.Port != 0 && r.Port == c.Server.Port {
		errs = append(errs, fmt.Errorf("hec.receiver.port %d collides with server.port", r.Port))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	if s := c.Observability.SamplingRate; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate %v out of range", s))
	}

	return errors.Join(errs...)
}
