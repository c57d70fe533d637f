package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Environment name constants used in ENVIRONMENT config field.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

const (
	defaultBrokerPassword = "guest"
	defaultStorePassword  = "user_password"
)

// Config holds all configuration for the api and worker binaries.
type Config struct {
	// RabbitMQ
	RabbitMQHost      string        `conf:"default:localhost,env:RABBITMQ_HOST"`
	RabbitMQPort      int           `conf:"default:5672,env:RABBITMQ_PORT"`
	RabbitMQQueue     string        `conf:"default:user_activity_events,env:RABBITMQ_QUEUE"`
	RabbitMQUser      string        `conf:"default:guest,env:RABBITMQ_USER"`
	RabbitMQPassword  string        `conf:"default:guest,env:RABBITMQ_PASS,noprint"`
	RabbitMQVHost     string        `conf:"default:/,env:RABBITMQ_VHOST"`
	RabbitMQHeartbeat time.Duration `conf:"default:60s,env:RABBITMQ_HEARTBEAT"`
	// DeadLetterQueue receives poison messages when set; empty means ack-and-drop.
	DeadLetterQueue string `conf:"env:RABBITMQ_DEAD_LETTER_QUEUE"`

	// Postgres
	PostgresHost     string `conf:"default:localhost,env:POSTGRES_HOST"`
	PostgresPort     int    `conf:"default:5432,env:POSTGRES_PORT"`
	PostgresUser     string `conf:"default:user,env:POSTGRES_USER"`
	PostgresPassword string `conf:"default:user_password,env:POSTGRES_PASSWORD,noprint"`
	PostgresDB       string `conf:"default:user_activity_db,env:POSTGRES_DB"`
	PostgresSSLMode  string `conf:"default:disable,env:POSTGRES_SSLMODE"`

	// Redis; empty disables the last-activity cache
	RedisURL string `conf:"env:REDIS_URL"`

	// Listeners
	HTTPAddr   string `conf:"default::8080,env:HTTP_ADDR"`
	HealthAddr string `conf:"default::8001,env:HEALTH_ADDR"`
	// RateLimitPerMinute caps ingestion requests per client IP; 0 disables it.
	RateLimitPerMinute int `conf:"default:6000,env:RATE_LIMIT_PER_MINUTE"`

	// Consumer
	ReconnectBackoff time.Duration `conf:"default:5s,env:CONSUMER_RECONNECT_BACKOFF"`
	RequeueDelay     time.Duration `conf:"default:1s,env:CONSUMER_REQUEUE_DELAY"`
	HandlerTimeout   time.Duration `conf:"default:30s,env:CONSUMER_HANDLER_TIMEOUT"`

	// Application
	LogLevel    string `conf:"default:info,env:LOG_LEVEL"`
	Environment string `conf:"default:development,enum:development|testing|production,env:ENVIRONMENT"`

	// CORS: comma-separated list of allowed origins; use * to allow all (dev only)
	CORSAllowedOrigins string `conf:"default:*,env:CORS_ALLOWED_ORIGINS"`

	// Observability
	ServiceName    string `conf:"default:activity-pipeline,env:SERVICE_NAME"`
	ServiceVersion string `conf:"default:dev,env:SERVICE_VERSION"`
	OtelEndpoint   string `conf:"env:OTEL_ENDPOINT"`
	SentryDSN      string `conf:"env:SENTRY_DSN,noprint"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	var cfg Config
	_ = godotenv.Load()
	if _, err := conf.Parse("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// AMQPURL builds the broker URI from the RabbitMQ fields.
func (c *Config) AMQPURL() string {
	vhost := c.RabbitMQVHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.RabbitMQHost,
		Port:     c.RabbitMQPort,
		Username: c.RabbitMQUser,
		Password: c.RabbitMQPassword,
		Vhost:    vhost,
	}.String()
}

// DatabaseURL builds a postgres:// connection URL from the Postgres fields.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   c.PostgresHost + ":" + strconv.Itoa(c.PostgresPort),
		Path:   "/" + c.PostgresDB,
	}
	if c.PostgresSSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.PostgresSSLMode}}.Encode()
	}
	return u.String()
}

// ValidateForProduction enforces security requirements when ENVIRONMENT=production.
// Returns an error if any critical settings are missing or unsafe.
// No-ops for non-production environments.
func ValidateForProduction(cfg *Config) error {
	if cfg.Environment != EnvProduction {
		return nil
	}

	var errs []string

	if cfg.RabbitMQPassword == defaultBrokerPassword {
		errs = append(errs, "RABBITMQ_PASS must not use the default development password")
	}

	if cfg.PostgresPassword == defaultStorePassword {
		errs = append(errs, "POSTGRES_PASSWORD must not use the default development password")
	}

	if cfg.PostgresSSLMode == "disable" {
		errs = append(errs, "POSTGRES_SSLMODE must not be 'disable' in production")
	}

	if cfg.LogLevel == "debug" {
		errs = append(errs, "LOG_LEVEL must not be 'debug' in production (may leak event metadata)")
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("production config validation failed: %s", strings.Join(errs, "; "))
}
