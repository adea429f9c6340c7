package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/kostush/purchase-gateway-sub005/pkg/config"
	"github.com/kostush/purchase-gateway-sub005/pkg/database"
	"github.com/kostush/purchase-gateway-sub005/pkg/httpclient"
)

// Provider modes.
const (
	ProviderModeHTTP = "http"
	ProviderModeMock = "mock"
)

// Config holds all configuration for the purchase gateway.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Version     string `env:"SERVICE_VERSION" envDefault:"0.1.0"`

	// HTTP server
	HTTPPort int `env:"PURCHASE_HTTP_PORT" envDefault:"8010"`
	// PublicBaseURL is the origin banks post 3DS results back to.
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8010"`
	// Per-IP limit on the JSON command endpoints. 0 disables it.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// Redis session store
	RedisHost         string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort         int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass         string `env:"REDIS_PASSWORD"`
	RedisDB           int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize     int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
	SessionTTLMinutes int    `env:"SESSION_TTL_MINUTES" envDefault:"60"`

	// Complete/SimplifiedComplete lock
	LockMaxAttempts     int `env:"LOCK_MAX_ATTEMPTS" envDefault:"30"`
	LockRetryIntervalMs int `env:"LOCK_RETRY_INTERVAL_MS" envDefault:"1000"`
	LockTTLSeconds      int `env:"LOCK_TTL_SECONDS" envDefault:"60"`

	// PostgreSQL reconciliation ledger
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"purchase"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"purchase_secret"`
	PostgresDB   string `env:"PURCHASE_DB_NAME" envDefault:"purchase_gateway"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Kafka
	KafkaBrokers           []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	PostbackTopic          string   `env:"POSTBACK_TOPIC" envDefault:"purchase-gateway.postback.requested"`
	PostbackDeliveredTopic string   `env:"POSTBACK_DELIVERED_TOPIC" envDefault:"purchase-gateway.postback.delivered"`
	KafkaConsumerGroup     string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"purchase-gateway"`

	// Downstream collaborators
	ProviderMode          string `env:"PROVIDER_MODE" envDefault:"http"`
	TransactionServiceURL string `env:"TRANSACTION_SERVICE_URL" envDefault:"http://localhost:8020"`
	FraudServiceURL       string `env:"FRAUD_SERVICE_URL" envDefault:"http://localhost:8021"`
	ConfigServiceURL      string `env:"CONFIG_SERVICE_URL" envDefault:"http://localhost:8022"`
	DownstreamTimeoutSecs int    `env:"DOWNSTREAM_TIMEOUT_SECONDS" envDefault:"15"`
	DownstreamMaxRetries  int    `env:"DOWNSTREAM_MAX_RETRIES" envDefault:"2"`
	MockACSURL            string `env:"MOCK_ACS_URL" envDefault:"http://localhost:8010/mock/acs"`
	MockPostbackURL       string `env:"MOCK_POSTBACK_URL"`

	// Circuit breaker settings for downstream calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Postback signing keys, indexed by the public key index captured at init.
	PostbackSigningKeys []string `env:"POSTBACK_SIGNING_KEYS" envDefault:"dev-signing-key" envSeparator:","`

	// Sites whose NSF declines still allow cross-sales to be charged.
	NSFCrossSellSites []string `env:"NSF_CROSS_SELL_SITES" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	SlowOperationThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"250"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load purchase gateway config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.SessionTTLMinutes < 1 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", c.SessionTTLMinutes)
	}
	if c.LockMaxAttempts < 1 {
		return fmt.Errorf("LOCK_MAX_ATTEMPTS must be positive, got %d", c.LockMaxAttempts)
	}
	if c.LockRetryIntervalMs < 1 {
		return fmt.Errorf("LOCK_RETRY_INTERVAL_MS must be positive, got %d", c.LockRetryIntervalMs)
	}
	if c.LockTTLSeconds < 1 {
		return fmt.Errorf("LOCK_TTL_SECONDS must be positive, got %d", c.LockTTLSeconds)
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		return fmt.Errorf("invalid PUBLIC_BASE_URL %q: %w", c.PublicBaseURL, err)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %f", c.RateLimitRPS)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if len(c.PostbackSigningKeys) == 0 {
		return fmt.Errorf("POSTBACK_SIGNING_KEYS is required")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	switch c.ProviderMode {
	case ProviderModeMock:
	case ProviderModeHTTP:
		for name, rawURL := range map[string]string{
			"TRANSACTION_SERVICE_URL": c.TransactionServiceURL,
			"FRAUD_SERVICE_URL":       c.FraudServiceURL,
			"CONFIG_SERVICE_URL":      c.ConfigServiceURL,
		} {
			if rawURL == "" {
				return fmt.Errorf("%s is required", name)
			}
			if _, err := url.ParseRequestURI(rawURL); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
			}
		}
	default:
		return fmt.Errorf("PROVIDER_MODE must be %q or %q, got %q", ProviderModeHTTP, ProviderModeMock, c.ProviderMode)
	}
	return nil
}

func (c *Config) SessionTTL() time.Duration { return time.Duration(c.SessionTTLMinutes) * time.Minute }

func (c *Config) LockRetryInterval() time.Duration {
	return time.Duration(c.LockRetryIntervalMs) * time.Millisecond
}

func (c *Config) LockTTL() time.Duration { return time.Duration(c.LockTTLSeconds) * time.Second }

// Redis returns the session store connection settings.
func (c *Config) Redis() database.RedisConfig {
	rc := database.DefaultRedisConfig()
	rc.Host = c.RedisHost
	rc.Port = c.RedisPort
	rc.Password = c.RedisPass
	rc.DB = c.RedisDB
	rc.PoolSize = c.RedisPoolSize
	return rc
}

// Postgres returns the ledger connection settings.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// HTTPClient returns the retrying client settings for downstream calls.
func (c *Config) HTTPClient() httpclient.Config {
	hc := httpclient.DefaultConfig()
	hc.Timeout = time.Duration(c.DownstreamTimeoutSecs) * time.Second
	hc.MaxRetries = c.DownstreamMaxRetries
	return hc
}

// CircuitBreaker returns breaker settings for the named downstream.
func (c *Config) CircuitBreaker(name string) httpclient.CircuitBreakerConfig {
	return httpclient.CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  c.CBMaxRequests,
		Interval:     time.Duration(c.CBInterval) * time.Second,
		Timeout:      time.Duration(c.CBTimeout) * time.Second,
		FailureRatio: c.CBFailureRatio,
		MinRequests:  c.CBMinRequests,
	}
}
