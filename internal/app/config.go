package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/orderdesk/internal/scheduler/priority"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (ORDERDESK_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERDESK_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Processor   ProcessorConfig
	Scoring     ScoringConfig
	Logs        LogsConfig
	Redis       RedisConfig
	Health      HealthConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// ProcessorConfig controls the background processing loop.
type ProcessorConfig struct {
	Interval    time.Duration `default:"1s" usage:"Delay between processing passes"`
	MaxAttempts int           `default:"3"  usage:"Infrastructure faults before an order is rejected" flag:"max-attempts"`
	Disabled    bool          `default:"false" usage:"Do not start the loop; orders are processed only via POST /api/queue/process"`
	// RecoverInterval bounds how often stored Pending orders written by
	// other processes are picked up.
	RecoverInterval time.Duration `default:"5s" usage:"Minimum delay between pickups of stored pending orders" flag:"recover-interval"`
}

// ScoringConfig holds the priority formula weights.
type ScoringConfig struct {
	PremiumBonus      float64 `default:"1000000" usage:"Score bonus of Premium orders" flag:"premium-bonus"`
	PremiumMultiplier float64 `default:"2"       usage:"Wait multiplier of Premium orders" flag:"premium-multiplier"`
	NormalMultiplier  float64 `default:"1"       usage:"Wait multiplier of Normal orders" flag:"normal-multiplier"`
	QuantityWeight    float64 `default:"0.1"     usage:"Score added per ordered unit" flag:"quantity-weight"`
}

// Weights converts the configuration into scoring weights.
func (c ScoringConfig) Weights() priority.Weights {
	return priority.Weights{
		PremiumBonus:      c.PremiumBonus,
		PremiumMultiplier: c.PremiumMultiplier,
		NormalMultiplier:  c.NormalMultiplier,
		QuantityWeight:    c.QuantityWeight,
	}
}

// LogsConfig controls the in-memory audit log.
type LogsConfig struct {
	Capacity     int `default:"1000" usage:"Audit entries kept in memory"`
	RestoreLimit int `default:"1000" usage:"Audit entries loaded from the database at startup" flag:"logs-restore-limit"`
}

// RedisConfig enables the optional audit log mirror.
type RedisConfig struct {
	URL    string `usage:"Redis URL for the audit stream mirror (ORDERDESK_REDIS_URL or REDIS_URL); empty disables it" flag:"redis-url"`
	Stream string `default:"orderdesk:logs" usage:"Redis stream key"`
	MaxLen int64  `default:"10000" usage:"Approximate cap of the Redis stream" flag:"redis-max-len"`
}

// HealthConfig controls probe thresholds.
type HealthConfig struct {
	Interval     time.Duration `default:"10s"  usage:"Health check interval" flag:"health-interval"`
	MaxBacklog   int           `default:"10000" usage:"Queued orders above which the service reports not ready" flag:"max-backlog"`
	MaxGoroutine int           `default:"10000" usage:"Goroutine count above which the service reports not alive" flag:"max-goroutines"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERDESK",
		Files:     []string{"config.yaml", "/etc/orderdesk/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set ORDERDESK_DATABASE_URL or DATABASE_URL")
	}
	if err := c.Scoring.Weights().Validate(); err != nil {
		return errors.Wrap(err, "scoring")
	}
	if c.Processor.MaxAttempts < 1 {
		return errors.Errorf("processor max attempts must be at least 1, got %d", c.Processor.MaxAttempts)
	}
	return nil
}

// applyPlatformDefaults maps the conventional DATABASE_URL, REDIS_URL and
// PORT variables onto the ORDERDESK_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
