package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Routing   RoutingConfig             `mapstructure:"routing"`
	Queue     QueueConfig               `mapstructure:"queue"`
	Delivery  DeliveryConfig            `mapstructure:"delivery"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	DLQ       DLQConfig                 `mapstructure:"dlq"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProviderConfig holds per-webhook-provider settings. Secret is the HMAC
// signing secret (or shared token) used to authenticate inbound requests.
type ProviderConfig struct {
	Secret string `mapstructure:"secret"`
}

type RoutingConfig struct {
	File string `mapstructure:"file"`
}

type QueueConfig struct {
	// Backend selects the queue provider: "nats", "redis", or "memory".
	Backend string      `mapstructure:"backend"`
	NATS    NATSConfig  `mapstructure:"nats"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type DeliveryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	MaxSessionBacklog int           `mapstructure:"max_session_backlog"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

type DLQConfig struct {
	// Backend selects the DLQ store: "jetstream", "postgres", or "memory".
	Backend     string `mapstructure:"backend"`
	NATSURL     string `mapstructure:"nats_url"`
	PostgresURL string `mapstructure:"postgres_url"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	RedisURL string        `mapstructure:"redis_url"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("routing.file", "routes.yaml")
	v.SetDefault("queue.backend", "nats")
	v.SetDefault("queue.nats.url", "nats://localhost:4222")
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.base_delay", "500ms")
	v.SetDefault("delivery.multiplier", 2.0)
	v.SetDefault("delivery.max_delay", "30s")
	v.SetDefault("delivery.jitter_fraction", 0.2)
	v.SetDefault("delivery.max_session_backlog", 256)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "15s")
	v.SetDefault("breaker.call_timeout", "10s")
	v.SetDefault("dlq.backend", "jetstream")
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests", 1000)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.redis_url", "redis://localhost:6379/0")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hookbridge")
	}

	// Environment variables override
	v.SetEnvPrefix("HOOKBRIDGE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
