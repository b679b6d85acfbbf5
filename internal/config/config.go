package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeoutSeconds      int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	BatchRequestTimeoutSeconds int     `mapstructure:"BATCH_REQUEST_TIMEOUT_SECONDS"`
	BodyLimit                  string  `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit             string  `mapstructure:"BATCH_BODY_LIMIT"`
	RateLimitRPS               float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst             int     `mapstructure:"RATE_LIMIT_BURST"`

	GraphBackend        string `mapstructure:"GRAPH_BACKEND"`
	Neo4jURI            string `mapstructure:"NEO4J_URI"`
	Neo4jUser           string `mapstructure:"NEO4J_USER"`
	Neo4jPassword       string `mapstructure:"NEO4J_PASSWORD"`
	Neo4jDatabase       string `mapstructure:"NEO4J_DATABASE"`
	Neo4jTimeoutSeconds int    `mapstructure:"NEO4J_TIMEOUT_SECONDS"`
	Neo4jMaxPoolSize    int    `mapstructure:"NEO4J_MAX_POOL_SIZE"`

	CacheBackend string `mapstructure:"CACHE_BACKEND"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	RedisPrefix  string `mapstructure:"REDIS_PREFIX"`

	AuthEnabled    bool   `mapstructure:"AUTH_ENABLED"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`

	WebhookWorkers     int `mapstructure:"WEBHOOK_WORKERS"`
	WebhookMaxAttempts int `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`

	MetricsEnabled   bool    `mapstructure:"METRICS_ENABLED"`
	OTelEnabled      bool    `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint     string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSamplerRatio float64 `mapstructure:"OTEL_SAMPLER_RATIO"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"REQUEST_TIMEOUT_SECONDS", "BATCH_REQUEST_TIMEOUT_SECONDS", "BODY_LIMIT", "BATCH_BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"GRAPH_BACKEND", "NEO4J_URI", "NEO4J_USER", "NEO4J_PASSWORD", "NEO4J_DATABASE",
	"NEO4J_TIMEOUT_SECONDS", "NEO4J_MAX_POOL_SIZE",
	"CACHE_BACKEND", "REDIS_ADDR", "REDIS_PREFIX",
	"AUTH_ENABLED", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"WEBHOOK_WORKERS", "WEBHOOK_MAX_ATTEMPTS",
	"METRICS_ENABLED", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLER_RATIO",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)
	v.SetDefault("BATCH_REQUEST_TIMEOUT_SECONDS", 300)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "10M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("GRAPH_BACKEND", "memory")
	v.SetDefault("NEO4J_DATABASE", "neo4j")
	v.SetDefault("NEO4J_TIMEOUT_SECONDS", 30)
	v.SetDefault("NEO4J_MAX_POOL_SIZE", 50)
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("REDIS_PREFIX", "mdr:")
	v.SetDefault("WEBHOOK_WORKERS", 2)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("OTEL_SAMPLER_RATIO", 1.0)

	// Unmarshal only sees env vars that were bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Neo4jTimeout() time.Duration {
	return time.Duration(c.Neo4jTimeoutSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) BatchRequestTimeout() time.Duration {
	return time.Duration(c.BatchRequestTimeoutSeconds) * time.Second
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.GraphBackend {
	case "memory":
	case "neo4j":
		if c.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required when GRAPH_BACKEND is \"neo4j\"")
		}
	default:
		return fmt.Errorf("GRAPH_BACKEND must be \"memory\" or \"neo4j\", got %q", c.GraphBackend)
	}

	switch c.CacheBackend {
	case "memory", "none":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be \"memory\", \"redis\" or \"none\", got %q", c.CacheBackend)
	}

	if c.AuthEnabled && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_ENABLED is true")
	}
	if !c.IsDev() && !c.AuthEnabled {
		return fmt.Errorf("AUTH_ENABLED must be true outside development (ENV=%q)", c.Env)
	}
	if c.OTelSamplerRatio < 0 || c.OTelSamplerRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLER_RATIO must be within [0,1], got %v", c.OTelSamplerRatio)
	}
	return nil
}
