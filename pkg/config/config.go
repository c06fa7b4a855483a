package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/tendant/simple-delegation/pkg/token"
)

// Persistence backends for agents and delegation requests
const (
	PersistenceMemory   = "memory"
	PersistenceFile     = "file"
	PersistencePostgres = "postgres"
)

// Revocation store backends
const (
	RevocationMemory = "memory"
	RevocationRedis  = "redis"
)

// SigningEnv holds the token signing settings. All are required at startup.
type SigningEnv struct {
	Secret                       string `env:"JWT_SECRET" env-required:"true"`
	KeyID                        string `env:"JWT_KEY_ID" env-default:"default"`
	Issuer                       string `env:"JWT_ISSUER" env-default:"http://localhost:5000"`
	ResourceServerID             string `env:"RESOURCE_SERVER_ID" env-default:"resource-server"`
	AccessTokenExpiryMinutes     int    `env:"ACCESS_TOKEN_EXPIRY_MINUTES" env-default:"5"`
	DelegationTokenExpiryMinutes int    `env:"DELEGATION_TOKEN_EXPIRY_MINUTES" env-default:"10"`
	ClockSkewSeconds             int    `env:"CLOCK_SKEW_SECONDS" env-default:"30"`
}

// AccessTokenTTL returns the access token lifetime
func (s SigningEnv) AccessTokenTTL() time.Duration {
	return time.Duration(s.AccessTokenExpiryMinutes) * time.Minute
}

// DelegationTokenTTL returns the delegation token lifetime
func (s SigningEnv) DelegationTokenTTL() time.Duration {
	return time.Duration(s.DelegationTokenExpiryMinutes) * time.Minute
}

// ClockSkew returns the tolerated clock skew
func (s SigningEnv) ClockSkew() time.Duration {
	return time.Duration(s.ClockSkewSeconds) * time.Second
}

// SigningConfig builds the immutable token signing configuration
func (s SigningEnv) SigningConfig() (token.SigningConfig, error) {
	return token.NewSigningConfig([]byte(s.Secret),
		token.WithKeyID(s.KeyID),
		token.WithIssuer(s.Issuer),
		token.WithAudience(s.ResourceServerID),
		token.WithAccessTTL(s.AccessTokenTTL()),
		token.WithDelegationTTL(s.DelegationTokenTTL()),
		token.WithClockSkew(s.ClockSkew()),
	)
}

// StorageConfig selects persistence backends
type StorageConfig struct {
	Persistence       string `env:"PERSISTENCE" env-default:"memory"`
	DataDir           string `env:"DATA_DIR" env-default:"./data"`
	RevocationBackend string `env:"REVOCATION_BACKEND" env-default:"memory"`
}

// RateLimitConfig configures per-client rate limiting on the token and
// delegation creation endpoints
type RateLimitConfig struct {
	Enabled   bool `env:"RATE_LIMIT_ENABLED" env-default:"true"`
	PerMinute int  `env:"RATE_LIMIT_PER_MINUTE" env-default:"60"`
	Burst     int  `env:"RATE_LIMIT_BURST" env-default:"10"`
}

// SweeperConfig holds the cron schedules of the background jobs
type SweeperConfig struct {
	ExpirySchedule       string `env:"SWEEP_SCHEDULE" env-default:"@every 30s"`
	RevocationGCSchedule string `env:"REVOCATION_GC_SCHEDULE" env-default:"@every 1m"`
}

// ServerConfig holds HTTP and process settings
type ServerConfig struct {
	Port           int    `env:"PORT" env-default:"5000"`
	LogLevel       string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat      string `env:"LOG_FORMAT" env-default:"text"`
	SeedDemoAgents bool   `env:"SEED_DEMO_AGENTS" env-default:"true"`
}

// Config is the complete process configuration
type Config struct {
	Signing   SigningEnv
	Storage   StorageConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Sweeper   SweeperConfig
	Server    ServerConfig
}

// Load reads an optional .env file, then the environment, then validates
func Load() (Config, error) {
	loadEnvFile()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting and returns all problems at once
func (c Config) Validate() error {
	var v checker

	v.minLength("JWT_SECRET", c.Signing.Secret, token.MinSecretLength)
	v.nonEmpty("JWT_KEY_ID", c.Signing.KeyID)
	v.absoluteURL("JWT_ISSUER", c.Signing.Issuer)
	v.nonEmpty("RESOURCE_SERVER_ID", c.Signing.ResourceServerID)
	v.positive("ACCESS_TOKEN_EXPIRY_MINUTES", c.Signing.AccessTokenExpiryMinutes)
	v.positive("DELEGATION_TOKEN_EXPIRY_MINUTES", c.Signing.DelegationTokenExpiryMinutes)
	v.nonNegative("CLOCK_SKEW_SECONDS", c.Signing.ClockSkewSeconds)

	v.oneOf("PERSISTENCE", c.Storage.Persistence, PersistenceMemory, PersistenceFile, PersistencePostgres)
	if c.Storage.Persistence == PersistenceFile {
		v.nonEmpty("DATA_DIR", c.Storage.DataDir)
	}
	v.oneOf("REVOCATION_BACKEND", c.Storage.RevocationBackend, RevocationMemory, RevocationRedis)
	if c.Storage.RevocationBackend == RevocationRedis {
		v.nonEmpty("REDIS_URL", c.Redis.URL)
	}

	if c.RateLimit.Enabled {
		v.positive("RATE_LIMIT_PER_MINUTE", c.RateLimit.PerMinute)
		v.positive("RATE_LIMIT_BURST", c.RateLimit.Burst)
	}
	v.schedule("SWEEP_SCHEDULE", c.Sweeper.ExpirySchedule)
	v.schedule("REVOCATION_GC_SCHEDULE", c.Sweeper.RevocationGCSchedule)

	v.positive("PORT", c.Server.Port)
	v.oneOf("LOG_LEVEL", c.Server.LogLevel, "debug", "info", "warn", "error")
	v.oneOf("LOG_FORMAT", c.Server.LogFormat, "text", "json")

	return v.err()
}

// SlogLevel converts LOG_LEVEL to a slog.Level
func (s ServerConfig) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadEnvFile() {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("No .env file found, using environment only")
			return
		}
		slog.Warn("Failed to load .env file", "error", err)
		return
	}
	slog.Info("Loaded configuration from .env")
}
