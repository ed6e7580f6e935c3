package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env         string
	ServiceName string
	Port        int
	APIPrefix   string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Lease         LeaseConfig
	Bundle        BundleConfig
	Notifications NotificationConfig
	Ledger        LedgerConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedHeaders []string
}

type LogConfig struct {
	Level  string
	Format string
}

// LeaseConfig governs evaluator leases and the reclaim sweeper.
type LeaseConfig struct {
	CheckingTTL   time.Duration
	ReviewTTL     time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	LockTTL       time.Duration
	SweepEnabled  bool
}

// BundleConfig tunes the bundle read-model refresh pipeline.
type BundleConfig struct {
	CacheTTL          time.Duration
	DispatchWorkers   int
	DispatchBuffer    int
	DispatchRetries   int
	DispatchRetryWait time.Duration
}

// NotificationConfig controls fan-out of evaluator notifications.
type NotificationConfig struct {
	Enabled     bool
	Concurrency int
}

// LedgerConfig holds payout policy knobs.
type LedgerConfig struct {
	RecheckPenalty float64
	ReviewPayout   float64
	DefaultRating  float64
}

// Transactional reports whether multi-row removals should run inside a database transaction.
func (c *Config) Transactional() bool {
	return c != nil && c.Env == EnvProduction
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.ServiceName = v.GetString("SERVICE_NAME")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
		AllowedHeaders: splitAndTrim(v.GetString("ALLOWED_HEADERS")),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Lease = LeaseConfig{
		CheckingTTL:   parseDuration(v.GetString("LEASE_CHECKING_TTL"), 24*time.Hour),
		ReviewTTL:     parseDuration(v.GetString("LEASE_REVIEW_TTL"), 6*time.Hour),
		SweepInterval: parseDuration(v.GetString("LEASE_SWEEP_INTERVAL"), time.Minute),
		SweepBatch:    v.GetInt("LEASE_SWEEP_BATCH"),
		LockTTL:       parseDuration(v.GetString("LEASE_LOCK_TTL"), 50*time.Second),
		SweepEnabled:  v.GetBool("ENABLE_LEASE_SWEEP"),
	}

	cfg.Bundle = BundleConfig{
		CacheTTL:          parseDuration(v.GetString("BUNDLE_CACHE_TTL"), 10*time.Minute),
		DispatchWorkers:   v.GetInt("BUNDLE_DISPATCH_WORKERS"),
		DispatchBuffer:    v.GetInt("BUNDLE_DISPATCH_BUFFER"),
		DispatchRetries:   v.GetInt("BUNDLE_DISPATCH_RETRIES"),
		DispatchRetryWait: parseDuration(v.GetString("BUNDLE_DISPATCH_RETRY_WAIT"), 2*time.Second),
	}

	cfg.Notifications = NotificationConfig{
		Enabled:     v.GetBool("ENABLE_NOTIFICATIONS"),
		Concurrency: v.GetInt("NOTIFICATION_CONCURRENCY"),
	}

	cfg.Ledger = LedgerConfig{
		RecheckPenalty: v.GetFloat64("LEDGER_RECHECK_PENALTY"),
		ReviewPayout:   v.GetFloat64("LEDGER_REVIEW_PAYOUT"),
		DefaultRating:  v.GetFloat64("LEDGER_DEFAULT_RATING"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("SERVICE_NAME", "evaluation-api")
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "evaluation")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("ALLOWED_HEADERS", "Authorization,Content-Type,X-Requested-With,X-Request-ID")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("LEASE_CHECKING_TTL", "24h")
	v.SetDefault("LEASE_REVIEW_TTL", "6h")
	v.SetDefault("LEASE_SWEEP_INTERVAL", "1m")
	v.SetDefault("LEASE_SWEEP_BATCH", 100)
	v.SetDefault("LEASE_LOCK_TTL", "50s")
	v.SetDefault("ENABLE_LEASE_SWEEP", true)

	v.SetDefault("BUNDLE_CACHE_TTL", "10m")
	v.SetDefault("BUNDLE_DISPATCH_WORKERS", 2)
	v.SetDefault("BUNDLE_DISPATCH_BUFFER", 256)
	v.SetDefault("BUNDLE_DISPATCH_RETRIES", 3)
	v.SetDefault("BUNDLE_DISPATCH_RETRY_WAIT", "2s")

	v.SetDefault("ENABLE_NOTIFICATIONS", true)
	v.SetDefault("NOTIFICATION_CONCURRENCY", 8)

	v.SetDefault("LEDGER_RECHECK_PENALTY", 0)
	v.SetDefault("LEDGER_REVIEW_PAYOUT", 5)
	v.SetDefault("LEDGER_DEFAULT_RATING", 5.0)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
