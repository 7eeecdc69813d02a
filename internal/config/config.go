// Package config loads every tunable the dispatch core needs from the
// environment (and an optional .env file), with defaults set in code so
// each knob has exactly one authoritative value.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch core.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Firebase FirebaseConfig
	Dispatch DispatchConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// FirebaseConfig holds Firebase Admin SDK settings used for ID-token
// verification and FCM push delivery.
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"FIREBASE_PROJECT_ID"`
	CredentialsFile string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
}

// DispatchConfig holds every knob that affects core dispatch semantics:
// broadcast windows, hold durations, and rate limits.
type DispatchConfig struct {
	BroadcastTimeout    time.Duration `mapstructure:"DISPATCH_BROADCAST_TIMEOUT"`
	HoldDuration        time.Duration `mapstructure:"DISPATCH_HOLD_DURATION"`
	HoldCleanupInterval time.Duration `mapstructure:"DISPATCH_HOLD_CLEANUP_INTERVAL"`
	MaxHoldQuantity     int           `mapstructure:"DISPATCH_MAX_HOLD_QUANTITY"`
	CreateRatePerWindow int           `mapstructure:"DISPATCH_CREATE_RATE"`
	CreateRateWindow    time.Duration `mapstructure:"DISPATCH_CREATE_RATE_WINDOW"`
	CreateOrderTimeout  time.Duration `mapstructure:"DISPATCH_CREATE_TIMEOUT"`
	ConfirmTimeout      time.Duration `mapstructure:"DISPATCH_CONFIRM_TIMEOUT"`
	HoldTimeout         time.Duration `mapstructure:"DISPATCH_HOLD_TIMEOUT"`
	MatchIndexTTL       time.Duration `mapstructure:"DISPATCH_MATCH_INDEX_TTL"`
	IdempotencyTTL      time.Duration `mapstructure:"DISPATCH_IDEMPOTENCY_TTL"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "dispatch")
	viper.SetDefault("POSTGRES_PASSWORD", "dispatch_secret")
	viper.SetDefault("POSTGRES_DB", "dispatch_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("FIREBASE_PROJECT_ID", "")
	viper.SetDefault("FIREBASE_CREDENTIALS_FILE", "")

	viper.SetDefault("DISPATCH_BROADCAST_TIMEOUT", "60s")
	viper.SetDefault("DISPATCH_HOLD_DURATION", "15s")
	viper.SetDefault("DISPATCH_HOLD_CLEANUP_INTERVAL", "5s")
	viper.SetDefault("DISPATCH_MAX_HOLD_QUANTITY", 50)
	viper.SetDefault("DISPATCH_CREATE_RATE", 5)
	viper.SetDefault("DISPATCH_CREATE_RATE_WINDOW", "1m")
	viper.SetDefault("DISPATCH_CREATE_TIMEOUT", "15s")
	viper.SetDefault("DISPATCH_CONFIRM_TIMEOUT", "12s")
	viper.SetDefault("DISPATCH_HOLD_TIMEOUT", "10s")
	viper.SetDefault("DISPATCH_MATCH_INDEX_TTL", "5m")
	viper.SetDefault("DISPATCH_IDEMPOTENCY_TTL", "24h")

	// Try to read .env file. If it doesn't exist (e.g., inside a container),
	// env vars injected by the deployment environment are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	cfg.Firebase = FirebaseConfig{
		ProjectID:       viper.GetString("FIREBASE_PROJECT_ID"),
		CredentialsFile: viper.GetString("FIREBASE_CREDENTIALS_FILE"),
	}

	cfg.Dispatch = DispatchConfig{
		BroadcastTimeout:    viper.GetDuration("DISPATCH_BROADCAST_TIMEOUT"),
		HoldDuration:        viper.GetDuration("DISPATCH_HOLD_DURATION"),
		HoldCleanupInterval: viper.GetDuration("DISPATCH_HOLD_CLEANUP_INTERVAL"),
		MaxHoldQuantity:     viper.GetInt("DISPATCH_MAX_HOLD_QUANTITY"),
		CreateRatePerWindow: viper.GetInt("DISPATCH_CREATE_RATE"),
		CreateRateWindow:    viper.GetDuration("DISPATCH_CREATE_RATE_WINDOW"),
		CreateOrderTimeout:  viper.GetDuration("DISPATCH_CREATE_TIMEOUT"),
		ConfirmTimeout:      viper.GetDuration("DISPATCH_CONFIRM_TIMEOUT"),
		HoldTimeout:         viper.GetDuration("DISPATCH_HOLD_TIMEOUT"),
		MatchIndexTTL:       viper.GetDuration("DISPATCH_MATCH_INDEX_TTL"),
		IdempotencyTTL:      viper.GetDuration("DISPATCH_IDEMPOTENCY_TTL"),
	}

	return cfg, nil
}
