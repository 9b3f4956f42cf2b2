package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the service settings. Values come from an optional YAML file
// and are then overridden by the environment.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	Timezone    string `yaml:"timezone"`
	StoreDriver string `yaml:"store"`
	SeedPath    string `yaml:"seed_path"`
	JWTSecret   string `yaml:"jwt_secret"`

	LockTimeout     time.Duration `yaml:"lock_timeout"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`

	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	ScheduleCacheSize int           `yaml:"schedule_cache_size"`
	ScheduleCacheTTL  time.Duration `yaml:"schedule_cache_ttl"`
	RolloverSpec      string        `yaml:"rollover_spec"`

	RateLimitPerMinute       int `yaml:"rate_limit_per_min"`
	RateLimitBurst           int `yaml:"rate_limit_burst"`
	ClinicRateLimitPerMinute int `yaml:"clinic_rate_limit_per_min"`
	ClinicRateLimitBurst     int `yaml:"clinic_rate_limit_burst"`

	location *time.Location
}

func defaults() Config {
	return Config{
		Port:                     "8080",
		Env:                      "development",
		LogLevel:                 "info",
		Timezone:                 "Local",
		StoreDriver:              StorePostgres,
		LockTimeout:              3 * time.Second,
		SnapshotTimeout:          5 * time.Second,
		StreamHeartbeat:          25 * time.Second,
		SubscriberBuffer:         4,
		ScheduleCacheSize:        256,
		ScheduleCacheTTL:         5 * time.Minute,
		RolloverSpec:             "0 0 * * *",
		RateLimitPerMinute:       120,
		RateLimitBurst:           30,
		ClinicRateLimitPerMinute: 600,
		ClinicRateLimitBurst:     120,
	}
}

// Load reads .env if present, then the YAML file at path (skipped when path
// is empty), then applies environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path == "" {
		path = os.Getenv("QUEUE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Port = readString("PORT", cfg.Port)
	cfg.DatabaseURL = readString("DB_DSN", cfg.DatabaseURL)
	cfg.Env = readString("APP_ENV", cfg.Env)
	cfg.LogLevel = readString("LOG_LEVEL", cfg.LogLevel)
	cfg.Timezone = readString("QUEUE_TIMEZONE", cfg.Timezone)
	cfg.StoreDriver = readString("QUEUE_STORE", cfg.StoreDriver)
	cfg.SeedPath = readString("QUEUE_SEED", cfg.SeedPath)
	cfg.JWTSecret = readString("JWT_SECRET", cfg.JWTSecret)
	cfg.LockTimeout = readDurationMillis("LOCK_TIMEOUT_MS", cfg.LockTimeout)
	cfg.SnapshotTimeout = readDurationMillis("SNAPSHOT_TIMEOUT_MS", cfg.SnapshotTimeout)
	cfg.StreamHeartbeat = readDurationSeconds("STREAM_HEARTBEAT_SECONDS", cfg.StreamHeartbeat)
	cfg.SubscriberBuffer = readInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.ScheduleCacheSize = readInt("SCHEDULE_CACHE_SIZE", cfg.ScheduleCacheSize)
	cfg.ScheduleCacheTTL = readDurationSeconds("SCHEDULE_CACHE_TTL_SECONDS", cfg.ScheduleCacheTTL)
	cfg.RolloverSpec = readString("ROLLOVER_CRON", cfg.RolloverSpec)
	cfg.RateLimitPerMinute = readInt("RATE_LIMIT_PER_MIN", cfg.RateLimitPerMinute)
	cfg.RateLimitBurst = readInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.ClinicRateLimitPerMinute = readInt("CLINIC_RATE_LIMIT_PER_MIN", cfg.ClinicRateLimitPerMinute)
	cfg.ClinicRateLimitBurst = readInt("CLINIC_RATE_LIMIT_BURST", cfg.ClinicRateLimitBurst)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.StoreDriver)
	}
	if c.LockTimeout <= 0 {
		return errors.New("lock timeout must be positive")
	}
	return nil
}

// Location is the zone that decides the clinic's local date and time.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback time.Duration) time.Duration {
	value := readInt(key, -1)
	if value < 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback time.Duration) time.Duration {
	value := readInt(key, -1)
	if value < 0 {
		return fallback
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
