package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // canonical schedule zone must resolve on minimal images
)

// Config holds all configuration for the taskrunner server and workers.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Tasks    TasksConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// TasksConfig controls admission and scheduling of new jobs.
type TasksConfig struct {
	MaxActive        int
	ScheduleTimezone string
	StatusTTL        time.Duration
}

// WorkerConfig controls the execution engine.
type WorkerConfig struct {
	Concurrency       int
	RateLimitPerMin   int
	MaxRetries        int
	RetryDelay        time.Duration
	TimeLimit         time.Duration
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("TASKRUNNER_PORT", 8080),
			Env:                envString("TASKRUNNER_ENV", "development"),
			RateLimitPerMinute: envInt("API_RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Tasks: TasksConfig{
			MaxActive:        envInt("MAX_ACTIVE_TASKS", 5),
			ScheduleTimezone: envString("SCHEDULE_TIMEZONE", "Europe/Moscow"),
			StatusTTL:        envDuration("STATUS_TTL", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:       envInt("WORKER_CONCURRENCY", 4),
			RateLimitPerMin:   envInt("WORKER_RATE_LIMIT_PER_MIN", 10),
			MaxRetries:        envInt("WORKER_MAX_RETRIES", 3),
			RetryDelay:        envDuration("WORKER_RETRY_DELAY", 60*time.Second),
			TimeLimit:         envDuration("WORKER_TIME_LIMIT", 30*time.Minute),
			VisibilityTimeout: envDuration("WORKER_VISIBILITY_TIMEOUT", 35*time.Minute),
			PollInterval:      envDuration("WORKER_POLL_INTERVAL", time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Tasks.MaxActive <= 0 {
		return fmt.Errorf("MAX_ACTIVE_TASKS must be positive, got %d", c.Tasks.MaxActive)
	}
	if _, err := time.LoadLocation(c.Tasks.ScheduleTimezone); err != nil {
		return fmt.Errorf("SCHEDULE_TIMEZONE %q is not a known time zone: %w", c.Tasks.ScheduleTimezone, err)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RateLimitPerMin <= 0 {
		return fmt.Errorf("WORKER_RATE_LIMIT_PER_MIN must be positive, got %d", c.Worker.RateLimitPerMin)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("WORKER_MAX_RETRIES must not be negative, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.TimeLimit <= 0 {
		return fmt.Errorf("WORKER_TIME_LIMIT must be positive, got %s", c.Worker.TimeLimit)
	}
	if c.Worker.RetryDelay < 0 {
		return fmt.Errorf("WORKER_RETRY_DELAY must not be negative, got %s", c.Worker.RetryDelay)
	}
	if c.Worker.VisibilityTimeout <= c.Worker.TimeLimit {
		return fmt.Errorf("WORKER_VISIBILITY_TIMEOUT (%s) must exceed WORKER_TIME_LIMIT (%s)",
			c.Worker.VisibilityTimeout, c.Worker.TimeLimit)
	}
	return nil
}

// Location returns the canonical zone used to interpret naive scheduled_at values.
func (c TasksConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
