package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, read from the environment.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (optional: event dedup markers + intake rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Web Push / VAPID
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
	PushTTL         int
	PushTimeout     time.Duration

	// Intake
	NotifyToken      string
	IntakeRateLimit  int
	IntakeRateWindow time.Duration

	// Delivery
	FanoutConcurrency int

	// Scheduler
	SchedulerPollInterval time.Duration
	SchedulerBatchSize    int
}

// Load reads configuration from environment variables with sensible
// defaults. A local .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "fanpush",
		DBName:    "fanpush",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		VAPIDSubscriber: "admin@fanpush.local",
		PushTTL:         24 * 60 * 60,
		PushTimeout:     10 * time.Second,

		IntakeRateLimit:  120,
		IntakeRateWindow: time.Minute,

		FanoutConcurrency: 8,

		SchedulerPollInterval: 30 * time.Second,
		SchedulerBatchSize:    20,
	}

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("ENV", &cfg.Env)

	envString("DB_HOST", &cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	envString("DB_USER", &cfg.DBUser)
	envString("DB_PASSWORD", &cfg.DBPassword)
	envString("DB_NAME", &cfg.DBName)
	envString("DB_SSLMODE", &cfg.DBSSLMode)

	envString("REDIS_HOST", &cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	envString("REDIS_PASSWORD", &cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	envString("VAPID_PUBLIC_KEY", &cfg.VAPIDPublicKey)
	envString("VAPID_PRIVATE_KEY", &cfg.VAPIDPrivateKey)
	envString("VAPID_SUBSCRIBER", &cfg.VAPIDSubscriber)
	if cfg.PushTTL, err = envInt("PUSH_TTL", cfg.PushTTL); err != nil {
		return nil, err
	}
	if cfg.PushTimeout, err = envDuration("PUSH_TIMEOUT", cfg.PushTimeout); err != nil {
		return nil, err
	}

	envString("NOTIFY_TOKEN", &cfg.NotifyToken)
	if cfg.IntakeRateLimit, err = envInt("INTAKE_RATE_LIMIT", cfg.IntakeRateLimit); err != nil {
		return nil, err
	}
	if cfg.IntakeRateWindow, err = envDuration("INTAKE_RATE_WINDOW", cfg.IntakeRateWindow); err != nil {
		return nil, err
	}

	if cfg.FanoutConcurrency, err = envInt("FANOUT_CONCURRENCY", cfg.FanoutConcurrency); err != nil {
		return nil, err
	}

	if cfg.SchedulerPollInterval, err = envDuration("SCHEDULER_POLL_INTERVAL", cfg.SchedulerPollInterval); err != nil {
		return nil, err
	}
	if cfg.SchedulerBatchSize, err = envInt("SCHEDULER_BATCH_SIZE", cfg.SchedulerBatchSize); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
