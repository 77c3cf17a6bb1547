package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/geotrack/internal/tracking"
)

// Provider modes.
const (
	ProviderSimulated = "simulated"
	ProviderBridge    = "bridge"
)

// Config contains all runtime settings for the tracking daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	// Tracking is the session config used until a host reconfigures it.
	Tracking           tracking.TrackingConfig
	QueueCapacity      int
	FaultRetryLimit    int
	RetryBase          time.Duration
	RetryCap           time.Duration
	RedeliveryInterval time.Duration

	SpoolPath    string
	ProviderMode string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	StreamChannel string

	SyncURL       string
	SyncUserID    string
	SyncAuthToken string
}

// Load reads an optional .env file (APP_ENV_FILE, default ".env"), then the
// environment, and applies safe defaults. Variables already set in the
// environment win over the file.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "geotrack"),
		AllowAnyOrigin:     false,
		LogLevel:           strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		Tracking:           tracking.DefaultConfig(),
		QueueCapacity:      256,
		FaultRetryLimit:    5,
		RetryBase:          500 * time.Millisecond,
		RetryCap:           30 * time.Second,
		RedeliveryInterval: 15 * time.Second,
		SpoolPath:          envOrDefault("SPOOL_PATH", "data/spool.db"),
		ProviderMode:       strings.ToLower(envOrDefault("PROVIDER_MODE", ProviderSimulated)),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		RedisAddr:          stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:      stringsTrimSpace("REDIS_PASSWORD"),
		StreamChannel:      envOrDefault("STREAM_CHANNEL", "default"),
		SyncURL:            stringsTrimSpace("SYNC_URL"),
		SyncUserID:         stringsTrimSpace("SYNC_USER_ID"),
		SyncAuthToken:      stringsTrimSpace("SYNC_AUTH_TOKEN"),
	}
	if strings.EqualFold(cfg.SpoolPath, "memory") {
		cfg.SpoolPath = ""
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.Tracking.DistanceFilterM, err = floatFromEnv("TRACKING_DISTANCE_FILTER_M", cfg.Tracking.DistanceFilterM)
	if err != nil {
		return Config{}, err
	}
	cfg.Tracking.Interval, err = durationFromEnv("TRACKING_INTERVAL", cfg.Tracking.Interval)
	if err != nil {
		return Config{}, err
	}
	if v := stringsTrimSpace("TRACKING_ACCURACY"); v != "" {
		cfg.Tracking.Accuracy, err = tracking.ParseAccuracy(v)
		if err != nil {
			return Config{}, fmt.Errorf("TRACKING_ACCURACY parse error: %w", err)
		}
	}
	cfg.Tracking.PersistAcrossReboot, err = boolFromEnv("TRACKING_START_ON_BOOT", cfg.Tracking.PersistAcrossReboot)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueCapacity, err = intFromEnv("TRACKING_QUEUE_CAPACITY", cfg.QueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.FaultRetryLimit, err = intFromEnv("TRACKING_FAULT_RETRY_LIMIT", cfg.FaultRetryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBase, err = durationFromEnv("TRACKING_RETRY_BASE", cfg.RetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryCap, err = durationFromEnv("TRACKING_RETRY_CAP", cfg.RetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.RedeliveryInterval, err = durationFromEnv("TRACKING_REDELIVERY_INTERVAL", cfg.RedeliveryInterval)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Tracking.Validate(); err != nil {
		return Config{}, fmt.Errorf("tracking defaults: %w", err)
	}
	if cfg.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("TRACKING_QUEUE_CAPACITY must be positive")
	}
	if cfg.FaultRetryLimit <= 0 {
		return Config{}, fmt.Errorf("TRACKING_FAULT_RETRY_LIMIT must be positive")
	}
	if cfg.RetryBase <= 0 {
		return Config{}, fmt.Errorf("TRACKING_RETRY_BASE must be positive")
	}
	if cfg.RetryCap < cfg.RetryBase {
		return Config{}, fmt.Errorf("TRACKING_RETRY_CAP must be >= TRACKING_RETRY_BASE")
	}
	if cfg.RedeliveryInterval < time.Second {
		return Config{}, fmt.Errorf("TRACKING_REDELIVERY_INTERVAL must be at least 1s")
	}
	switch cfg.ProviderMode {
	case ProviderSimulated, ProviderBridge:
	default:
		return Config{}, fmt.Errorf("PROVIDER_MODE must be %s or %s", ProviderSimulated, ProviderBridge)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
