package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/geotrack/internal/tracking"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.Tracking != tracking.DefaultConfig() {
		t.Fatalf("Tracking = %+v, want defaults", cfg.Tracking)
	}
	if cfg.ProviderMode != ProviderSimulated {
		t.Fatalf("ProviderMode = %q, want %q", cfg.ProviderMode, ProviderSimulated)
	}
	if cfg.SpoolPath != "data/spool.db" {
		t.Fatalf("SpoolPath = %q, want data/spool.db", cfg.SpoolPath)
	}
	if cfg.FaultRetryLimit != 5 {
		t.Fatalf("FaultRetryLimit = %d, want 5", cfg.FaultRetryLimit)
	}
}

func TestLoadTrackingOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TRACKING_DISTANCE_FILTER_M", "25.5")
	t.Setenv("TRACKING_INTERVAL", "2s")
	t.Setenv("TRACKING_ACCURACY", "Low-Power")
	t.Setenv("TRACKING_START_ON_BOOT", "no")
	t.Setenv("SPOOL_PATH", "memory")
	t.Setenv("PROVIDER_MODE", "BRIDGE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := tracking.TrackingConfig{DistanceFilterM: 25.5, Interval: 2 * time.Second, Accuracy: tracking.AccuracyLowPower}
	if cfg.Tracking != want {
		t.Fatalf("Tracking = %+v, want %+v", cfg.Tracking, want)
	}
	if cfg.SpoolPath != "" {
		t.Fatalf("SpoolPath = %q, want in-memory", cfg.SpoolPath)
	}
	if cfg.ProviderMode != ProviderBridge {
		t.Fatalf("ProviderMode = %q, want %q", cfg.ProviderMode, ProviderBridge)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TRACKING_INTERVAL":            "500ms",
		"TRACKING_DISTANCE_FILTER_M":   "-3",
		"TRACKING_ACCURACY":            "ultra",
		"TRACKING_QUEUE_CAPACITY":      "0",
		"TRACKING_FAULT_RETRY_LIMIT":   "x",
		"TRACKING_REDELIVERY_INTERVAL": "10ms",
		"PROVIDER_MODE":                "gps",
		"LOG_FORMAT":                   "xml",
		"APP_ALLOW_ANY_ORIGIN":         "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil", key, value)
			}
		})
	}
}

func TestLoadRetryCapBelowBase(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TRACKING_RETRY_BASE", "10s")
	t.Setenv("TRACKING_RETRY_CAP", "1s")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TRACKING_RETRY_CAP") {
		t.Fatalf("Load() error = %v, want retry cap error", err)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "geotrack.env")
	if err := os.WriteFile(path, []byte("SYNC_USER_ID=driver-7\nAPP_BIND_ADDR=:7000\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	unsetForTest(t, "SYNC_USER_ID")
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SyncUserID != "driver-7" {
		t.Fatalf("SyncUserID = %q, want value from env file", cfg.SyncUserID)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, environment must win over env file", cfg.BindAddr)
	}
}

func TestLoadIgnoresMissingEnvFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

// unsetForTest removes key for the duration of the test; t.Setenv restores it.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("Unsetenv(%s) error = %v", key, err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"TRACKING_DISTANCE_FILTER_M",
		"TRACKING_INTERVAL",
		"TRACKING_ACCURACY",
		"TRACKING_START_ON_BOOT",
		"TRACKING_QUEUE_CAPACITY",
		"TRACKING_FAULT_RETRY_LIMIT",
		"TRACKING_RETRY_BASE",
		"TRACKING_RETRY_CAP",
		"TRACKING_REDELIVERY_INTERVAL",
		"SPOOL_PATH",
		"PROVIDER_MODE",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"STREAM_CHANNEL",
		"SYNC_URL",
		"SYNC_USER_ID",
		"SYNC_AUTH_TOKEN",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
}
