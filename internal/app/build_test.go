package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/geotrack/internal/config"
	"github.com/ent0n29/geotrack/internal/stream"
	"github.com/ent0n29/geotrack/internal/tracking"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	registerer = prometheus.NewRegistry()
	t.Cleanup(func() { registerer = prometheus.DefaultRegisterer })
	return config.Config{
		MetricsNamespace:   "test_app",
		Tracking:           tracking.DefaultConfig(),
		QueueCapacity:      16,
		FaultRetryLimit:    3,
		RetryBase:          10 * time.Millisecond,
		RetryCap:           100 * time.Millisecond,
		RedeliveryInterval: time.Second,
		ProviderMode:       config.ProviderSimulated,
		StreamChannel:      "test",
	}
}

func TestBuildInMemory(t *testing.T) {
	cfg := testConfig(t)

	res, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })

	assert.NotNil(t, res.API)
	assert.NotNil(t, res.Hub)
	assert.Empty(t, res.Sinks)
	assert.Equal(t, tracking.StateStopped, res.Manager.State())
}

func TestBuildWithBoltSpoolAndRedis(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	cfg.RedisAddr = mr.Addr()
	cfg.SpoolPath = t.TempDir() + "/spool.db"
	cfg.ProviderMode = config.ProviderBridge

	res, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, res.Cleanup())
	assert.FileExists(t, cfg.SpoolPath)
}

func TestBuildRejectsBadSyncURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.SyncURL = "not a url"

	_, err := Build(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync sink init failed")
}

func TestLiveOnlyIgnoresMissingViewers(t *testing.T) {
	hub := stream.NewHub(nil, "test", zerolog.Nop(), nil)
	batch := tracking.Batch{SessionID: "s1", Records: []tracking.Record{{Seq: 1, SessionID: "s1"}}}

	err := hub.OnSamples(context.Background(), batch)
	require.True(t, errors.Is(err, stream.ErrNoSubscribers))
	assert.NoError(t, liveOnly{hub}.OnSamples(context.Background(), batch))
}
