package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/config"
	"github.com/ent0n29/geotrack/internal/httpapi"
	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/provider"
	"github.com/ent0n29/geotrack/internal/sink"
	"github.com/ent0n29/geotrack/internal/spool"
	"github.com/ent0n29/geotrack/internal/stream"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// registerer receives the daemon's collectors; tests swap in a fresh registry.
var registerer prometheus.Registerer = prometheus.DefaultRegisterer

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Manager *tracking.Manager
	Hub     *stream.Hub
	Store   spool.Store
	Metrics *observability.Metrics

	// Sinks names the durable listeners wired to the manager.
	Sinks []string

	// Cleanup should be called on shutdown to release external resources (spool, DB, Redis).
	Cleanup func() error
}

// Build wires the tracking daemon from cfg. The caller owns running
// Manager.Run and Hub.Run.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registerer)

	var closers []func() error
	cleanup := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	store, err := spool.NewStore(cfg.SpoolPath)
	if err != nil {
		return fail(fmt.Errorf("spool init failed: %w", err))
	}
	closers = append(closers, store.Close)

	var (
		prov   tracking.Provider
		bridge *provider.Bridge
	)
	switch cfg.ProviderMode {
	case config.ProviderBridge:
		bridge = provider.NewBridge(logger)
		prov = bridge
	default:
		prov = provider.NewSimulated(provider.SimulatedOptions{Logger: logger})
	}

	manager, err := tracking.NewManager(ctx, tracking.Options{
		Provider:           prov,
		Store:              store,
		Logger:             logger,
		Metrics:            metrics,
		Config:             cfg.Tracking,
		QueueCapacity:      cfg.QueueCapacity,
		FaultRetryLimit:    cfg.FaultRetryLimit,
		RetryBase:          cfg.RetryBase,
		RetryCap:           cfg.RetryCap,
		RedeliveryInterval: cfg.RedeliveryInterval,
	})
	if err != nil {
		return fail(fmt.Errorf("tracking manager init failed: %w", err))
	}
	closers = append(closers, func() error {
		manager.Close()
		return nil
	})

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fail(fmt.Errorf("redis init failed: %w", err))
		}
		closers = append(closers, redisClient.Close)
	}
	hub := stream.NewHub(redisClient, cfg.StreamChannel, logger, metrics)

	var (
		listeners []tracking.Listener
		sinks     []string
	)
	if cfg.DatabaseURL != "" {
		pg, err := sink.NewPostgres(ctx, cfg.DatabaseURL, logger, metrics)
		if err != nil {
			return fail(fmt.Errorf("postgres sink init failed: %w", err))
		}
		closers = append(closers, pg.Close)
		listeners = append(listeners, pg)
		sinks = append(sinks, "postgres")
	}
	if cfg.SyncURL != "" {
		hs, err := sink.NewHTTPSync(sink.HTTPSyncOptions{
			URL:       cfg.SyncURL,
			UserID:    cfg.SyncUserID,
			AuthToken: cfg.SyncAuthToken,
		}, logger, metrics)
		if err != nil {
			return fail(fmt.Errorf("sync sink init failed: %w", err))
		}
		listeners = append(listeners, hs)
		sinks = append(sinks, "httpsync")
	}

	switch {
	case len(listeners) > 0:
		manager.Attach(tracking.NewFanout(append(listeners, liveOnly{hub})...))
	case redisClient != nil:
		manager.Attach(hub)
	default:
		// Without a durable sink or relay, samples only have somewhere to go
		// while a stream client is connected; otherwise they stay spooled.
		hub.OnPresence(func(n int) {
			if n > 0 {
				manager.Attach(hub)
			} else {
				manager.Detach()
			}
		})
	}

	api := httpapi.New(cfg, manager, hub, bridge, metrics, logger)

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Manager: manager,
		Hub:     hub,
		Store:   store,
		Metrics: metrics,
		Sinks:   sinks,
		Cleanup: cleanup,
	}, nil
}

// liveOnly forwards to the hub without failing a batch that no viewer saw;
// durable sinks alongside it decide whether the batch is spooled.
type liveOnly struct {
	*stream.Hub
}

func (l liveOnly) OnSamples(ctx context.Context, batch tracking.Batch) error {
	if err := l.Hub.OnSamples(ctx, batch); err != nil && !errors.Is(err, stream.ErrNoSubscribers) {
		return err
	}
	return nil
}
