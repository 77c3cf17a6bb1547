package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/policy"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// EventKind is a lifecycle signal pushed by the host platform.
type EventKind string

const (
	EventReady             EventKind = "ready"
	EventSuspended         EventKind = "suspended"
	EventResumed           EventKind = "resumed"
	EventFault             EventKind = "fault"
	EventPermissionGranted EventKind = "permission_granted"
	EventPermissionRevoked EventKind = "permission_revoked"
)

var (
	ErrNotRunning   = errors.New("provider bridge is not running")
	ErrUnknownEvent = errors.New("unknown provider event")
)

// Bridge is the provider used when the platform location service lives in the
// host app: the host pushes raw fixes and lifecycle events, the bridge filters
// fixes against the session config and forwards everything to the manager.
type Bridge struct {
	log zerolog.Logger

	mu        sync.Mutex
	permitted bool
	running   bool
	events    tracking.ProviderEvents
	filter    *Filter
}

func NewBridge(logger zerolog.Logger) *Bridge {
	return &Bridge{
		log:       logger.With().Str("component", "provider.bridge").Logger(),
		permitted: true,
	}
}

func (b *Bridge) Start(_ context.Context, cfg tracking.TrackingConfig, events tracking.ProviderEvents) error {
	b.mu.Lock()
	if !b.permitted {
		b.mu.Unlock()
		return fmt.Errorf("host reported no location access: %w", tracking.ErrPermissionDenied)
	}
	b.running = true
	b.events = events
	b.filter = NewFilter(cfg)
	b.mu.Unlock()

	events.OnProviderReady()
	return nil
}

func (b *Bridge) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.events = nil
	b.filter = nil
	return nil
}

// PushFix offers a raw fix from the host. It reports whether the fix passed
// the session filter.
func (b *Bridge) PushFix(s tracking.LocationSample) (bool, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false, ErrNotRunning
	}
	ok, reason := b.filter.Accept(s)
	events := b.events
	b.mu.Unlock()

	if !ok {
		b.log.Trace().
			Str("reason", reason).
			Float64("lat", policy.CoarsenCoordinate(s.Latitude)).
			Float64("lng", policy.CoarsenCoordinate(s.Longitude)).
			Msg("fix filtered")
		return false, nil
	}
	events.OnSample(s)
	return true, nil
}

// PushEvent applies a host lifecycle event. Permission changes are accepted
// at any time; the others require a running session.
func (b *Bridge) PushEvent(kind EventKind, detail string) error {
	kind = EventKind(strings.ToLower(strings.TrimSpace(string(kind))))

	b.mu.Lock()
	switch kind {
	case EventPermissionGranted:
		b.permitted = true
		b.mu.Unlock()
		return nil
	case EventPermissionRevoked:
		b.permitted = false
	case EventReady, EventSuspended, EventResumed, EventFault:
	default:
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	running, events := b.running, b.events
	b.mu.Unlock()

	if !running {
		if kind == EventPermissionRevoked {
			return nil
		}
		return ErrNotRunning
	}

	b.log.Debug().Str("event", string(kind)).Msg("host provider event")
	switch kind {
	case EventReady:
		events.OnProviderReady()
	case EventSuspended:
		events.OnProviderSuspended()
	case EventResumed:
		events.OnProviderResumed()
	case EventFault:
		if detail == "" {
			detail = "unspecified"
		}
		events.OnProviderFault(fmt.Errorf("host provider: %s", detail))
	case EventPermissionRevoked:
		events.OnProviderFault(tracking.PermanentFault(fmt.Errorf("revoked by host: %w", tracking.ErrPermissionDenied)))
	}
	return nil
}
