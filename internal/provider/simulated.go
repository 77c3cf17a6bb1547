package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/geo"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// DefaultRoute is a short loop through central Jakarta.
var DefaultRoute = []geo.Point{
	{Lat: -6.1754, Lng: 106.8272},
	{Lat: -6.1862, Lng: 106.8229},
	{Lat: -6.2000, Lng: 106.8230},
	{Lat: -6.2088, Lng: 106.8456},
}

type SimulatedOptions struct {
	Route    []geo.Point
	SpeedMps float64
	// Tick is the wall-clock pause between fixes. Zero means the session interval.
	Tick time.Duration
	// Step is the simulated time that passes per fix. Zero means the session interval.
	Step      time.Duration
	AccuracyM float64
	Start     time.Time

	PermissionDenied bool
	Logger           zerolog.Logger
}

// Simulated moves along a waypoint route at constant speed and emits the fixes
// that pass the session filter. Used for local runs and tests.
type Simulated struct {
	opts SimulatedOptions
	log  zerolog.Logger

	mu         sync.Mutex
	permission bool
	cancel     context.CancelFunc
	done       chan struct{}
	faults     chan error
}

func NewSimulated(opts SimulatedOptions) *Simulated {
	if len(opts.Route) == 0 {
		opts.Route = DefaultRoute
	}
	if opts.SpeedMps <= 0 {
		opts.SpeedMps = 8
	}
	if opts.AccuracyM <= 0 {
		opts.AccuracyM = 5
	}
	return &Simulated{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "provider.simulated").Logger(),
		permission: !opts.PermissionDenied,
		faults:     make(chan error, 8),
	}
}

// SetPermission simulates the user granting or revoking location access.
func (p *Simulated) SetPermission(granted bool) {
	p.mu.Lock()
	p.permission = granted
	p.mu.Unlock()
}

// InjectFault makes the running session report err as a provider fault.
func (p *Simulated) InjectFault(err error) {
	if err == nil {
		err = errors.New("simulated provider fault")
	}
	select {
	case p.faults <- err:
	default:
	}
}

func (p *Simulated) Start(_ context.Context, cfg tracking.TrackingConfig, events tracking.ProviderEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.permission {
		return tracking.ErrPermissionDenied
	}
	p.stopLocked(context.Background())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go func() {
		defer close(done)
		p.run(runCtx, cfg, events)
	}()
	return nil
}

func (p *Simulated) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked(ctx)
}

func (p *Simulated) stopLocked(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	done := p.done
	p.cancel = nil
	p.done = nil
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Simulated) run(ctx context.Context, cfg tracking.TrackingConfig, events tracking.ProviderEvents) {
	tick := p.opts.Tick
	if tick <= 0 {
		tick = cfg.Interval
	}
	step := p.opts.Step
	if step <= 0 {
		step = cfg.Interval
	}
	origin := p.opts.Start
	if origin.IsZero() {
		origin = time.Now().UTC()
	}

	filter := NewFilter(cfg)
	events.OnProviderReady()
	p.log.Debug().Dur("tick", tick).Float64("speed_mps", p.opts.SpeedMps).Msg("simulated provider started")

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		s := p.sampleAt(origin, elapsed)
		if ok, reason := filter.Accept(s); ok {
			events.OnSample(s)
		} else {
			p.log.Trace().Str("reason", reason).Msg("fix filtered")
		}

		select {
		case <-ctx.Done():
			return
		case err := <-p.faults:
			events.OnProviderFault(err)
		case <-ticker.C:
		}
		elapsed += step
	}
}

func (p *Simulated) sampleAt(origin time.Time, elapsed time.Duration) tracking.LocationSample {
	dist := p.opts.SpeedMps * elapsed.Seconds()
	pos, heading, moving := positionAlong(p.opts.Route, dist)
	s := tracking.LocationSample{
		RecordedAt: origin.Add(elapsed),
		Elapsed:    elapsed,
		Latitude:   pos.Lat,
		Longitude:  pos.Lng,
		AccuracyM:  p.opts.AccuracyM,
		IsMoving:   moving,
	}
	if moving {
		speed := p.opts.SpeedMps
		s.SpeedMps = &speed
		s.HeadingDeg = &heading
	}
	return s
}

// positionAlong walks dist meters along route and returns the position, the
// heading of the current leg and whether the end has not been reached yet.
func positionAlong(route []geo.Point, dist float64) (geo.Point, float64, bool) {
	if len(route) == 1 {
		return route[0], 0, false
	}
	for i := 0; i+1 < len(route); i++ {
		a, b := route[i], route[i+1]
		leg := geo.DistanceMeters(a, b)
		if leg <= 0 {
			continue
		}
		if dist < leg {
			return geo.Interpolate(a, b, dist/leg), geo.Bearing(a, b), true
		}
		dist -= leg
	}
	return route[len(route)-1], 0, false
}
