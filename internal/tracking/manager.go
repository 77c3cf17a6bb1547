package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/policy"
	"github.com/ent0n29/geotrack/internal/reliability"
)

const (
	defaultQueueCapacity      = 256
	defaultFaultRetryLimit    = 5
	defaultRetryBase          = 500 * time.Millisecond
	defaultRetryCap           = 30 * time.Second
	defaultRedeliveryInterval = 15 * time.Second
	defaultReplayChunk        = 256
)

// Options configures a Manager. Provider and Store are required.
type Options struct {
	Provider Provider
	Store    Store
	Logger   zerolog.Logger
	Metrics  *observability.Metrics

	// Config is the initial tracking config; the zero value means DefaultConfig.
	Config TrackingConfig

	QueueCapacity      int
	FaultRetryLimit    int
	RetryBase          time.Duration
	RetryCap           time.Duration
	RedeliveryInterval time.Duration
	ReplayChunk        int
}

type event struct {
	change *StateChange
	fault  *FaultError
}

// Manager owns the single tracking session of the process. It mediates between
// the host lifecycle (Configure/Start/Stop), the provider callbacks and the
// attached Listener. Delivery and persistence happen on the Run goroutine.
type Manager struct {
	provider Provider
	store    Store
	log      zerolog.Logger
	metrics  *observability.Metrics

	queueCap    int
	retryLimit  int
	retryBase   time.Duration
	retryCap    time.Duration
	redelivery  time.Duration
	replayChunk int

	runCtx    context.Context
	runCancel context.CancelFunc
	wake      chan struct{}

	// provMu serializes provider Start/Stop calls.
	provMu sync.Mutex

	mu            sync.Mutex
	cfg           TrackingConfig
	state         State
	sessionID     string
	startedAt     time.Time
	updatedAt     time.Time
	generation    uint64
	seq           uint64
	lastSample    *LocationSample
	queue         []Record
	pending       []Batch
	events        []event
	listener      Listener
	faults        int
	faultReported bool
	restarting    bool
	replayDue     bool
	snapshotDue   bool

	// Owned by the Run goroutine.
	spoolDirty    bool
	replayBlocked bool
	unacked       []uint64
}

func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, errors.New("tracking: provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("tracking: store is required")
	}
	cfg := opts.Config
	if cfg == (TrackingConfig{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lastSeq, err := opts.Store.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read spool sequence: %w", err)
	}
	// Live deliveries never reach the spool; the snapshot carries their seq.
	if snap, ok, err := opts.Store.LoadSnapshot(ctx); err != nil {
		return nil, fmt.Errorf("read session snapshot: %w", err)
	} else if ok && snap.LastSeq > lastSeq {
		lastSeq = snap.LastSeq
	}

	m := &Manager{
		provider:    opts.Provider,
		store:       opts.Store,
		log:         opts.Logger.With().Str("component", "tracking").Logger(),
		metrics:     opts.Metrics,
		queueCap:    opts.QueueCapacity,
		retryLimit:  opts.FaultRetryLimit,
		retryBase:   opts.RetryBase,
		retryCap:    opts.RetryCap,
		redelivery:  opts.RedeliveryInterval,
		replayChunk: opts.ReplayChunk,
		wake:        make(chan struct{}, 1),
		cfg:         cfg,
		state:       StateStopped,
		seq:         lastSeq,
		updatedAt:   time.Now().UTC(),
		spoolDirty:  true,
	}
	if m.queueCap <= 0 {
		m.queueCap = defaultQueueCapacity
	}
	if m.retryLimit <= 0 {
		m.retryLimit = defaultFaultRetryLimit
	}
	if m.retryBase <= 0 {
		m.retryBase = defaultRetryBase
	}
	if m.retryCap < m.retryBase {
		m.retryCap = defaultRetryCap
		if m.retryCap < m.retryBase {
			m.retryCap = m.retryBase
		}
	}
	if m.redelivery <= 0 {
		m.redelivery = defaultRedeliveryInterval
	}
	if m.replayChunk <= 0 {
		m.replayChunk = defaultReplayChunk
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.metrics.ObserveTransition("", string(StateStopped))
	return m, nil
}

// Configure replaces the tracking config. Only allowed while stopped.
func (m *Manager) Configure(cfg TrackingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped {
		return fmt.Errorf("configure while %s: %w", m.state, ErrAlreadyActive)
	}
	m.cfg = cfg
	m.snapshotDue = true
	m.signal()
	return nil
}

// Config returns the current tracking config.
func (m *Manager) Config() TrackingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Start opens a new session and starts the provider. The session becomes
// active once the provider reports readiness.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("start while %s: %w", st, ErrAlreadyActive)
	}
	m.generation++
	gen := m.generation
	m.sessionID = uuid.NewString()
	m.startedAt = time.Now().UTC()
	m.faults = 0
	m.faultReported = false
	m.restarting = false
	m.transitionLocked(StateStarting)
	cfg := m.cfg
	m.mu.Unlock()
	m.signal()

	m.provMu.Lock()
	if !m.current(gen) {
		m.provMu.Unlock()
		return nil
	}
	err := m.provider.Start(ctx, cfg, &sessionEvents{m: m, gen: gen})
	m.provMu.Unlock()
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrPermissionDenied) {
		m.mu.Lock()
		if m.generation == gen {
			m.generation++
			m.transitionLocked(StateStopped)
			m.sessionID = ""
		}
		m.mu.Unlock()
		m.signal()
		return fmt.Errorf("start provider: %w", err)
	}
	if ferr := m.fault(gen, err); ferr != nil {
		return ferr
	}
	return nil
}

// Stop ends the session from any state. Samples already queued are handed to
// the delivery loop before the queue is torn down. Stopping a stopped manager
// is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	m.drainQueueLocked(false)
	m.transitionLocked(StateStopped)
	m.sessionID = ""
	m.faults = 0
	m.restarting = false
	m.mu.Unlock()
	m.signal()

	m.provMu.Lock()
	defer m.provMu.Unlock()
	if err := m.provider.Stop(ctx); err != nil {
		m.log.Warn().Err(err).Msg("provider stop failed")
	}
	return nil
}

// OnSample accepts a sample for the current session.
func (m *Manager) OnSample(s LocationSample) {
	m.acceptSample(m.currentGeneration(), s)
}

// OnProviderSuspended moves an active session to suspended.
func (m *Manager) OnProviderSuspended() {
	m.suspend(m.currentGeneration())
}

// OnProviderResumed moves a suspended session back to active.
func (m *Manager) OnProviderResumed() {
	m.resume(m.currentGeneration())
}

// OnProviderReady confirms provider readiness for the current session.
func (m *Manager) OnProviderReady() {
	m.providerReady(m.currentGeneration())
}

// OnProviderFault reports a provider fault for the current session.
func (m *Manager) OnProviderFault(err error) {
	m.fault(m.currentGeneration(), err)
}

// Attach sets the listener and schedules replay of spooled samples.
func (m *Manager) Attach(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.replayDue = l != nil
	m.mu.Unlock()
	m.signal()
}

// Detach removes the listener; later samples are spooled until the next Attach.
func (m *Manager) Detach() {
	m.mu.Lock()
	m.listener = nil
	m.mu.Unlock()
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the session's last known state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Restore loads the persisted snapshot. When the previous process was tracking
// and the config asks to persist across reboots, a new session is started.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	snap, ok, err := m.store.LoadSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	if m.state != StateStopped {
		st := m.state
		m.mu.Unlock()
		return false, fmt.Errorf("restore while %s: %w", st, ErrAlreadyActive)
	}
	if snap.Config.Validate() == nil {
		m.cfg = snap.Config
	}
	if snap.LastSample != nil {
		s := *snap.LastSample
		m.lastSample = &s
	}
	resume := snap.State.Tracking() && m.cfg.PersistAcrossReboot
	m.mu.Unlock()

	if !resume {
		return false, nil
	}
	m.log.Info().Str("previous_session_id", snap.SessionID).Msg("resuming tracking after restart")
	if err := m.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close stops pending provider restarts. It does not stop the session.
func (m *Manager) Close() {
	m.runCancel()
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen && m.state.Tracking()
}

func (m *Manager) acceptSample(gen uint64, s LocationSample) bool {
	if err := s.validate(); err != nil {
		m.metrics.ObserveSamples("invalid", 1)
		m.log.Debug().Err(err).Msg("dropping invalid sample")
		return false
	}

	m.mu.Lock()
	if gen != m.generation || m.state != StateActive {
		st := m.state
		m.mu.Unlock()
		m.metrics.ObserveSamples("rejected", 1)
		m.log.Debug().Str("state", string(st)).Msg("sample rejected outside an active session")
		return false
	}
	m.seq++
	rec := Record{Seq: m.seq, SessionID: m.sessionID, Sample: s}
	if len(m.queue) >= m.queueCap {
		m.drainQueueLocked(true)
		m.metrics.ObserveIndicator("queue_spill")
	}
	m.queue = append(m.queue, rec)
	last := s
	m.lastSample = &last
	m.faults = 0
	m.snapshotDue = true
	m.mu.Unlock()

	m.metrics.ObserveSamples("accepted", 1)
	m.log.Trace().
		Uint64("seq", rec.Seq).
		Float64("lat", policy.CoarsenCoordinate(s.Latitude)).
		Float64("lng", policy.CoarsenCoordinate(s.Longitude)).
		Msg("sample accepted")
	m.signal()
	return true
}

func (m *Manager) providerReady(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	// A restarted provider reports ready before it proves healthy, so only an
	// accepted sample clears the fault count.
	if m.state == StateStarting {
		m.transitionLocked(StateActive)
		m.signal()
	}
}

func (m *Manager) suspend(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.state != StateActive {
		return
	}
	m.transitionLocked(StateSuspended)
	m.signal()
}

func (m *Manager) resume(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.state != StateSuspended {
		return
	}
	m.transitionLocked(StateActive)
	m.signal()
}

// fault counts a provider fault for session gen. Transient faults schedule a
// provider restart with exponential backoff; once the retry budget is spent,
// or the fault is permanent, the session moves to StateError and the returned
// *FaultError is reported to the listener once.
func (m *Manager) fault(gen uint64, err error) *FaultError {
	if err == nil {
		err = ErrProviderFault
	}
	m.mu.Lock()
	if gen != m.generation || !m.state.Tracking() {
		m.mu.Unlock()
		return nil
	}
	m.faults++
	attempts := m.faults

	if IsPermanent(err) || attempts > m.retryLimit {
		ferr := &FaultError{SessionID: m.sessionID, Attempts: attempts, Err: err}
		m.drainQueueLocked(false)
		m.transitionLocked(StateError)
		if !m.faultReported {
			m.faultReported = true
			m.events = append(m.events, event{fault: ferr})
		}
		m.mu.Unlock()

		m.metrics.ObserveFault("terminal")
		m.log.Error().Err(err).Int("attempts", attempts).Msg("provider fault is unrecoverable")
		m.signal()
		go m.stopFaultedProvider(gen)
		return ferr
	}

	delay := reliability.ExponentialBackoff(attempts-1, m.retryBase, m.retryCap)
	spawn := !m.restarting
	m.restarting = true
	cfg := m.cfg
	m.mu.Unlock()

	m.metrics.ObserveFault("transient")
	m.log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("transient provider fault")
	if spawn {
		go m.restartAfter(gen, cfg, delay)
	}
	return nil
}

func (m *Manager) restartAfter(gen uint64, cfg TrackingConfig, delay time.Duration) {
	if err := reliability.Sleep(m.runCtx, delay); err != nil {
		return
	}

	m.provMu.Lock()
	defer m.provMu.Unlock()

	m.mu.Lock()
	ok := gen == m.generation && m.state.Tracking()
	if ok {
		m.restarting = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.metrics.ObserveIndicator("provider_restart")
	if err := m.provider.Stop(m.runCtx); err != nil {
		m.log.Debug().Err(err).Msg("provider stop before restart failed")
	}
	if err := m.provider.Start(m.runCtx, cfg, &sessionEvents{m: m, gen: gen}); err != nil {
		m.fault(gen, err)
	}
}

func (m *Manager) stopFaultedProvider(gen uint64) {
	m.provMu.Lock()
	defer m.provMu.Unlock()

	m.mu.Lock()
	ok := gen == m.generation && m.state == StateError
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.provider.Stop(m.runCtx); err != nil {
		m.log.Debug().Err(err).Msg("provider stop after fault failed")
	}
}

func (m *Manager) transitionLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.updatedAt = time.Now().UTC()
	m.snapshotDue = true
	change := StateChange{SessionID: m.sessionID, From: from, To: to, At: m.updatedAt}
	m.events = append(m.events, event{change: &change})
	m.metrics.ObserveTransition(string(from), string(to))
	m.log.Info().
		Str("session_id", m.sessionID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("tracking state changed")
}

func (m *Manager) drainQueueLocked(spill bool) {
	if len(m.queue) == 0 {
		return
	}
	m.pending = append(m.pending, Batch{
		SessionID: m.queue[0].SessionID,
		Records:   m.queue,
		spill:     spill,
	})
	m.queue = nil
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      m.state,
		SessionID:  m.sessionID,
		Config:     m.cfg,
		StartedAt:  m.startedAt,
		UpdatedAt:  m.updatedAt,
		LastSeq:    m.seq,
		QueueDepth: len(m.queue),
		Faults:     m.faults,
	}
	if m.lastSample != nil {
		s := *m.lastSample
		snap.LastSample = &s
	}
	return snap
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// sessionEvents binds provider callbacks to the session generation they were
// issued for, so a provider that outlives its session cannot leak samples
// into the next one.
type sessionEvents struct {
	m   *Manager
	gen uint64
}

func (e *sessionEvents) OnProviderReady()          { e.m.providerReady(e.gen) }
func (e *sessionEvents) OnSample(s LocationSample) { e.m.acceptSample(e.gen, s) }
func (e *sessionEvents) OnProviderSuspended()      { e.m.suspend(e.gen) }
func (e *sessionEvents) OnProviderResumed()        { e.m.resume(e.gen) }
func (e *sessionEvents) OnProviderFault(err error) { e.m.fault(e.gen, err) }
