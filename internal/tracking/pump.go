package tracking

import (
	"context"
	"time"

	"github.com/ent0n29/geotrack/internal/observability"
)

const shutdownFlushTimeout = 5 * time.Second

type work struct {
	listener Listener
	batches  []Batch
	events   []event
	replay   bool
	snapshot *Snapshot
}

// Run delivers queued samples, replays the spool and dispatches session events
// until ctx is done. It must be called exactly once per Manager.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.redelivery)
	defer ticker.Stop()

	for {
		m.flush(ctx)
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			m.flush(drainCtx)
			cancel()
			return nil
		case <-m.wake:
		case <-ticker.C:
			m.mu.Lock()
			m.replayDue = true
			m.mu.Unlock()
		}
	}
}

func (m *Manager) flush(ctx context.Context) {
	for {
		w, ok := m.takeWork()
		if !ok {
			return
		}
		m.process(ctx, w)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) takeWork() (work, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := work{listener: m.listener}
	m.drainQueueLocked(false)
	w.batches, m.pending = m.pending, nil

	if w.listener != nil {
		w.events, m.events = m.events, nil
		if m.replayDue {
			m.replayBlocked = false
			m.replayDue = false
			w.replay = true
		}
		if m.spoolDirty && !m.replayBlocked {
			w.replay = true
		}
	} else {
		// State changes are only meaningful to a live listener; faults wait.
		kept := m.events[:0]
		for _, ev := range m.events {
			if ev.fault != nil {
				kept = append(kept, ev)
			}
		}
		m.events = kept
	}

	if m.snapshotDue {
		s := m.snapshotLocked()
		w.snapshot = &s
		m.snapshotDue = false
	}
	has := len(w.batches) > 0 || len(w.events) > 0 || w.replay || w.snapshot != nil
	return w, has
}

func (m *Manager) process(ctx context.Context, w work) {
	// The snapshot records the last issued seq; it is written before any of
	// those records leave the process.
	if w.snapshot != nil {
		start := time.Now()
		if err := m.store.SaveSnapshot(ctx, *w.snapshot); err != nil {
			m.log.Error().Err(err).Msg("save session snapshot failed")
		} else {
			m.metrics.ObserveStage(observability.StageSnapshot, time.Since(start))
		}
	}

	if w.replay {
		m.replay(ctx, w.listener)
	}

	deliverable := w.listener != nil && !m.spoolDirty
	for _, b := range w.batches {
		if b.spill || !deliverable {
			m.persist(ctx, b)
			deliverable = false
			continue
		}
		if err := m.deliver(ctx, w.listener, b); err != nil {
			m.log.Warn().Err(err).
				Str("session_id", b.SessionID).
				Int("samples", len(b.Records)).
				Msg("delivery failed; spooling batch")
			m.replayBlocked = true
			deliverable = false
			m.persist(ctx, b)
		}
	}

	for _, ev := range w.events {
		if ev.fault != nil {
			w.listener.OnFault(ctx, ev.fault)
			continue
		}
		if sl, ok := w.listener.(StateListener); ok {
			sl.OnStateChange(ctx, *ev.change)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, l Listener, b Batch) error {
	start := time.Now()
	if err := l.OnSamples(ctx, b); err != nil {
		m.metrics.ObserveSamples("delivery_failed", len(b.Records))
		return err
	}
	m.metrics.ObserveDelivery(time.Since(start))
	if b.Replayed {
		m.metrics.ObserveSamples("replayed", len(b.Records))
	} else {
		m.metrics.ObserveSamples("delivered", len(b.Records))
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, b Batch) {
	start := time.Now()
	if err := m.store.Append(ctx, b.Records); err != nil {
		m.metrics.ObserveSamples("dropped", len(b.Records))
		m.log.Error().Err(err).
			Str("session_id", b.SessionID).
			Int("samples", len(b.Records)).
			Msg("spool append failed; samples dropped")
		return
	}
	m.spoolDirty = true
	m.metrics.ObserveStage(observability.StageSpoolAppend, time.Since(start))
	m.metrics.ObserveSamples("spooled", len(b.Records))
	m.refreshSpoolDepth(ctx)
}

// replay drains the spool to l in capture-time order, split into per-session
// batches; each batch is acked only after a successful delivery.
func (m *Manager) replay(ctx context.Context, l Listener) {
	start := time.Now()
	defer m.refreshSpoolDepth(ctx)

	if len(m.unacked) > 0 {
		if err := m.store.Ack(ctx, m.unacked); err != nil {
			m.log.Warn().Err(err).Int("samples", len(m.unacked)).Msg("spool ack retry failed")
			m.replayBlocked = true
			return
		}
		m.unacked = nil
	}

	replayed := 0
	for ctx.Err() == nil {
		recs, err := m.store.Pending(ctx, m.replayChunk)
		if err != nil {
			m.log.Warn().Err(err).Msg("read spool failed")
			m.replayBlocked = true
			return
		}
		if len(recs) == 0 {
			m.spoolDirty = false
			break
		}
		for _, b := range replayBatches(recs) {
			if err := m.deliver(ctx, l, b); err != nil {
				m.log.Warn().Err(err).
					Str("session_id", b.SessionID).
					Int("samples", len(b.Records)).
					Msg("replay delivery failed")
				m.replayBlocked = true
				return
			}
			seqs := make([]uint64, 0, len(b.Records))
			for _, r := range b.Records {
				seqs = append(seqs, r.Seq)
			}
			if err := m.store.Ack(ctx, seqs); err != nil {
				m.log.Warn().Err(err).Int("samples", len(seqs)).Msg("spool ack failed")
				m.unacked = seqs
				m.replayBlocked = true
				return
			}
			replayed += len(b.Records)
		}
	}

	if replayed > 0 {
		m.metrics.ObserveStage(observability.StageReplay, time.Since(start))
		m.log.Info().Int("samples", replayed).Dur("took", time.Since(start)).Msg("spool replayed")
	}
}

func (m *Manager) refreshSpoolDepth(ctx context.Context) {
	if n, err := m.store.Len(ctx); err == nil {
		m.metrics.SetSpoolDepth(n)
	}
}

// replayBatches groups consecutive records of the same session. Records come
// from the spool already in capture-time order.
func replayBatches(recs []Record) []Batch {
	var out []Batch
	for _, r := range recs {
		if n := len(out); n > 0 && out[n-1].SessionID == r.SessionID {
			out[n-1].Records = append(out[n-1].Records, r)
			continue
		}
		out = append(out, Batch{SessionID: r.SessionID, Records: []Record{r}, Replayed: true})
	}
	return out
}
