package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Provider is the platform location capability. Start must return promptly:
// readiness, samples and lifecycle signals arrive later through events, possibly
// on another goroutine. Start returns an error matching ErrPermissionDenied when
// location access is unavailable.
type Provider interface {
	Start(ctx context.Context, cfg TrackingConfig, events ProviderEvents) error
	Stop(ctx context.Context) error
}

// ProviderEvents is the callback surface handed to a provider for one session.
type ProviderEvents interface {
	OnProviderReady()
	OnSample(s LocationSample)
	OnProviderSuspended()
	OnProviderResumed()
	OnProviderFault(err error)
}

// Listener is the host-side collaborator receiving delivered samples and
// terminal fault notifications.
type Listener interface {
	OnSamples(ctx context.Context, batch Batch) error
	OnFault(ctx context.Context, err error)
}

// StateListener is optionally implemented by listeners that want state
// transitions as well.
type StateListener interface {
	OnStateChange(ctx context.Context, change StateChange)
}

// Store is the durable spool of samples pending delivery plus the persisted
// session snapshot. Pending returns the oldest records by capture time, ties
// broken by sequence number.
type Store interface {
	Append(ctx context.Context, records []Record) error
	Pending(ctx context.Context, limit int) ([]Record, error)
	Ack(ctx context.Context, seqs []uint64) error
	LastSeq(ctx context.Context) (uint64, error)
	Len(ctx context.Context) (int, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	Close() error
}

// Fanout delivers to every listener and joins their errors. When some
// listeners fail, the batch comes back through the spool; records a listener
// already took are not handed to it again.
type Fanout struct {
	listeners []Listener

	mu sync.Mutex
	// taken[i] holds seqs listener i accepted from batches that failed elsewhere.
	taken []map[uint64]struct{}
}

func NewFanout(listeners ...Listener) *Fanout {
	taken := make([]map[uint64]struct{}, len(listeners))
	for i := range taken {
		taken[i] = make(map[uint64]struct{})
	}
	return &Fanout{listeners: listeners, taken: taken}
}

func (f *Fanout) OnSamples(ctx context.Context, batch Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	accepted := make([][]uint64, len(f.listeners))
	for i, l := range f.listeners {
		if l == nil {
			continue
		}
		todo := batch
		todo.Records = nil
		for _, r := range batch.Records {
			if _, ok := f.taken[i][r.Seq]; !ok {
				todo.Records = append(todo.Records, r)
			}
		}
		if len(todo.Records) == 0 {
			continue
		}
		if err := l.OnSamples(ctx, todo); err != nil {
			errs = append(errs, fmt.Errorf("listener %d: %w", i, err))
			continue
		}
		for _, r := range todo.Records {
			accepted[i] = append(accepted[i], r.Seq)
		}
	}

	if len(errs) == 0 {
		for i := range f.taken {
			for _, r := range batch.Records {
				delete(f.taken[i], r.Seq)
			}
		}
		return nil
	}
	for i, seqs := range accepted {
		for _, seq := range seqs {
			f.taken[i][seq] = struct{}{}
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) OnFault(ctx context.Context, err error) {
	for _, l := range f.listeners {
		if l != nil {
			l.OnFault(ctx, err)
		}
	}
}

func (f *Fanout) OnStateChange(ctx context.Context, change StateChange) {
	for _, l := range f.listeners {
		if sl, ok := l.(StateListener); ok {
			sl.OnStateChange(ctx, change)
		}
	}
}
