package spool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/geotrack/internal/tracking"
)

func record(seq uint64, session string, offset time.Duration) tracking.Record {
	speed := 4.2
	return tracking.Record{
		Seq:       seq,
		SessionID: session,
		Sample: tracking.LocationSample{
			RecordedAt: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC).Add(offset),
			Latitude:   -6.2,
			Longitude:  106.8,
			AccuracyM:  8,
			SpeedMps:   &speed,
			IsMoving:   true,
		},
	}
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "nested", "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func TestStoreAppendPendingAck(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append(ctx, []tracking.Record{
				record(3, "a", 3*time.Second),
				record(1, "a", time.Second),
				record(2, "a", 2*time.Second),
			}))

			n, err := store.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			last, err := store.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last)

			got, err := store.Pending(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, uint64(1), got[0].Seq)
			assert.Equal(t, uint64(2), got[1].Seq)
			require.NotNil(t, got[0].Sample.SpeedMps)
			assert.InDelta(t, 4.2, *got[0].Sample.SpeedMps, 1e-9)

			require.NoError(t, store.Ack(ctx, []uint64{1, 2}))
			got, err = store.Pending(ctx, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, uint64(3), got[0].Seq)

			last, err = store.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last, "ack must not rewind the sequence")
		})
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.LoadSnapshot(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			sample := record(7, "s", 0).Sample
			snap := tracking.Snapshot{
				State:      tracking.StateActive,
				SessionID:  "s",
				Config:     tracking.DefaultConfig(),
				LastSample: &sample,
				LastSeq:    7,
				UpdatedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
			}
			require.NoError(t, store.SaveSnapshot(ctx, snap))

			got, ok, err := store.LoadSnapshot(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tracking.StateActive, got.State)
			assert.Equal(t, tracking.DefaultConfig(), got.Config)
			assert.Equal(t, uint64(7), got.LastSeq)
			require.NotNil(t, got.LastSample)
			assert.True(t, got.LastSample.RecordedAt.Equal(sample.RecordedAt))
		})
	}
}

func TestStorePendingFollowsCaptureTime(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append(ctx, []tracking.Record{
				record(1, "a", 10*time.Second),
				record(2, "a", 11*time.Second),
				record(3, "a", 12*time.Second),
			}))
			// A fix captured earlier but pushed late.
			require.NoError(t, store.Append(ctx, []tracking.Record{
				record(4, "a", time.Second),
				record(5, "a", 10*time.Second),
			}))

			var order []uint64
			for {
				got, err := store.Pending(ctx, 2)
				require.NoError(t, err)
				if len(got) == 0 {
					break
				}
				seqs := make([]uint64, 0, len(got))
				for _, r := range got {
					seqs = append(seqs, r.Seq)
				}
				order = append(order, seqs...)
				require.NoError(t, store.Ack(ctx, seqs))
			}
			assert.Equal(t, []uint64{4, 1, 5, 2, 3}, order)
		})
	}
}

func TestStoreSnapshotAdvancesSequence(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append(ctx, []tracking.Record{record(2, "a", 0)}))
			require.NoError(t, store.SaveSnapshot(ctx, tracking.Snapshot{State: tracking.StateActive, Config: tracking.DefaultConfig(), LastSeq: 9}))

			last, err := store.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(9), last)

			require.NoError(t, store.SaveSnapshot(ctx, tracking.Snapshot{State: tracking.StateStopped, Config: tracking.DefaultConfig(), LastSeq: 4}))
			last, err = store.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(9), last, "an older snapshot must not rewind the sequence")
		})
	}
}

func TestStorePurgeKeepsSequence(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append(ctx, []tracking.Record{record(1, "a", 0), record(2, "a", time.Second)}))

			n, err := store.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			left, err := store.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, left)

			last, err := store.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), last)
		})
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, []tracking.Record{record(41, "a", 0), record(42, "b", time.Second)}))
	require.NoError(t, store.SaveSnapshot(ctx, tracking.Snapshot{State: tracking.StateSuspended, Config: tracking.DefaultConfig()}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	last, err := store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), last)

	got, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SessionID)
	assert.Equal(t, "b", got[1].SessionID)

	snap, ok, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tracking.StateSuspended, snap.State)
}

func TestBoltStoreHonoursCanceledContext(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Append(ctx, []tracking.Record{record(1, "a", 0)}), context.Canceled)
	_, err = store.Pending(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	mem, err := NewStore("  ")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	bolt, err := NewStore(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	defer bolt.Close()
	assert.IsType(t, &BoltStore{}, bolt)
}
