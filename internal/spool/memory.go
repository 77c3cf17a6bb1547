package spool

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/geotrack/internal/tracking"
)

// MemoryStore is an in-process spool for local/dev use. Nothing survives a
// restart.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[uint64]tracking.Record
	lastSeq  uint64
	snapshot *tracking.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64]tracking.Record)}
}

func (s *MemoryStore) Append(_ context.Context, records []tracking.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.Seq] = r
		if r.Seq > s.lastSeq {
			s.lastSeq = r.Seq
		}
	}
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]tracking.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracking.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Sample.RecordedAt, out[j].Sample.RecordedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ack(_ context.Context, seqs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqs {
		delete(s.records, seq)
	}
	return nil
}

func (s *MemoryStore) LastSeq(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq, nil
}

func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap tracking.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &snap
	if snap.LastSeq > s.lastSeq {
		s.lastSeq = snap.LastSeq
	}
	return nil
}

func (s *MemoryStore) LoadSnapshot(context.Context) (tracking.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return tracking.Snapshot{}, false, nil
	}
	return *s.snapshot, true, nil
}

func (s *MemoryStore) Purge(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[uint64]tracking.Record)
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
