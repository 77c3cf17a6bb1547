package spool

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ent0n29/geotrack/internal/tracking"
)

var (
	samplesBucket = []byte("samples")
	byTimeBucket  = []byte("by_time")
	metaBucket    = []byte("meta")
	lastSeqKey    = []byte("last_seq")
	snapshotKey   = []byte("snapshot")
)

// BoltStore keeps pending samples in a bbolt file keyed by big-endian
// sequence number. The by_time bucket indexes them by (capture time, seq) so
// Pending can walk them oldest first.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{samplesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		if tx.Bucket(byTimeBucket) != nil {
			return nil
		}
		// Spool files written before the index existed.
		index, err := tx.CreateBucket(byTimeBucket)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", byTimeBucket, err)
		}
		return tx.Bucket(samplesBucket).ForEach(func(k, v []byte) error {
			var r tracking.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", decodeSeq(k), err)
			}
			return index.Put(timeKey(r), []byte{})
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Path() string { return s.path }

func (s *BoltStore) Append(ctx context.Context, records []tracking.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucket)
		index := tx.Bucket(byTimeBucket)
		meta := tx.Bucket(metaBucket)
		last := decodeSeq(meta.Get(lastSeqKey))
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record %d: %w", r.Seq, err)
			}
			if err := unindex(samples, index, r.Seq); err != nil {
				return err
			}
			if err := samples.Put(encodeSeq(r.Seq), data); err != nil {
				return fmt.Errorf("put record %d: %w", r.Seq, err)
			}
			if err := index.Put(timeKey(r), []byte{}); err != nil {
				return fmt.Errorf("index record %d: %w", r.Seq, err)
			}
			if r.Seq > last {
				last = r.Seq
			}
		}
		return meta.Put(lastSeqKey, encodeSeq(last))
	})
}

func (s *BoltStore) Pending(ctx context.Context, limit int) ([]tracking.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []tracking.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucket)
		c := tx.Bucket(byTimeBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			seq := decodeSeq(k[8:])
			v := samples.Get(encodeSeq(seq))
			if v == nil {
				continue
			}
			var r tracking.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", seq, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Ack(ctx context.Context, seqs []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(samplesBucket)
		index := tx.Bucket(byTimeBucket)
		for _, seq := range seqs {
			if err := unindex(b, index, seq); err != nil {
				return err
			}
			if err := b.Delete(encodeSeq(seq)); err != nil {
				return fmt.Errorf("delete record %d: %w", seq, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) LastSeq(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		seq = decodeSeq(tx.Bucket(metaBucket).Get(lastSeqKey))
		return nil
	})
	return seq, err
}

func (s *BoltStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(samplesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) SaveSnapshot(ctx context.Context, snap tracking.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if snap.LastSeq > decodeSeq(meta.Get(lastSeqKey)) {
			if err := meta.Put(lastSeqKey, encodeSeq(snap.LastSeq)); err != nil {
				return err
			}
		}
		return meta.Put(snapshotKey, data)
	})
}

func (s *BoltStore) LoadSnapshot(ctx context.Context) (tracking.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return tracking.Snapshot{}, false, err
	}
	var (
		snap  tracking.Snapshot
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(snapshotKey)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		found = true
		return nil
	})
	return snap, found, err
}

// Purge drops every pending sample and returns how many were removed. The
// sequence counter and snapshot are kept.
func (s *BoltStore) Purge(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		n = tx.Bucket(samplesBucket).Stats().KeyN
		for _, name := range [][]byte{samplesBucket, byTimeBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge spool: %w", err)
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// unindex drops the by_time entry of a stored record, if any.
func unindex(samples, index *bbolt.Bucket, seq uint64) error {
	v := samples.Get(encodeSeq(seq))
	if v == nil {
		return nil
	}
	var r tracking.Record
	if err := json.Unmarshal(v, &r); err != nil {
		return fmt.Errorf("decode record %d: %w", seq, err)
	}
	if err := index.Delete(timeKey(r)); err != nil {
		return fmt.Errorf("unindex record %d: %w", seq, err)
	}
	return nil
}

// timeKey is the big-endian capture time (sign bit flipped so pre-1970
// instants sort first) followed by the seq.
func timeKey(r tracking.Record) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(r.Sample.RecordedAt.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(b[8:], r.Seq)
	return b
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
