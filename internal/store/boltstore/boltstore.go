// Package boltstore implements store.Store on a single bbolt file.
//
// Items live in one bucket keyed by an 8-byte big-endian sequence number
// taken from Bucket.NextSequence, so key order is insertion order and ids are
// never reused. bbolt admits exactly one read-write transaction at a time,
// which is the single-writer arbitration that makes dequeue atomic.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/fifogate/internal/store"
)

var bucketItems = []byte("queue_items")

// valueHeaderLen is the enqueued_at prefix (unix micro, big-endian) stored
// in front of every payload.
const valueHeaderLen = 8

// Config holds options for Open.
type Config struct {
	// Path is the database file.
	Path string

	// LockTimeout bounds the wait for the file lock held by another process.
	LockTimeout time.Duration

	// NoSync skips fsync after commit. Tests only.
	NoSync bool
}

// Store is the bbolt-backed store.Store.
type Store struct {
	db  *bbolt.DB
	now func() time.Time

	mu   sync.Mutex // guards last
	last int64      // last assigned enqueued_at, unix micro
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the bbolt file at cfg.Path and ensures the items
// bucket exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("boltstore: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("boltstore: create data dir: %w", err)
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	db, err := bbolt.Open(cfg.Path, 0o640, &bbolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("%w: boltstore: open %s: %w", store.ErrUnavailable, cfg.Path, err)
	}

	s := &Store{db: db, now: time.Now}
	if err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketItems)
		if err != nil {
			return err
		}
		if k, v := b.Cursor().Last(); k != nil {
			last, err := decodeValue(k, v)
			if err != nil {
				return err
			}
			s.last = last.EnqueuedAt.UnixMicro()
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}

	return s, nil
}

func (s *Store) Enqueue(ctx context.Context, data []byte) (store.Item, error) {
	if len(data) == 0 {
		return store.Item{}, store.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return store.Item{}, unavailable("enqueue", err)
	}

	var it store.Item
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		it = store.Item{
			ID:         int64(seq),
			Data:       append([]byte(nil), data...),
			EnqueuedAt: s.stamp(),
		}
		return b.Put(itob(it.ID), encodeValue(it))
	})
	if err != nil {
		return store.Item{}, unavailable("enqueue", err)
	}
	return it, nil
}

func (s *Store) DequeueOldest(ctx context.Context, h store.Handoff) (store.Item, error) {
	return s.dequeue(ctx, "dequeue_oldest", h, func(c *bbolt.Cursor) ([]byte, []byte) {
		return c.First()
	})
}

func (s *Store) DequeueByID(ctx context.Context, id int64, h store.Handoff) (store.Item, error) {
	want := itob(id)
	return s.dequeue(ctx, "dequeue_by_id", h, func(c *bbolt.Cursor) ([]byte, []byte) {
		k, v := c.Seek(want)
		if k == nil || string(k) != string(want) {
			return nil, nil
		}
		return k, v
	})
}

func (s *Store) dequeue(ctx context.Context, op string, h store.Handoff, pick func(*bbolt.Cursor) ([]byte, []byte)) (store.Item, error) {
	if err := ctx.Err(); err != nil {
		return store.Item{}, unavailable(op, err)
	}

	var it store.Item
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		k, v := pick(c)
		if k == nil {
			return store.ErrNotFound
		}
		var err error
		it, err = decodeValue(k, v)
		if err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
		// Returning an error from Update rolls the delete back.
		return store.RunHandoff(ctx, h, it)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAborted) {
			return store.Item{}, err
		}
		return store.Item{}, unavailable(op, err)
	}
	return it, nil
}

func (s *Store) CountAtOrBefore(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.view(ctx, "count_at_or_before", func(tx *bbolt.Tx) error {
		n = countUpTo(tx, id)
		return nil
	})
	return n, err
}

func (s *Store) Position(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.view(ctx, "position", func(tx *bbolt.Tx) error {
		if id <= 0 || tx.Bucket(bucketItems).Get(itob(id)) == nil {
			return store.ErrNotFound
		}
		n = countUpTo(tx, id)
		return nil
	})
	return n, err
}

func (s *Store) Len(ctx context.Context) (int64, error) {
	var n int64
	err := s.view(ctx, "len", func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(bucketItems).Stats().KeyN)
		return nil
	})
	return n, err
}

// Close flushes and closes the file.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) view(ctx context.Context, op string, fn func(*bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	err := s.db.View(fn)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return unavailable(op, err)
	}
	return err
}

// stamp returns a strictly increasing enqueue time so key order and
// (enqueued_at, id) order never disagree, even if the wall clock steps back.
// Called only inside an Update transaction.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now().UTC().UnixMicro()
	if at <= s.last {
		at = s.last + 1
	}
	s.last = at
	return time.UnixMicro(at).UTC()
}

func countUpTo(tx *bbolt.Tx, id int64) int64 {
	if id <= 0 {
		return 0
	}
	var n int64
	c := tx.Bucket(bucketItems).Cursor()
	limit := uint64(id)
	for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= limit; k, _ = c.Next() {
		n++
	}
	return n
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func encodeValue(it store.Item) []byte {
	buf := make([]byte, valueHeaderLen+len(it.Data))
	binary.BigEndian.PutUint64(buf, uint64(it.EnqueuedAt.UnixMicro()))
	copy(buf[valueHeaderLen:], it.Data)
	return buf
}

// decodeValue copies out of v; bbolt memory is only valid inside the tx.
func decodeValue(k, v []byte) (store.Item, error) {
	if len(k) != 8 || len(v) < valueHeaderLen {
		return store.Item{}, fmt.Errorf("boltstore: corrupt entry (key %d bytes, value %d bytes)", len(k), len(v))
	}
	return store.Item{
		ID:         int64(binary.BigEndian.Uint64(k)),
		Data:       append([]byte(nil), v[valueHeaderLen:]...),
		EnqueuedAt: time.UnixMicro(int64(binary.BigEndian.Uint64(v))).UTC(),
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, op, err)
}
