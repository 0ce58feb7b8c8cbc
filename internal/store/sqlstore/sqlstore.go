// Package sqlstore implements store.Store on a pooled relational database.
//
// One table, queue_items, holds every pending item. Supported dialects:
//
//	sqlite    modernc.org/sqlite (pure Go, default for single-node deploys)
//	mysql     github.com/go-sql-driver/mysql
//	postgres  github.com/jackc/pgx/v5/stdlib
//
// Every operation acquires one *sql.Conn from the pool, runs one transaction
// on it, and releases both on every exit path.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/snehjoshi/fifogate/internal/store"
)

// Config holds the connection and pool settings.
type Config struct {
	Dialect Dialect

	// DSN, when set, is passed to the driver untouched.
	DSN string

	// Path is the database file for sqlite when DSN is empty.
	Path string

	// Host, User, Password and Database build a DSN for mysql and postgres.
	Host     string
	User     string
	Password string
	Database string

	// PoolSize is the hard upper bound on open connections.
	PoolSize int

	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration

	// OpTimeout bounds a whole operation, acquisition included.
	OpTimeout time.Duration
}

// DefaultConfig returns a Config with production-safe pool defaults.
func DefaultConfig() Config {
	return Config{
		Dialect:        SQLite,
		PoolSize:       32,
		AcquireTimeout: 2 * time.Second,
		OpTimeout:      5 * time.Second,
	}
}

// Store is the relational store.Store. Build it with Open; it owns the pool
// until Close.
type Store struct {
	db  *sql.DB
	q   queries
	cfg Config
}

var _ store.Store = (*Store)(nil)

// Open builds the connection pool. It does not create the schema; call
// Migrate for that.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Dialect == "" {
		cfg.Dialect = def.Dialect
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	q, err := queriesFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.dataSourceName()
	if err != nil {
		return nil, err
	}
	if cfg.Dialect == SQLite && cfg.DSN == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlstore: create data dir: %w", err)
		}
	}

	db, err := sql.Open(q.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Dialect, err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", store.ErrUnavailable, cfg.Dialect, err)
	}

	return &Store{db: db, q: q, cfg: cfg}, nil
}

// Dialect reports the configured dialect.
func (s *Store) Dialect() Dialect { return s.cfg.Dialect }

// Migrate creates the queue_items table and its ordering index if absent.
// It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: migrate: acquire connection: %w", store.ErrUnavailable, err)
	}
	defer conn.Close()

	for i, stmt := range s.q.schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

// ─── store.Store ──────────────────────────────────────────────────────────────

func (s *Store) Enqueue(ctx context.Context, data []byte) (store.Item, error) {
	if len(data) == 0 {
		return store.Item{}, store.ErrInvalidInput
	}
	it := store.Item{Data: data}
	var at int64

	err := s.withTx(ctx, "enqueue", func(ctx context.Context, tx *sql.Tx) error {
		if s.q.returning {
			return tx.QueryRowContext(ctx, s.q.insert, data).Scan(&it.ID, &at)
		}
		res, err := tx.ExecContext(ctx, s.q.insert, data)
		if err != nil {
			return err
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, s.q.insertedAt, it.ID).Scan(&at)
	})
	if err != nil {
		return store.Item{}, err
	}
	it.EnqueuedAt = time.UnixMicro(at).UTC()
	return it, nil
}

func (s *Store) DequeueOldest(ctx context.Context, h store.Handoff) (store.Item, error) {
	return s.dequeue(ctx, "dequeue_oldest", h, s.q.popOldest, s.q.selectOldest)
}

func (s *Store) DequeueByID(ctx context.Context, id int64, h store.Handoff) (store.Item, error) {
	return s.dequeue(ctx, "dequeue_by_id", h, s.q.popByID, s.q.selectByID, id)
}

func (s *Store) dequeue(ctx context.Context, op string, h store.Handoff, pop, sel string, args ...any) (store.Item, error) {
	var it store.Item
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if s.q.lockDequeue != "" {
			if _, err := tx.ExecContext(ctx, s.q.lockDequeue); err != nil {
				return err
			}
		}

		var err error
		if s.q.returning {
			it, err = scanItem(tx.QueryRowContext(ctx, pop, args...))
			if err != nil {
				return err
			}
		} else {
			it, err = scanItem(tx.QueryRowContext(ctx, sel, args...))
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, s.q.deleteByID, it.ID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n != 1 {
				return fmt.Errorf("sqlstore: locked row %d deleted %d rows", it.ID, n)
			}
		}
		return store.RunHandoff(ctx, h, it)
	})
	if err != nil {
		return store.Item{}, err
	}
	return it, nil
}

func (s *Store) CountAtOrBefore(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, "count_at_or_before", func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.q.countUpTo, id).Scan(&n)
	})
	return n, err
}

func (s *Store) Position(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, "position", func(ctx context.Context, tx *sql.Tx) error {
		var found int64
		if err := tx.QueryRowContext(ctx, s.q.exists, id).Scan(&found); err != nil {
			return err
		}
		if found == 0 {
			return store.ErrNotFound
		}
		return tx.QueryRowContext(ctx, s.q.countUpTo, id).Scan(&n)
	})
	return n, err
}

func (s *Store) Len(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, "len", func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.q.count).Scan(&n)
	})
	return n, err
}

// Close closes the pool. In-flight operations finish first.
func (s *Store) Close() error { return s.db.Close() }

// ─── transaction plumbing ────────────────────────────────────────────────────

// withTx runs fn inside one transaction on one pooled connection.
//
// Acquisition is bounded by AcquireTimeout and the whole call by OpTimeout,
// so an exhausted pool surfaces as store.ErrUnavailable instead of an
// unbounded wait. The transaction commits only when fn returns nil; the
// deferred Rollback is a no-op after a successful Commit.
func (s *Store) withTx(ctx context.Context, op string, fn func(context.Context, *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	acqCtx, acqCancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	conn, err := s.db.Conn(acqCtx)
	acqCancel()
	if err != nil {
		return fmt.Errorf("%w: %s: acquire connection: %w", store.ErrUnavailable, op, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %w", store.ErrUnavailable, op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ErrNotFound
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAborted):
			return err
		}
		return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: commit: %w", store.ErrUnavailable, op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (store.Item, error) {
	var (
		it store.Item
		at int64
	)
	if err := row.Scan(&it.ID, &it.Data, &at); err != nil {
		return store.Item{}, err
	}
	it.EnqueuedAt = time.UnixMicro(at).UTC()
	return it, nil
}
