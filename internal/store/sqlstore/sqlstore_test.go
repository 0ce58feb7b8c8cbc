package sqlstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/fifogate/internal/store"
	"github.com/snehjoshi/fifogate/internal/store/sqlstore"
	"github.com/snehjoshi/fifogate/internal/store/storetest"
)

func openSQLite(t *testing.T, poolSize int) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect:  sqlstore.SQLite,
		Path:     filepath.Join(t.TempDir(), "queue.sqlite"),
		PoolSize: poolSize,
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSQLStore_SQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t, 8) })
}

func TestSQLStore_SQLite_SharedFile(t *testing.T) {
	storetest.RunShared(t, func(t *testing.T) (store.Store, store.Store) {
		ctx := context.Background()
		cfg := sqlstore.Config{Dialect: sqlstore.SQLite, Path: filepath.Join(t.TempDir(), "queue.sqlite"), PoolSize: 4}
		a, err := sqlstore.Open(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, a.Migrate(ctx))
		b, err := sqlstore.Open(ctx, cfg)
		require.NoError(t, err)
		return a, b
	})
}

// External databases run only when a DSN is provided, e.g.
//
//	FIFOGATE_TEST_MYSQL_DSN='root:pw@tcp(127.0.0.1:3306)/fifo'
//	FIFOGATE_TEST_POSTGRES_DSN='postgres://postgres:pw@127.0.0.1/fifo'
func TestSQLStore_External_Conformance(t *testing.T) {
	cases := []struct {
		dialect sqlstore.Dialect
		env     string
	}{
		{sqlstore.MySQL, "FIFOGATE_TEST_MYSQL_DSN"},
		{sqlstore.Postgres, "FIFOGATE_TEST_POSTGRES_DSN"},
	}
	for _, tc := range cases {
		t.Run(string(tc.dialect), func(t *testing.T) {
			dsn := os.Getenv(tc.env)
			if dsn == "" {
				t.Skipf("%s not set", tc.env)
			}
			storetest.Run(t, func(t *testing.T) store.Store {
				ctx := context.Background()
				s, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: tc.dialect, DSN: dsn, PoolSize: 16})
				require.NoError(t, err)
				require.NoError(t, s.Migrate(ctx))
				drain(t, s)
				return s
			})
			storetest.RunShared(t, func(t *testing.T) (store.Store, store.Store) {
				ctx := context.Background()
				cfg := sqlstore.Config{Dialect: tc.dialect, DSN: dsn, PoolSize: 4}
				a, err := sqlstore.Open(ctx, cfg)
				require.NoError(t, err)
				require.NoError(t, a.Migrate(ctx))
				drain(t, a)
				b, err := sqlstore.Open(ctx, cfg)
				require.NoError(t, err)
				return a, b
			})
		})
	}
}

func drain(t *testing.T, s store.Store) {
	t.Helper()
	for {
		_, err := s.DequeueOldest(context.Background(), nil)
		if err != nil {
			require.ErrorIs(t, err, store.ErrNotFound)
			return
		}
	}
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t, 2)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLStore_ReopenKeepsItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.sqlite")
	ctx := context.Background()
	cfg := sqlstore.Config{Dialect: sqlstore.SQLite, Path: path}

	s, err := sqlstore.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	a, err := s.Enqueue(ctx, []byte("survivor"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlstore.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	it, err := s.DequeueOldest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, it.ID)
	assert.Equal(t, "survivor", string(it.Data))
}

func TestSQLStore_PoolExhaustionFailsFast(t *testing.T) {
	ctx := context.Background()
	s, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect:        sqlstore.SQLite,
		Path:           filepath.Join(t.TempDir(), "queue.sqlite"),
		PoolSize:       1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Enqueue(ctx, []byte("held"))
	require.NoError(t, err)

	// Hold the only connection inside a dequeue handoff and try to use the
	// pool from a second caller.
	inner := make(chan error, 1)
	_, err = s.DequeueOldest(ctx, func(store.Item) error {
		_, err := s.Len(ctx)
		inner <- err
		return nil
	})
	require.NoError(t, err)

	innerErr := <-inner
	require.ErrorIs(t, innerErr, store.ErrUnavailable)
}

func TestSQLStore_UnknownDialect(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), sqlstore.Config{Dialect: "oracle", DSN: "x"})
	require.Error(t, err)
}
