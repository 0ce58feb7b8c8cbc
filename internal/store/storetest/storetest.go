// Package storetest is a conformance suite shared by every store.Store
// backend. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/fifogate/internal/store"
)

// Factory returns a fresh, empty, migrated store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EnqueueAssignsIncreasingIDs", testEnqueueAssignsIncreasingIDs},
		{"EnqueueRejectsEmpty", testEnqueueRejectsEmpty},
		{"DequeueOldestIsFIFO", testDequeueOldestIsFIFO},
		{"DequeueEmpty", testDequeueEmpty},
		{"DequeueByID", testDequeueByID},
		{"DequeueByIDTwice", testDequeueByIDTwice},
		{"IDsNeverReused", testIDsNeverReused},
		{"HandoffErrorRollsBack", testHandoffErrorRollsBack},
		{"CancelledContextRollsBack", testCancelledContextRollsBack},
		{"CountAtOrBefore", testCountAtOrBefore},
		{"Position", testPosition},
		{"ConcurrentEnqueueDequeue", testConcurrentEnqueueDequeue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func enqueue(t *testing.T, s store.Store, payload string) store.Item {
	t.Helper()
	it, err := s.Enqueue(context.Background(), []byte(payload))
	require.NoError(t, err)
	return it
}

func testEnqueueAssignsIncreasingIDs(t *testing.T, s store.Store) {
	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b")

	assert.Positive(t, a.ID)
	assert.Greater(t, b.ID, a.ID)
	assert.False(t, b.EnqueuedAt.Before(a.EnqueuedAt))
	assert.Equal(t, []byte("a"), a.Data)
}

func testEnqueueRejectsEmpty(t *testing.T, s store.Store) {
	_, err := s.Enqueue(context.Background(), nil)
	require.ErrorIs(t, err, store.ErrInvalidInput)

	n, err := s.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDequeueOldestIsFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, "hello")
	enqueue(t, s, "world")

	it, err := s.DequeueOldest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(it.Data))

	it, err = s.DequeueOldest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "world", string(it.Data))

	_, err = s.DequeueOldest(ctx, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testDequeueEmpty(t *testing.T, s store.Store) {
	_, err := s.DequeueOldest(context.Background(), nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, store.ErrUnavailable)
}

func testDequeueByID(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := enqueue(t, s, "first")
	second := enqueue(t, s, "second")

	it, err := s.DequeueByID(ctx, second.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, it.ID)
	assert.Equal(t, "second", string(it.Data))
	assert.Equal(t, second.EnqueuedAt.Unix(), it.EnqueuedAt.Unix())

	it, err = s.DequeueOldest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, it.ID)
}

func testDequeueByIDTwice(t *testing.T, s store.Store) {
	ctx := context.Background()
	x := enqueue(t, s, "x")
	enqueue(t, s, "y")

	it, err := s.DequeueByID(ctx, x.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", string(it.Data))

	_, err = s.DequeueByID(ctx, x.ID, nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.DequeueByID(ctx, 999_999, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testIDsNeverReused(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b")

	_, err := s.DequeueByID(ctx, b.ID, nil)
	require.NoError(t, err)
	_, err = s.DequeueByID(ctx, a.ID, nil)
	require.NoError(t, err)

	c := enqueue(t, s, "c")
	assert.Greater(t, c.ID, b.ID)
}

func testHandoffErrorRollsBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := enqueue(t, s, "a")

	boom := errors.New("response write failed")
	var seen store.Item
	_, err := s.DequeueOldest(ctx, func(it store.Item) error {
		seen = it
		return boom
	})
	require.ErrorIs(t, err, store.ErrAborted)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, a.ID, seen.ID)

	it, err := s.DequeueOldest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, it.ID)
}

func testCancelledContextRollsBack(t *testing.T, s store.Store) {
	a := enqueue(t, s, "a")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.DequeueByID(ctx, a.ID, func(store.Item) error {
		cancel()
		return nil
	})
	require.Error(t, err)

	n, err := s.Position(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testCountAtOrBefore(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b")
	c := enqueue(t, s, "c")

	n, err := s.CountAtOrBefore(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.DequeueByID(ctx, a.ID, nil)
	require.NoError(t, err)

	n, err = s.CountAtOrBefore(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountAtOrBefore(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testPosition(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b")

	n, err := s.Position(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.DequeueOldest(ctx, nil)
	require.NoError(t, err)

	_, err = s.Position(ctx, a.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err = s.Position(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	depth, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func testConcurrentEnqueueDequeue(t *testing.T, s store.Store) {
	const n = 40
	ctx := context.Background()

	want := make([]string, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("payload-%02d", i)
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if _, err := s.Enqueue(ctx, []byte(p)); err != nil {
				errs <- err
			}
		}(want[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	derrs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, err := s.DequeueOldest(ctx, nil)
			if err != nil {
				derrs <- err
				return
			}
			mu.Lock()
			got = append(got, string(it.Data))
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(derrs)
	for err := range derrs {
		require.NoError(t, err)
	}

	sort.Strings(got)
	assert.Equal(t, want, got, "every payload delivered exactly once")

	_, err := s.DequeueOldest(ctx, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// SharedFactory returns two independent stores over one empty database, as
// two gateway replicas would see it. The suite closes both.
type SharedFactory func(t *testing.T) (store.Store, store.Store)

// RunShared checks that stores sharing one database agree on FIFO order.
func RunShared(t *testing.T, newPair SharedFactory) {
	t.Helper()

	t.Run("InterleavedEnqueueIsFIFO", func(t *testing.T) {
		a, b := newPair(t)
		t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
		ctx := context.Background()

		var (
			want []string
			prev store.Item
		)
		for i := 0; i < 6; i++ {
			s := a
			if i%2 == 1 {
				s = b
			}
			p := fmt.Sprintf("item-%d", i)
			it := enqueue(t, s, p)
			if i > 0 {
				assert.Greater(t, it.ID, prev.ID)
				assert.True(t, it.EnqueuedAt.After(prev.EnqueuedAt),
					"enqueued_at must increase across stores: %v then %v", prev.EnqueuedAt, it.EnqueuedAt)
			}
			prev = it
			want = append(want, p)
		}

		for i, p := range want {
			s := b
			if i%2 == 1 {
				s = a
			}
			it, err := s.DequeueOldest(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, p, string(it.Data))
		}
	})
}
