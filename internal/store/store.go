// Package store defines the queue store abstraction used by the gateway.
//
// The gateway only ever talks to storage through the Store interface. The
// backing engine (a pooled relational database or an embedded bbolt file) is
// chosen at startup and injected; nothing above this package issues SQL or
// touches files directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the queue is empty or the requested item
	// is no longer queued.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidInput is returned when an item payload is empty.
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrUnavailable wraps every infrastructure fault: pool exhaustion,
	// acquisition deadline, transaction or driver failure.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrAborted is returned when a Handoff failed or the caller went away
	// before commit. The removal was rolled back.
	ErrAborted = errors.New("store: delivery aborted")
)

// Item is a single queued payload.
type Item struct {
	// ID is assigned by the store on insert. It increases monotonically and
	// is never reused, even after the item is delivered.
	ID int64

	// Data is the opaque producer payload. Never empty.
	Data []byte

	// EnqueuedAt is assigned by the store at insert time and defines FIFO
	// order. Ties are broken by ID.
	EnqueuedAt time.Time
}

// Handoff is invoked by the dequeue operations after the item has been
// removed inside the transaction but before the transaction commits.
// Returning an error rolls the removal back and the item stays queued.
type Handoff func(Item) error

// Store is the durable, ordered queue table.
//
// Every method runs in exactly one transaction on exactly one pooled
// connection and releases both on every exit path. All methods are safe for
// concurrent use.
type Store interface {
	// Enqueue inserts data and returns the stored item.
	Enqueue(ctx context.Context, data []byte) (Item, error)

	// DequeueOldest removes and returns the item with the smallest
	// (EnqueuedAt, ID). Returns ErrNotFound when the queue is empty.
	DequeueOldest(ctx context.Context, h Handoff) (Item, error)

	// DequeueByID removes and returns the item with the given ID.
	// Returns ErrNotFound when it is not queued.
	DequeueByID(ctx context.Context, id int64, h Handoff) (Item, error)

	// CountAtOrBefore returns how many queued items have an ID <= id.
	// Deliveries by ID remove arbitrary rows, so this is a lower bound on
	// the number of items ahead, not an exact wait position.
	CountAtOrBefore(ctx context.Context, id int64) (int64, error)

	// Position reports CountAtOrBefore(id) if id is still queued, reading
	// both in the same transaction. Returns ErrNotFound otherwise.
	Position(ctx context.Context, id int64) (int64, error)

	// Len returns the number of queued items.
	Len(ctx context.Context) (int64, error)

	// Close releases the connection pool or file handle.
	Close() error
}

// RunHandoff calls h when it is non-nil and checks that ctx is still live.
// Any failure is wrapped in ErrAborted; backends roll back on it.
func RunHandoff(ctx context.Context, h Handoff, it Item) error {
	if h != nil {
		if err := h(it); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return nil
}
