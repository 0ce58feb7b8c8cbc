package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive ErrUnavailable results
	// that opens the circuit. Zero disables the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before a single trial
	// request is let through.
	ResetTimeout time.Duration
}

// Guarded wraps a Store so that, once the backend has failed
// FailureThreshold times in a row, calls fail immediately with
// ErrUnavailable instead of queueing on an exhausted pool.
type Guarded struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

var _ Store = (*Guarded)(nil)

// Guard returns s wrapped in a circuit breaker. When cfg.FailureThreshold is
// zero s is returned unchanged.
func Guard(s Store, name string, cfg BreakerConfig, logger *slog.Logger) Store {
	if cfg.FailureThreshold == 0 {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Only infrastructure faults count against the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				slog.String("store", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Guarded{inner: s, cb: cb}
}

// State reports the breaker state ("closed", "open", "half-open").
func (g *Guarded) State() string { return g.cb.State().String() }

func (g *Guarded) Enqueue(ctx context.Context, data []byte) (Item, error) {
	return execute(g, func() (Item, error) { return g.inner.Enqueue(ctx, data) })
}

func (g *Guarded) DequeueOldest(ctx context.Context, h Handoff) (Item, error) {
	return execute(g, func() (Item, error) { return g.inner.DequeueOldest(ctx, h) })
}

func (g *Guarded) DequeueByID(ctx context.Context, id int64, h Handoff) (Item, error) {
	return execute(g, func() (Item, error) { return g.inner.DequeueByID(ctx, id, h) })
}

func (g *Guarded) CountAtOrBefore(ctx context.Context, id int64) (int64, error) {
	return execute(g, func() (int64, error) { return g.inner.CountAtOrBefore(ctx, id) })
}

func (g *Guarded) Position(ctx context.Context, id int64) (int64, error) {
	return execute(g, func() (int64, error) { return g.inner.Position(ctx, id) })
}

func (g *Guarded) Len(ctx context.Context) (int64, error) {
	return execute(g, func() (int64, error) { return g.inner.Len(ctx) })
}

func (g *Guarded) Close() error { return g.inner.Close() }

func execute[T any](g *Guarded, fn func() (T, error)) (T, error) {
	var zero T
	v, err := g.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		// fn's result is still returned alongside a business error such as
		// ErrNotFound; callers only look at err in that case.
		if t, ok := v.(T); ok {
			return t, err
		}
		return zero, err
	}
	return v.(T), nil
}
