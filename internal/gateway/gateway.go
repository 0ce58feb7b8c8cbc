// Package gateway composes the queue store, identifier codec and access
// filter into the three operations exposed to clients: Enqueue, Deliver and
// Status.
//
// The Service holds no queue state of its own; the injected store.Store is
// the only source of truth. Store faults are converted into
// ErrStoreUnavailable here, logged with the operation name, and never retried.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/fifogate/internal/access"
	"github.com/snehjoshi/fifogate/internal/ident"
	"github.com/snehjoshi/fifogate/internal/metrics"
	"github.com/snehjoshi/fifogate/internal/store"
)

var (
	// ErrInvalidInput is a caller error: the payload is missing or empty.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden means the caller is not on the delivery allow-list.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means nothing is queued, or the identifier is no longer queued.
	ErrNotFound = errors.New("not found")
	// ErrMalformed means the identifier could not be parsed.
	ErrMalformed = errors.New("malformed identifier")
	// ErrStoreUnavailable is a transient infrastructure fault. Safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAborted accompanies ErrStoreUnavailable when the handoff failed or
	// the caller went away. The item stays queued.
	ErrAborted = errors.New("delivery aborted")
)

// State is the lifecycle state reported by Status.
type State string

const (
	// StateQueued means the item is still waiting for delivery.
	StateQueued State = "queued"
	// StateDeliveredOrUnknown means the item is not queued: it was
	// delivered, or the identifier never existed. No retention log exists
	// to tell the two apart.
	StateDeliveredOrUnknown State = "delivered_or_unknown"
)

// Status is the result of a status lookup.
type Status struct {
	State State
	// Position is the number of queued items with an id at or before this
	// one. It is a lower bound on items ahead once deliveries by identifier
	// have removed rows out of order. Zero when not queued.
	Position int64
}

// Delivery is an item handed to a consumer.
type Delivery struct {
	// ID is the item's storage key, the first field of its identifier.
	ID   int64
	Data []byte
}

// Handoff receives a delivery before the store commits its removal. Any
// error rolls the removal back.
type Handoff func(Delivery) error

// Service implements the gateway operations. It is safe for concurrent use.
type Service struct {
	store   store.Store
	allow   *access.Filter
	metrics *metrics.Registry
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns a Service over st that admits Deliver callers matched by allow.
func New(st store.Store, allow *access.Filter, opts ...Option) *Service {
	s := &Service{
		store:   st,
		allow:   allow,
		metrics: &metrics.Registry{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "gateway")
	return s
}

// Enqueue stores payload and returns the identifier the producer can use to
// query status or request this specific item.
func (s *Service) Enqueue(ctx context.Context, payload []byte) (string, error) {
	const op = "enqueue"
	if len(payload) == 0 {
		s.outcome(op, "invalid_input")
		return "", ErrInvalidInput
	}

	it, err := s.store.Enqueue(ctx, payload)
	if err != nil {
		return "", s.storeError(op, err)
	}

	id, err := ident.Encode(it.ID, it.EnqueuedAt.Unix())
	if err != nil {
		// The row is already durable; the producer loses its handle but the
		// item will still be delivered in FIFO order.
		s.logger.Error("identifier encode failed", "op", op, "id", it.ID, "err", err)
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.metrics.Enqueued.Add(1)
	s.logger.Debug("item enqueued", "id", it.ID, "bytes", len(payload))
	return id, nil
}

// Deliver removes and returns one item. With an empty identifier it is the
// oldest queued item; otherwise exactly the item the identifier names.
//
// The caller address is checked against the allow-list before anything
// else; a rejected call has no side effects.
func (s *Service) Deliver(ctx context.Context, caller, identifier string, h Handoff) (Delivery, error) {
	mode := "fifo"
	if identifier != "" {
		mode = "by_id"
	}
	return s.deliver(ctx, caller, identifier, mode, h)
}

// Push is Deliver of the oldest item on behalf of a push session. It is
// counted under the "push" delivery mode.
func (s *Service) Push(ctx context.Context, caller string, h Handoff) (Delivery, error) {
	return s.deliver(ctx, caller, "", "push", h)
}

func (s *Service) deliver(ctx context.Context, caller, identifier, mode string, h Handoff) (Delivery, error) {
	const op = "deliver"
	if !s.allow.IsAllowed(caller) {
		s.outcome(op, "forbidden")
		s.logger.Warn("delivery denied", "caller", caller)
		return Delivery{}, ErrForbidden
	}

	var (
		it  store.Item
		err error
	)
	handoff := s.wrapHandoff(h)
	if identifier == "" {
		it, err = s.store.DequeueOldest(ctx, handoff)
	} else {
		id, derr := ident.Decode(identifier)
		if derr != nil {
			s.outcome(op, "malformed")
			return Delivery{}, fmt.Errorf("%w: %w", ErrMalformed, derr)
		}
		it, err = s.store.DequeueByID(ctx, id, handoff)
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		s.outcome(op, "not_found")
		return Delivery{}, ErrNotFound
	case errors.Is(err, store.ErrAborted) || ctx.Err() != nil:
		s.outcome(op, "aborted")
		s.logger.Warn("delivery aborted, item left queued", "op", op, "mode", mode, "err", err)
		return Delivery{}, fmt.Errorf("%w: %w: %w", ErrStoreUnavailable, ErrAborted, err)
	default:
		return Delivery{}, s.storeError(op, err)
	}

	s.metrics.Delivered.Inc(mode)
	s.logger.Debug("item delivered", "id", it.ID, "mode", mode, "caller", caller)
	return toDelivery(it), nil
}

// Status reports whether identifier is still queued and, if so, its
// approximate queue position.
func (s *Service) Status(ctx context.Context, identifier string) (Status, error) {
	const op = "status"
	id, err := ident.Decode(identifier)
	if err != nil {
		s.outcome(op, "malformed")
		return Status{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	pos, err := s.store.Position(ctx, id)
	switch {
	case err == nil:
		return Status{State: StateQueued, Position: pos}, nil
	case errors.Is(err, store.ErrNotFound):
		return Status{State: StateDeliveredOrUnknown}, nil
	default:
		return Status{}, s.storeError(op, err)
	}
}

// Depth returns the number of queued items.
func (s *Service) Depth(ctx context.Context) (int64, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		return 0, s.storeError("depth", err)
	}
	return n, nil
}

// AllowDeliver reports whether caller may deliver. Used by transports that
// must reject a caller before a long-lived session starts.
func (s *Service) AllowDeliver(caller string) bool {
	return s.allow.IsAllowed(caller)
}

// wrapHandoff adapts a Handoff to the store's item-level callback.
func (s *Service) wrapHandoff(h Handoff) store.Handoff {
	if h == nil {
		return nil
	}
	return func(it store.Item) error { return h(toDelivery(it)) }
}

func toDelivery(it store.Item) Delivery {
	return Delivery{ID: it.ID, Data: it.Data}
}

func (s *Service) storeError(op string, err error) error {
	s.metrics.StoreErrors.Inc(op)
	s.logger.Error("store operation failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, op)
}

func (s *Service) outcome(op, outcome string) {
	s.metrics.Outcomes.Inc(metrics.OutcomeKey(op, outcome))
}
