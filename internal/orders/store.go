package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound                = errors.New("order not found")
	ErrDuplicatePayment        = errors.New("order already exists for payment")
	ErrDuplicateIdempotencyKey = errors.New("order already exists for idempotency key")
	ErrInvalidTransition       = errors.New("invalid status transition")
)

// Store owns orders and their append-only status history.
//
// Transition is the only way status changes. It applies Decide under a
// per-order lock and appends to history in the same atomic step.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	Transition(ctx context.Context, id string, req TransitionRequest) (TransitionResult, error)
}

// prepare fills server-side fields of a new order. History starts with the
// creation entry.
func prepare(o *Order, now time.Time) {
	if o.Status == "" {
		o.Status = StatusPendingPayment
	}
	o.CreatedAt, o.UpdatedAt = now, now
	o.History = []HistoryEntry{{
		Seq:     1,
		Status:  o.Status,
		Note:    "order created",
		Actor:   ActorSystem,
		At:      now,
		Applied: true,
	}}
}
