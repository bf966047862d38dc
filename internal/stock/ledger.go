package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("reservation not found")
	ErrAlreadyFinalized  = errors.New("reservation already finalized")
	ErrNotConsumed       = errors.New("reservation was not confirmed")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrEmptyReservation  = errors.New("reservation has no lines")
	ErrBelowReserved     = errors.New("on hand would drop below reserved")
	ErrEntryNotFound     = errors.New("stock entry not found")
)

// Ledger tracks on-hand and reserved quantity per product variant.
//
// Reserve is all-or-nothing. Confirm, Release and Restock are idempotent:
// repeating one on a reservation already in its target state is a no-op.
type Ledger interface {
	Reserve(ctx context.Context, lines []Line, ttl time.Duration) (*Reservation, error)
	Confirm(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	Restock(ctx context.Context, reservationID string) error
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)

	Get(ctx context.Context, reservationID string) (*Reservation, error)
	Entry(ctx context.Context, key Key) (Entry, error)
	AddStock(ctx context.Context, key Key, delta int) (Entry, error)
}

type Shortage struct {
	Key       Key `json:"key"`
	Requested int `json:"requested"`
	Available int `json:"available"`
}

// ShortageError lists every line that could not be held.
type ShortageError struct {
	Items []Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, s := range e.Items {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.Key, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *ShortageError) Is(target error) bool { return target == ErrInsufficientStock }
