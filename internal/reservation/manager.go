package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/stock"
	"go.uber.org/zap"
)

type Item struct {
	ProductID string
	Variant   string
	Qty       int
}

// InsufficientStockError names the first cart line that could not be held,
// plus every shortage found in the same attempt.
type InsufficientStockError struct {
	Item      Item
	Available int
	All       []stock.Shortage
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		stock.Key{ProductID: e.Item.ProductID, Variant: e.Item.Variant}, e.Item.Qty, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return stock.ErrInsufficientStock }

// Manager turns a cart into a time-bounded hold and settles it once the
// payment outcome is known. A failed hold is never retried here: the shopper
// has to decide again.
type Manager struct {
	ledger stock.Ledger
	ttl    time.Duration
	logger *zap.Logger
}

func NewManager(ledger stock.Ledger, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{ledger: ledger, ttl: ttl, logger: logger}
}

func (m *Manager) Hold(ctx context.Context, cart []Item) (*stock.Reservation, error) {
	lines := make([]stock.Line, 0, len(cart))
	for _, it := range cart {
		lines = append(lines, stock.Line{
			Key: stock.Key{ProductID: it.ProductID, Variant: it.Variant},
			Qty: it.Qty,
		})
	}

	res, err := m.ledger.Reserve(ctx, lines, m.ttl)
	if err == nil {
		logx.Debug(ctx, m.logger, "stock held",
			zap.String("reservation_id", res.ID),
			zap.Time("expires_at", res.ExpiresAt),
		)
		return res, nil
	}

	var se *stock.ShortageError
	if errors.As(err, &se) && len(se.Items) > 0 {
		all := inCartOrder(cart, se.Items)
		first := all[0]
		return nil, &InsufficientStockError{
			Item:      Item{ProductID: first.Key.ProductID, Variant: first.Key.Variant, Qty: first.Requested},
			Available: first.Available,
			All:       all,
		}
	}
	return nil, fmt.Errorf("hold stock: %w", err)
}

// inCartOrder reorders the ledger's key-sorted shortages to follow the cart.
func inCartOrder(cart []Item, short []stock.Shortage) []stock.Shortage {
	byKey := make(map[stock.Key]stock.Shortage, len(short))
	for _, sh := range short {
		byKey[sh.Key] = sh
	}
	out := make([]stock.Shortage, 0, len(short))
	for _, it := range cart {
		k := stock.Key{ProductID: it.ProductID, Variant: it.Variant}
		if sh, ok := byKey[k]; ok {
			out = append(out, sh)
			delete(byKey, k)
		}
	}
	if len(out) < len(short) {
		// keys the cart never named; keep them so nothing is lost
		for _, sh := range short {
			if _, ok := byKey[sh.Key]; ok {
				out = append(out, sh)
			}
		}
	}
	return out
}

func (m *Manager) Confirm(ctx context.Context, reservationID string) error {
	if err := m.ledger.Confirm(ctx, reservationID); err != nil {
		return fmt.Errorf("confirm reservation %s: %w", reservationID, err)
	}
	return nil
}

func (m *Manager) Release(ctx context.Context, reservationID string) error {
	if err := m.ledger.Release(ctx, reservationID); err != nil {
		return fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	return nil
}

// Return gives consumed stock back to on-hand after a cancellation.
func (m *Manager) Return(ctx context.Context, reservationID string) error {
	if err := m.ledger.Restock(ctx, reservationID); err != nil {
		return fmt.Errorf("restock reservation %s: %w", reservationID, err)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, reservationID string) (*stock.Reservation, error) {
	return m.ledger.Get(ctx, reservationID)
}
