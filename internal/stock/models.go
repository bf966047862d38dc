package stock

import (
	"sort"
	"time"
)

// Key identifies a stock entry: one product variant (size+color etc.).
// Products without variants use an empty Variant.
type Key struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant"`
}

func (k Key) String() string {
	if k.Variant == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.Variant
}

func (k Key) less(o Key) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	return k.Variant < o.Variant
}

type Entry struct {
	Key      Key       `json:"key"`
	OnHand   int       `json:"on_hand"`
	Reserved int       `json:"reserved"`
	Updated  time.Time `json:"updated_at"`
}

func (e Entry) Available() int { return e.OnHand - e.Reserved }

type Line struct {
	Key Key `json:"key"`
	Qty int `json:"qty"`
}

type State string

const (
	StateHeld      State = "held"
	StateConfirmed State = "confirmed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
	// returned: confirmed stock given back to onHand after a cancellation
	StateReturned State = "returned"
)

type Reservation struct {
	ID          string     `json:"id"`
	Lines       []Line     `json:"lines"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

func (r *Reservation) Expired(now time.Time) bool {
	return r.State == StateHeld && !now.Before(r.ExpiresAt)
}

// normalize merges duplicate keys and orders lines by key, so every
// implementation locks entries in the same order.
func normalize(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyReservation
	}
	sum := make(map[Key]int, len(lines))
	for _, l := range lines {
		if l.Qty <= 0 || l.Key.ProductID == "" {
			return nil, ErrInvalidQuantity
		}
		sum[l.Key] += l.Qty
	}
	out := make([]Line, 0, len(sum))
	for k, q := range sum {
		out = append(out, Line{Key: k, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out, nil
}
