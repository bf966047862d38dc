package stock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	mu       sync.Mutex
	onHand   int
	reserved int
	updated  time.Time
}

type memReservation struct {
	mu sync.Mutex
	r  Reservation
}

// MemoryLedger keeps the ledger in process. Each entry has its own mutex so
// contention stays scoped to one product variant.
type MemoryLedger struct {
	mu           sync.RWMutex
	entries      map[Key]*memEntry
	reservations map[string]*memReservation
	now          func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries:      map[Key]*memEntry{},
		reservations: map[string]*memReservation{},
		now:          time.Now,
	}
}

// WithClock swaps the time source; used by tests driving expiry.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func (l *MemoryLedger) Reserve(_ context.Context, lines []Line, ttl time.Duration) (*Reservation, error) {
	lines, err := normalize(lines)
	if err != nil {
		return nil, err
	}

	entries := make([]*memEntry, len(lines))
	l.mu.RLock()
	for i, ln := range lines {
		entries[i] = l.entries[ln.Key]
	}
	l.mu.RUnlock()

	// lines are sorted by key, so lock order is global
	locked := make([]*memEntry, 0, len(entries))
	defer func() {
		for _, e := range locked {
			e.mu.Unlock()
		}
	}()

	var short []Shortage
	for i, e := range entries {
		if e == nil {
			short = append(short, Shortage{Key: lines[i].Key, Requested: lines[i].Qty})
			continue
		}
		e.mu.Lock()
		locked = append(locked, e)
		if avail := e.onHand - e.reserved; avail < lines[i].Qty {
			short = append(short, Shortage{Key: lines[i].Key, Requested: lines[i].Qty, Available: avail})
		}
	}
	if len(short) > 0 {
		return nil, &ShortageError{Items: short}
	}

	now := l.now().UTC()
	for i, e := range entries {
		e.reserved += lines[i].Qty
		e.updated = now
	}

	res := Reservation{
		ID:        uuid.NewString(),
		Lines:     lines,
		State:     StateHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	l.mu.Lock()
	l.reservations[res.ID] = &memReservation{r: res}
	l.mu.Unlock()

	out := res
	return &out, nil
}

func (l *MemoryLedger) Confirm(_ context.Context, id string) error {
	return l.finalize(id, func(r *Reservation) (State, bool, error) {
		switch r.State {
		case StateConfirmed:
			return "", false, nil
		case StateHeld:
			return StateConfirmed, true, nil
		default:
			return "", false, ErrAlreadyFinalized
		}
	}, func(e *memEntry, qty int) {
		e.reserved -= qty
		e.onHand -= qty
	})
}

func (l *MemoryLedger) Release(_ context.Context, id string) error {
	return l.finalize(id, func(r *Reservation) (State, bool, error) {
		switch r.State {
		case StateReleased, StateExpired:
			return "", false, nil
		case StateHeld:
			return StateReleased, true, nil
		default:
			return "", false, ErrAlreadyFinalized
		}
	}, func(e *memEntry, qty int) {
		e.reserved -= qty
	})
}

func (l *MemoryLedger) Restock(_ context.Context, id string) error {
	return l.finalize(id, func(r *Reservation) (State, bool, error) {
		switch r.State {
		case StateReturned:
			return "", false, nil
		case StateConfirmed:
			return StateReturned, true, nil
		default:
			return "", false, ErrNotConsumed
		}
	}, func(e *memEntry, qty int) {
		e.onHand += qty
	})
}

func (l *MemoryLedger) ExpireDue(_ context.Context, now time.Time, limit int) (int, error) {
	l.mu.RLock()
	due := make([]string, 0)
	for id, rec := range l.reservations {
		rec.mu.Lock()
		if rec.r.Expired(now) {
			due = append(due, id)
		}
		rec.mu.Unlock()
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	l.mu.RUnlock()

	n := 0
	for _, id := range due {
		expired := false
		err := l.finalize(id, func(r *Reservation) (State, bool, error) {
			// re-check under the reservation lock, a confirm may have won
			if !r.Expired(now) {
				return "", false, nil
			}
			expired = true
			return StateExpired, true, nil
		}, func(e *memEntry, qty int) {
			e.reserved -= qty
		})
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// finalize moves a reservation out of its current state exactly once.
// decide returns the next state and whether entries must be touched.
func (l *MemoryLedger) finalize(id string, decide func(*Reservation) (State, bool, error), apply func(*memEntry, int)) error {
	l.mu.RLock()
	rec, ok := l.reservations[id]
	l.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	next, change, err := decide(&rec.r)
	if err != nil || !change {
		return err
	}

	l.mu.RLock()
	entries := make([]*memEntry, len(rec.r.Lines))
	for i, ln := range rec.r.Lines {
		entries[i] = l.entries[ln.Key]
	}
	l.mu.RUnlock()

	now := l.now().UTC()
	for i, e := range entries {
		e.mu.Lock()
		apply(e, rec.r.Lines[i].Qty)
		e.updated = now
		e.mu.Unlock()
	}
	rec.r.State = next
	rec.r.FinalizedAt = &now
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*Reservation, error) {
	l.mu.RLock()
	rec, ok := l.reservations[id]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := rec.r
	out.Lines = append([]Line(nil), rec.r.Lines...)
	return &out, nil
}

func (l *MemoryLedger) Entry(_ context.Context, key Key) (Entry, error) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Entry{Key: key, OnHand: e.onHand, Reserved: e.reserved, Updated: e.updated}, nil
}

func (l *MemoryLedger) AddStock(_ context.Context, key Key, delta int) (Entry, error) {
	if key.ProductID == "" {
		return Entry{}, ErrInvalidQuantity
	}
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		if delta < 0 {
			l.mu.Unlock()
			return Entry{}, ErrBelowReserved
		}
		e = &memEntry{}
		l.entries[key] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onHand+delta < e.reserved {
		return Entry{}, ErrBelowReserved
	}
	e.onHand += delta
	e.updated = l.now().UTC()
	return Entry{Key: key, OnHand: e.onHand, Reserved: e.reserved, Updated: e.updated}, nil
}
