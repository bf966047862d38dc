package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/google/uuid"
)

var ErrEntryNotFound = errors.New("inbox entry not found")

type EntryState string

const (
	EntryPending EntryState = "pending"
	EntryDone    EntryState = "done"
	EntryDead    EntryState = "dead"
)

// Entry is a verified, deduplicated event whose processing failed and is
// waiting for another attempt. Attempts counts failed tries so far.
type Entry struct {
	ID            string
	Event         payment.Event
	State         EntryState
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Inbox holds webhook events that must not be lost after the provider has
// been acked. Enqueue is idempotent per (provider, event id).
//
// Lease hands out due pending entries and pushes their next attempt to
// leaseUntil, so two workers never pick the same entry at once.
type Inbox interface {
	Enqueue(ctx context.Context, ev payment.Event, firstAttempt time.Time, cause error) error
	Lease(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Entry, error)
	Complete(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, at time.Time, cause error) error
	Bury(ctx context.Context, id string, cause error) error
}

type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]*Entry
	byEvent map[string]string
	now     func() time.Time
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		entries: map[string]*Entry{},
		byEvent: map[string]string{},
		now:     time.Now,
	}
}

func (m *MemoryInbox) Enqueue(_ context.Context, ev payment.Event, firstAttempt time.Time, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dedupKey(ev.Provider, ev.ID)
	if _, ok := m.byEvent[key]; ok {
		return nil
	}
	e := &Entry{
		ID:            uuid.NewString(),
		Event:         ev,
		State:         EntryPending,
		Attempts:      1,
		NextAttemptAt: firstAttempt,
		LastError:     errString(cause),
		CreatedAt:     m.now(),
	}
	m.entries[e.ID] = e
	m.byEvent[key] = e.ID
	return nil
}

func (m *MemoryInbox) Lease(_ context.Context, now, leaseUntil time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Entry
	for _, e := range m.entries {
		if e.State == EntryPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Entry, 0, len(due))
	for _, e := range due {
		out = append(out, *e)
		e.NextAttemptAt = leaseUntil
	}
	return out, nil
}

func (m *MemoryInbox) Complete(_ context.Context, id string) error {
	return m.update(id, func(e *Entry) { e.State = EntryDone })
}

func (m *MemoryInbox) Reschedule(_ context.Context, id string, at time.Time, cause error) error {
	return m.update(id, func(e *Entry) {
		e.Attempts++
		e.NextAttemptAt = at
		e.LastError = errString(cause)
	})
}

func (m *MemoryInbox) Bury(_ context.Context, id string, cause error) error {
	return m.update(id, func(e *Entry) {
		e.Attempts++
		e.State = EntryDead
		e.LastError = errString(cause)
	})
}

// Entries returns a snapshot, oldest first.
func (m *MemoryInbox) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryInbox) update(id string, fn func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	fn(e)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
