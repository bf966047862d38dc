package webhook

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers provider event ids for a bounded window. Claim reports
// true only for the first delivery; Release forgets a claim so a later
// redelivery is processed again.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

func dedupKey(provider, eventID string) string { return provider + ":" + eventID }

type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	// claims in expiry order; the ttl is fixed so appends stay sorted
	queue []claim
	now   func() time.Time
}

type claim struct {
	key string
	exp time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryDeduper) WithClock(now func() time.Time) *MemoryDeduper {
	d.now = now
	return d
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.prune(now)
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	exp := now.Add(d.ttl)
	d.seen[key] = exp
	d.queue = append(d.queue, claim{key: key, exp: exp})
	return true, nil
}

// prune drops claims whose window has passed, oldest first.
func (d *MemoryDeduper) prune(now time.Time) {
	i := 0
	for ; i < len(d.queue) && !now.Before(d.queue[i].exp); i++ {
		c := d.queue[i]
		// a released and re-claimed key has a newer expiry; leave it
		if exp, ok := d.seen[c.key]; ok && exp.Equal(c.exp) {
			delete(d.seen, c.key)
		}
	}
	d.queue = d.queue[i:]
}

// Len is the number of live claims.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
