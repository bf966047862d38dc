package checkout

import (
	"context"
	"sync"
)

// Guard claims an idempotency key for the duration of one checkout attempt,
// so a double submit arriving mid-flight is told to wait instead of charging
// twice.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: map[string]struct{}{}}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
