package checkout

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

// Catalog resolves names and prices server side; the client never sends
// prices.
type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
}

type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewMemoryCatalog(ps ...Product) *MemoryCatalog {
	c := &MemoryCatalog{products: map[string]Product{}}
	for _, p := range ps {
		c.products[p.ID] = p
	}
	return c
}

func (c *MemoryCatalog) Put(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

func (c *MemoryCatalog) Products(_ context.Context, ids []string) (map[string]Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type PGCatalog struct{ DB *pgxpool.Pool }

func (c *PGCatalog) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := c.DB.Query(ctx, `SELECT id, name, price_cents FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	ps, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Product])
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}
	out := make(map[string]Product, len(ps))
	for _, p := range ps {
		out[p.ID] = p
	}
	return out, nil
}

// Upsert is used by admin stocking to register a product before its first
// stock entry.
func (c *PGCatalog) Upsert(ctx context.Context, p Product) error {
	_, err := c.DB.Exec(ctx, `
		INSERT INTO products(id, name, price_cents, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price_cents = EXCLUDED.price_cents, updated_at = now()`,
		p.ID, p.Name, p.PriceCents)
	return err
}

func (c *MemoryCatalog) Upsert(_ context.Context, p Product) error {
	c.Put(p)
	return nil
}
