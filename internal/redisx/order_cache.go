package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OrderCache holds read projections for GET /orders/{id}. The store stays the
// source of truth; every applied transition drops the entry.
type OrderCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewOrderCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *OrderCache {
	return &OrderCache{rdb: rdb, ttl: ttl, logger: logger}
}

func (c *OrderCache) Get(ctx context.Context, id string) (*orders.Order, bool) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrder, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logx.Warn(ctx, c.logger, "order cache get", zap.String("order_id", id), zap.Error(err))
		return nil, false
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, false
	}
	return &o, true
}

func (c *OrderCache) Set(ctx context.Context, o *orders.Order) {
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, fmt.Sprintf(KeyOrder, o.ID), b, c.ttl).Err(); err != nil {
		logx.Warn(ctx, c.logger, "order cache set", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (c *OrderCache) Invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, fmt.Sprintf(KeyOrder, id)).Err(); err != nil {
		logx.Warn(ctx, c.logger, "order cache invalidate", zap.String("order_id", id), zap.Error(err))
	}
}
