package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(ctx context.Context, addr string) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return r, nil
}

// Claims is a SET NX based one-shot claim with expiry. It backs the checkout
// double-submit guard and webhook event dedup.
type Claims struct {
	rdb    *redis.Client
	format string
	ttl    time.Duration
}

// NewClaims stores claims under fmt.Sprintf(format, key).
func NewClaims(rdb *redis.Client, format string, ttl time.Duration) *Claims {
	return &Claims{rdb: rdb, format: format, ttl: ttl}
}

// NewDedup scopes a Claims to one consumer, e.g. "webhook" or "notifier".
func NewDedup(rdb *redis.Client, service string, ttl time.Duration) *Claims {
	return NewClaims(rdb, fmt.Sprintf(KeyDedup, service, "%s"), ttl)
}

func (c *Claims) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf(c.format, key), "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (c *Claims) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(c.format, key)).Err()
}
