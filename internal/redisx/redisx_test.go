package redisx_test

import (
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/testsuite"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type RedisSuite struct {
	testsuite.BaseSuite
}

func TestRedisSuite(t *testing.T) {
	suite.Run(t, new(RedisSuite))
}

func (s *RedisSuite) SetupSuite() {
	s.SkipIfShort()
	s.SetupRedis()
}

func (s *RedisSuite) TearDownSuite() { s.TearDownInfrastructure() }

func (s *RedisSuite) SetupTest() {
	s.Require().NoError(s.Redis.FlushDB(s.Ctx).Err())
}

func (s *RedisSuite) TestCheckoutGuard() {
	g := redisx.NewClaims(s.Redis, redisx.KeyIdemCheckout, time.Minute)

	ok, err := g.Claim(s.Ctx, "cart-1")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = g.Claim(s.Ctx, "cart-1")
	s.Require().NoError(err)
	s.False(ok)

	ttl, err := s.Redis.TTL(s.Ctx, "idem:checkout:cart-1").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))

	s.Require().NoError(g.Release(s.Ctx, "cart-1"))
	ok, err = g.Claim(s.Ctx, "cart-1")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *RedisSuite) TestDedupIsScopedPerConsumer() {
	hooks := redisx.NewDedup(s.Redis, "webhook", time.Hour)
	mail := redisx.NewDedup(s.Redis, "notifier", time.Hour)

	ok, _ := hooks.Claim(s.Ctx, "stripe:evt_1")
	s.True(ok)
	ok, _ = mail.Claim(s.Ctx, "stripe:evt_1")
	s.True(ok, "another consumer sees its own keyspace")

	n, err := s.Redis.Exists(s.Ctx, "dedup:webhook:stripe:evt_1").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *RedisSuite) TestOrderCache() {
	c := redisx.NewOrderCache(s.Redis, time.Minute, zap.NewNop())
	o := &orders.Order{
		ID:     "0d5c6d8e-1111-4a1b-9d3e-5b7f00000001",
		Status: orders.StatusProcessing,
		Totals: orders.Totals{TotalCents: 4950, Currency: "usd"},
		History: []orders.HistoryEntry{
			{Seq: 1, Status: orders.StatusPendingPayment, Actor: orders.ActorSystem, Applied: true},
		},
	}

	_, hit := c.Get(s.Ctx, o.ID)
	s.False(hit)

	c.Set(s.Ctx, o)
	got, hit := c.Get(s.Ctx, o.ID)
	s.Require().True(hit)
	s.Equal(o.Status, got.Status)
	s.Equal(o.Totals, got.Totals)
	s.Len(got.History, 1)

	c.Invalidate(s.Ctx, o.ID)
	_, hit = c.Get(s.Ctx, o.ID)
	s.False(hit)
}
