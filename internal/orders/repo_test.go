package orders_test

import (
	"testing"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/testsuite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type PGStoreSuite struct {
	testsuite.BaseSuite
	store *orders.PGStore
}

func TestPGStoreSuite(t *testing.T) {
	suite.Run(t, new(PGStoreSuite))
}

func (s *PGStoreSuite) SetupSuite() {
	s.SkipIfShort()
	s.SetupPostgres("../../migrations")
	s.store = orders.NewPGStore(s.DbPool, zap.NewNop())
}

func (s *PGStoreSuite) TearDownSuite() { s.TearDownInfrastructure() }

func (s *PGStoreSuite) SetupTest() {
	s.TruncateTable("order_status_history", "order_items", "orders")
}

func order(paymentID, key string) *orders.Order {
	return &orders.Order{
		PaymentID:      paymentID,
		Provider:       "stripe",
		PaymentStatus:  "captured",
		IdempotencyKey: key,
		CustomerID:     "cus_1",
		CustomerEmail:  "a@example.com",
		Items: []orders.Item{
			{ProductID: "mug", Name: "Mug", Qty: 2, UnitPriceCents: 1200},
			{ProductID: "tee", Variant: "L", Name: "T-Shirt", Qty: 1, UnitPriceCents: 2500},
		},
		Totals: orders.Totals{SubtotalCents: 4900, ShippingCents: 500, TaxCents: 490, TotalCents: 5890, Currency: "usd"},
	}
}

func (s *PGStoreSuite) TestCreateAndLookups() {
	o := order("pi_1", "cart-1")
	s.Require().NoError(s.store.Create(s.Ctx, o))
	s.NotEmpty(o.ID)
	s.Equal(orders.StatusPendingPayment, o.Status)

	got, err := s.store.Get(s.Ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(o.Totals, got.Totals)
	s.Require().Len(got.Items, 2)
	s.Equal("L", got.Items[1].Variant)
	s.Require().Len(got.History, 1)
	s.Equal(orders.ActorSystem, got.History[0].Actor)

	byPay, err := s.store.GetByPaymentID(s.Ctx, "pi_1")
	s.Require().NoError(err)
	s.Equal(o.ID, byPay.ID)

	byKey, err := s.store.GetByIdempotencyKey(s.Ctx, "cart-1")
	s.Require().NoError(err)
	s.Equal(o.ID, byKey.ID)

	_, err = s.store.Get(s.Ctx, uuid.NewString())
	s.ErrorIs(err, orders.ErrNotFound)
	_, err = s.store.Get(s.Ctx, "not-a-uuid")
	s.ErrorIs(err, orders.ErrNotFound)
}

func (s *PGStoreSuite) TestDuplicatesMapToSentinels() {
	s.Require().NoError(s.store.Create(s.Ctx, order("pi_1", "cart-1")))

	s.ErrorIs(s.store.Create(s.Ctx, order("pi_1", "cart-2")), orders.ErrDuplicatePayment)
	s.ErrorIs(s.store.Create(s.Ctx, order("pi_2", "cart-1")), orders.ErrDuplicateIdempotencyKey)

	// orders without a key never collide on it
	s.NoError(s.store.Create(s.Ctx, order("pi_3", "")))
	s.NoError(s.store.Create(s.Ctx, order("pi_4", "")))
}

func (s *PGStoreSuite) TestTransitionHistory() {
	o := order("pi_1", "")
	s.Require().NoError(s.store.Create(s.Ctx, o))

	res, err := s.store.Transition(s.Ctx, o.ID, orders.TransitionRequest{
		To: orders.StatusProcessing, Actor: orders.ActorWebhook, Note: "stripe payment_intent.succeeded", PaymentStatus: "captured",
	})
	s.Require().NoError(err)
	s.True(res.Applied)
	s.Equal(orders.StatusPendingPayment, res.From)

	res, err = s.store.Transition(s.Ctx, o.ID, orders.TransitionRequest{To: orders.StatusProcessing, Actor: orders.ActorSystem})
	s.Require().NoError(err)
	s.False(res.Applied)
	s.Len(res.Order.History, 2, "same status records nothing")

	res, err = s.store.Transition(s.Ctx, o.ID, orders.TransitionRequest{To: orders.StatusPendingPayment, Actor: orders.ActorWebhook, Note: "late"})
	s.Require().NoError(err)
	s.False(res.Applied)
	s.Equal(orders.StatusProcessing, res.Order.Status)

	_, err = s.store.Transition(s.Ctx, o.ID, orders.TransitionRequest{To: orders.StatusDelivered, Actor: orders.ActorAdmin})
	s.ErrorIs(err, orders.ErrInvalidTransition)

	res, err = s.store.Transition(s.Ctx, o.ID, orders.TransitionRequest{To: orders.StatusShipped, Actor: orders.SubAdmin("wh1")})
	s.Require().NoError(err)
	s.True(res.Applied)

	got, err := s.store.Get(s.Ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(orders.StatusShipped, got.Status)
	s.Equal("captured", got.PaymentStatus)
	s.Require().Len(got.History, 4)
	s.False(got.History[2].Applied)
	s.Equal("late", got.History[2].Note)
	s.Equal(orders.SubAdmin("wh1"), got.History[3].Actor)
	for i, h := range got.History {
		s.Equal(i+1, h.Seq)
	}
}

func (s *PGStoreSuite) TestTransitionUnknownOrder() {
	_, err := s.store.Transition(s.Ctx, uuid.NewString(), orders.TransitionRequest{To: orders.StatusCancelled, Actor: orders.ActorAdmin})
	s.ErrorIs(err, orders.ErrNotFound)
}
