package webhook

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment/paymenttest"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/reservation"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/stock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

var capRed = stock.Key{ProductID: "cap", Variant: "red"}

// downStore fails payment lookups while down is positive.
type downStore struct {
	orders.Store
	mu   sync.Mutex
	down int
}

func (d *downStore) GetByPaymentID(ctx context.Context, id string) (*orders.Order, error) {
	d.mu.Lock()
	if d.down > 0 {
		d.down--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	return d.Store.GetByPaymentID(ctx, id)
}

type brokenInbox struct{ *MemoryInbox }

func (brokenInbox) Enqueue(context.Context, payment.Event, time.Time, error) error {
	return errors.New("inbox unavailable")
}

type ReconcilerSuite struct {
	suite.Suite

	now    time.Time
	ledger *stock.MemoryLedger
	store  *downStore
	dedup  *MemoryDeduper
	inbox  *MemoryInbox
	gw     *paymenttest.Stub
	engine *fulfillment.Engine
	rec    *Reconciler
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	s.ledger = stock.NewMemoryLedger().WithClock(clock)
	_, err := s.ledger.AddStock(context.Background(), capRed, 4)
	s.Require().NoError(err)

	m := metrics.NewNop()
	s.store = &downStore{Store: orders.NewMemoryStore()}
	s.dedup = NewMemoryDeduper(48 * time.Hour).WithClock(clock)
	s.inbox = NewMemoryInbox()
	s.gw = paymenttest.New(payment.ProviderStripe)
	mgr := reservation.NewManager(s.ledger, 15*time.Minute, zap.NewNop())
	s.engine = fulfillment.NewEngine(s.store, mgr, m, zap.NewNop())
	s.rec = s.newReconciler(s.inbox)
}

func (s *ReconcilerSuite) newReconciler(inbox Inbox) *Reconciler {
	r := NewReconciler(payment.NewRegistry(s.gw), s.dedup, s.store, s.engine, inbox,
		Options{RetryDelay: time.Second}, metrics.NewNop(), zap.NewNop())
	r.now = func() time.Time { return s.now }
	return r
}

// order places a pending order holding qty caps, optionally already paid.
func (s *ReconcilerSuite) order(paymentID string, qty int, paid bool) *orders.Order {
	ctx := context.Background()
	hold, err := s.ledger.Reserve(ctx, []stock.Line{{Key: capRed, Qty: qty}}, 15*time.Minute)
	s.Require().NoError(err)

	o := &orders.Order{PaymentID: paymentID, Provider: payment.ProviderStripe, ReservationID: hold.ID}
	s.Require().NoError(s.store.Create(ctx, o))
	if paid {
		_, err := s.engine.Apply(ctx, o.ID, orders.TransitionRequest{To: orders.StatusProcessing, Actor: orders.ActorSystem})
		s.Require().NoError(err)
	}
	return o
}

func (s *ReconcilerSuite) handle(ev paymenttest.StubEvent) (Outcome, error) {
	h := http.Header{}
	h.Set("X-Stub-Signature", s.gw.Secret)
	return s.rec.Handle(context.Background(), payment.ProviderStripe, paymenttest.Body(ev), h)
}

func (s *ReconcilerSuite) deliver(ev paymenttest.StubEvent) Outcome {
	out, err := s.handle(ev)
	s.Require().NoError(err)
	return out
}

func (s *ReconcilerSuite) entry() stock.Entry {
	e, err := s.ledger.Entry(context.Background(), capRed)
	s.Require().NoError(err)
	return e
}

func (s *ReconcilerSuite) reload(id string) *orders.Order {
	o, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	return o
}

func (s *ReconcilerSuite) TestInvalidSignatureRejected() {
	o := s.order("pi_1", 1, false)

	h := http.Header{}
	h.Set("X-Stub-Signature", "forged")
	body := paymenttest.Body(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1"})
	out, err := s.rec.Handle(context.Background(), payment.ProviderStripe, body, h)

	s.ErrorIs(err, payment.ErrInvalidSignature)
	s.Equal(OutcomeInvalid, out)
	s.Equal(orders.StatusPendingPayment, s.reload(o.ID).Status)

	// nothing claimed, a correctly signed delivery still goes through
	s.Equal(OutcomeApplied, s.deliver(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1"}))
}

func (s *ReconcilerSuite) TestMissingSignatureRejected() {
	body := paymenttest.Body(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindSucceeded, PaymentID: "pi_1"})
	_, err := s.rec.Handle(context.Background(), payment.ProviderStripe, body, http.Header{})
	s.ErrorIs(err, payment.ErrInvalidSignature)
}

func (s *ReconcilerSuite) TestUnknownProvider() {
	_, err := s.rec.Handle(context.Background(), "adyen", []byte(`{}`), http.Header{})
	s.ErrorIs(err, ErrUnknownProvider)
}

func (s *ReconcilerSuite) TestMalformedBodyAcked() {
	h := http.Header{}
	h.Set("X-Stub-Signature", s.gw.Secret)
	out, err := s.rec.Handle(context.Background(), payment.ProviderStripe, []byte(`not json`), h)
	s.NoError(err)
	s.Equal(OutcomeMalformed, out)
}

func (s *ReconcilerSuite) TestIgnoredKind() {
	s.Equal(OutcomeIgnored, s.deliver(paymenttest.StubEvent{ID: "evt_x", Kind: payment.KindIgnored, PaymentID: "pi_1"}))
}

func (s *ReconcilerSuite) TestFailedPaymentCancelsAndReleases() {
	o := s.order("pi_1", 3, false)
	s.Equal(3, s.entry().Reserved)

	out := s.deliver(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1", Reason: "card_declined"})

	s.Equal(OutcomeApplied, out)
	got := s.reload(o.ID)
	s.Equal(orders.StatusCancelled, got.Status)
	s.Equal(string(payment.StatusDeclined), got.PaymentStatus)
	last := got.History[len(got.History)-1]
	s.Equal(orders.ActorWebhook, last.Actor)
	s.Contains(last.Note, "card_declined")

	e := s.entry()
	s.Equal(4, e.OnHand)
	s.Equal(0, e.Reserved)
}

func (s *ReconcilerSuite) TestFailedAfterCaptureRestocks() {
	o := s.order("pi_1", 2, true)
	s.Equal(2, s.entry().OnHand)

	s.Equal(OutcomeApplied, s.deliver(paymenttest.StubEvent{ID: "evt_r", Kind: payment.KindRefunded, PaymentID: "pi_1"}))

	s.Equal(orders.StatusCancelled, s.reload(o.ID).Status)
	s.Equal(4, s.entry().OnHand)
}

func (s *ReconcilerSuite) TestSuccessAfterSyncCaptureIsNoop() {
	o := s.order("pi_1", 1, true)
	before := len(s.reload(o.ID).History)

	out := s.deliver(paymenttest.StubEvent{ID: "evt_ok", Kind: payment.KindSucceeded, PaymentID: "pi_1"})

	s.Equal(OutcomeUnchanged, out)
	got := s.reload(o.ID)
	s.Equal(orders.StatusProcessing, got.Status)
	s.Len(got.History, before)
	s.Equal(3, s.entry().OnHand)
}

func (s *ReconcilerSuite) TestReplayedEventAppliesOnce() {
	o := s.order("pi_1", 2, false)
	ev := paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1"}

	s.Equal(OutcomeApplied, s.deliver(ev))
	s.Equal(OutcomeDuplicate, s.deliver(ev))
	s.Equal(OutcomeDuplicate, s.deliver(ev))

	s.Len(s.reload(o.ID).History, 2)
	e := s.entry()
	s.Equal(4, e.OnHand)
	s.Equal(0, e.Reserved)
}

func (s *ReconcilerSuite) TestLateSuccessDoesNotReopenCancelled() {
	o := s.order("pi_1", 1, false)
	s.deliver(paymenttest.StubEvent{ID: "evt_fail", Kind: payment.KindFailed, PaymentID: "pi_1"})

	out := s.deliver(paymenttest.StubEvent{ID: "evt_ok", Kind: payment.KindSucceeded, PaymentID: "pi_1"})

	s.Equal(OutcomeUnchanged, out)
	s.Equal(orders.StatusCancelled, s.reload(o.ID).Status)
	e := s.entry()
	s.Equal(4, e.OnHand)
	s.Equal(0, e.Reserved)
}

func (s *ReconcilerSuite) TestAsyncSuccessConfirmsPendingOrder() {
	o := s.order("pi_1", 2, false)

	s.Equal(OutcomeApplied, s.deliver(paymenttest.StubEvent{ID: "evt_ok", Kind: payment.KindSucceeded, PaymentID: "pi_1"}))

	got := s.reload(o.ID)
	s.Equal(orders.StatusProcessing, got.Status)
	s.Equal(string(payment.StatusCaptured), got.PaymentStatus)
	e := s.entry()
	s.Equal(2, e.OnHand)
	s.Equal(0, e.Reserved)
}

func (s *ReconcilerSuite) TestOrphanAcked() {
	s.Equal(OutcomeOrphan, s.deliver(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindSucceeded, PaymentID: "pi_nobody"}))
	s.Empty(s.inbox.Entries())
}

func (s *ReconcilerSuite) TestStoreOutageQueuesAndRecovers() {
	o := s.order("pi_1", 2, false)
	s.store.down = 1

	out := s.deliver(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1"})
	s.Equal(OutcomeQueued, out)
	s.Equal(orders.StatusPendingPayment, s.reload(o.ID).Status)
	s.Require().Len(s.inbox.Entries(), 1)

	w := NewRetryWorker(s.inbox, s.rec, RetryOptions{BaseBackoff: time.Second, MaxAttempts: 3}, metrics.NewNop(), zap.NewNop()).
		WithClock(func() time.Time { return s.now })

	// not due yet
	n, err := w.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Zero(n)

	s.now = s.now.Add(2 * time.Second)
	n, err = w.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Equal(orders.StatusCancelled, s.reload(o.ID).Status)
	s.Equal(0, s.entry().Reserved)
	s.Equal(EntryDone, s.inbox.Entries()[0].State)
}

func (s *ReconcilerSuite) TestRetryExhaustionBuries() {
	s.order("pi_1", 1, false)
	s.store.down = 100

	s.Equal(OutcomeQueued, s.deliver(paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1"}))

	w := NewRetryWorker(s.inbox, s.rec, RetryOptions{BaseBackoff: time.Second, MaxAttempts: 3}, metrics.NewNop(), zap.NewNop()).
		WithClock(func() time.Time { return s.now })

	for i := 0; i < 5; i++ {
		s.now = s.now.Add(time.Hour)
		_, err := w.RunOnce(context.Background())
		s.Require().NoError(err)
	}

	entries := s.inbox.Entries()
	s.Require().Len(entries, 1)
	s.Equal(EntryDead, entries[0].State)
	s.Equal(3, entries[0].Attempts)
	s.Contains(entries[0].LastError, "connection refused")
}

func (s *ReconcilerSuite) TestUnqueueableFailureReleasesDedupClaim() {
	o := s.order("pi_1", 1, false)
	s.rec = s.newReconciler(brokenInbox{NewMemoryInbox()})
	s.store.down = 1

	ev := paymenttest.StubEvent{ID: "evt_1", Kind: payment.KindFailed, PaymentID: "pi_1"}
	s.Equal(OutcomeLost, s.deliver(ev))

	// provider redelivery gets processed instead of being dropped as a duplicate
	s.Equal(OutcomeApplied, s.deliver(ev))
	s.Equal(orders.StatusCancelled, s.reload(o.ID).Status)
}

func (s *ReconcilerSuite) TestConcurrentDuplicateDeliveries() {
	o := s.order("pi_1", 2, true)
	ev := paymenttest.StubEvent{ID: "evt_c", Kind: payment.KindCanceled, PaymentID: "pi_1"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.handle(ev)
			if err != nil {
				return
			}
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Equal(map[Outcome]int{OutcomeApplied: 1, OutcomeDuplicate: 7}, outcomes)

	got := s.reload(o.ID)
	s.Equal(orders.StatusCancelled, got.Status)
	s.Len(got.History, 3)
	s.Equal(4, s.entry().OnHand)
}
