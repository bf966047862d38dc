package webhook_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/testsuite"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type PGInboxSuite struct {
	testsuite.BaseSuite
	inbox *webhook.PGInbox
}

func TestPGInboxSuite(t *testing.T) {
	suite.Run(t, new(PGInboxSuite))
}

func (s *PGInboxSuite) SetupSuite() {
	s.SkipIfShort()
	s.SetupPostgres("../../migrations")
	s.inbox = webhook.NewPGInbox(s.DbPool, zap.NewNop())
}

func (s *PGInboxSuite) TearDownSuite() { s.TearDownInfrastructure() }

func (s *PGInboxSuite) SetupTest() { s.TruncateTable("webhook_inbox") }

func failedEvent(id string) payment.Event {
	return payment.Event{
		Provider:      payment.ProviderSquare,
		ID:            id,
		Type:          "payment.updated",
		Kind:          payment.KindFailed,
		PaymentID:     "sq_pay_1",
		FailureReason: "CARD_DECLINED",
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (s *PGInboxSuite) TestEnqueueLeaseRoundTrip() {
	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := failedEvent("evt_1")

	s.Require().NoError(s.inbox.Enqueue(s.Ctx, ev, now, errors.New("db down")))
	s.Require().NoError(s.inbox.Enqueue(s.Ctx, ev, now, errors.New("db down")), "second enqueue is absorbed")

	got, err := s.inbox.Lease(s.Ctx, now.Add(time.Second), now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	e := got[0]
	s.Equal(webhook.EntryPending, e.State)
	s.Equal(1, e.Attempts)
	s.Equal("db down", e.LastError)
	s.Equal(ev.ID, e.Event.ID)
	s.Equal(payment.KindFailed, e.Event.Kind)
	s.Equal("CARD_DECLINED", e.Event.FailureReason)

	again, err := s.inbox.Lease(s.Ctx, now.Add(2*time.Second), now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(again, "leased entry is hidden")

	s.Require().NoError(s.inbox.Complete(s.Ctx, e.ID))
	done, err := s.inbox.Lease(s.Ctx, now.Add(time.Hour), now.Add(2*time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(done)
}

func (s *PGInboxSuite) TestRescheduleAndBury() {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.inbox.Enqueue(s.Ctx, failedEvent("evt_2"), now, nil))

	got, err := s.inbox.Lease(s.Ctx, now, now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	id := got[0].ID

	next := now.Add(30 * time.Second)
	s.Require().NoError(s.inbox.Reschedule(s.Ctx, id, next, errors.New("still down")))

	early, err := s.inbox.Lease(s.Ctx, now.Add(10*time.Second), now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(early)

	due, err := s.inbox.Lease(s.Ctx, next, next.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(2, due[0].Attempts)
	s.Equal("still down", due[0].LastError)

	s.Require().NoError(s.inbox.Bury(s.Ctx, id, errors.New("gave up")))
	dead, err := s.inbox.Lease(s.Ctx, next.Add(24*time.Hour), next.Add(25*time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(dead)
}

func (s *PGInboxSuite) TestUnknownEntry() {
	s.ErrorIs(s.inbox.Complete(s.Ctx, uuid.NewString()), webhook.ErrEntryNotFound)
}
