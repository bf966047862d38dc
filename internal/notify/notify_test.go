package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"sync"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturePub struct {
	msgs []kafkago.Message
	full bool
}

func (c *capturePub) Publish(key, value []byte, headers ...kafkago.Header) bool {
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
	return true
}

type setDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *setDedup) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *setDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

type outbox struct {
	sent []Message
	to   []string
	fail error
}

func (o *outbox) Send(_ context.Context, to string, m Message) error {
	if o.fail != nil {
		return o.fail
	}
	o.to = append(o.to, to)
	o.sent = append(o.sent, m)
	return nil
}

func paidOrder() *orders.Order {
	return &orders.Order{
		ID:            "4b1d0c52-5d0a-4a57-9a7e-7b9f0e0f1a11",
		Status:        orders.StatusProcessing,
		PaymentID:     "pi_1",
		CustomerEmail: "shopper@example.com",
		Totals:        orders.Totals{TotalCents: 4950, Currency: "usd"},
	}
}

func TestKafkaNotifier_PublishesEnvelope(t *testing.T) {
	pub := &capturePub{}
	n := NewKafkaNotifier(pub, "order-api", zap.NewNop())

	o := paidOrder()
	n.OrderStatusChanged(context.Background(), o, orders.StatusPendingPayment,
		orders.TransitionRequest{To: orders.StatusProcessing, Actor: orders.ActorWebhook, Note: "stripe payment_intent.succeeded"})

	require.Len(t, pub.msgs, 1)
	m := pub.msgs[0]
	assert.Equal(t, []byte(o.ID), m.Key)
	assert.Equal(t, "x-event-type", m.Headers[0].Key)

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(m.Value, &env))
	assert.Equal(t, orders.EventOrderStatusChanged, env.EventType)
	assert.Equal(t, o.ID, env.CorrelationID)
	assert.NotEmpty(t, env.EventID)

	var p orders.OrderStatusChangedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, orders.StatusPendingPayment, p.From)
	assert.Equal(t, orders.StatusProcessing, p.To)
	assert.Equal(t, orders.ActorWebhook, p.Actor)
	assert.Equal(t, int64(4950), p.TotalCents)
}

func TestKafkaNotifier_FullBufferDoesNotPanic(t *testing.T) {
	n := NewKafkaNotifier(&capturePub{full: true}, "order-api", zap.NewNop())
	assert.NotPanics(t, func() {
		n.OrderStatusChanged(context.Background(), paidOrder(), orders.StatusPendingPayment, orders.TransitionRequest{})
	})
}

func envelopeFor(t *testing.T, o *orders.Order, from orders.Status) kafkago.Message {
	t.Helper()
	pub := &capturePub{}
	NewKafkaNotifier(pub, "order-api", zap.NewNop()).
		OrderStatusChanged(context.Background(), o, from, orders.TransitionRequest{Actor: orders.ActorSystem})
	require.Len(t, pub.msgs, 1)
	return pub.msgs[0]
}

func TestService_SendsOncePerEvent(t *testing.T) {
	box := &outbox{}
	svc := NewService(&setDedup{seen: map[string]bool{}}, box, zap.NewNop())
	msg := envelopeFor(t, paidOrder(), orders.StatusPendingPayment)

	require.NoError(t, svc.HandleStatusChanged(context.Background(), msg))
	require.NoError(t, svc.HandleStatusChanged(context.Background(), msg))

	require.Len(t, box.sent, 1)
	assert.Equal(t, []string{"shopper@example.com"}, box.to)
	assert.Contains(t, box.sent[0].Subject, "We received your payment")
	assert.Contains(t, box.sent[0].Body, "49.50 USD")
}

func TestService_SendFailureAllowsRedelivery(t *testing.T) {
	box := &outbox{fail: errors.New("smtp down")}
	svc := NewService(&setDedup{seen: map[string]bool{}}, box, zap.NewNop())
	msg := envelopeFor(t, paidOrder(), orders.StatusPendingPayment)

	assert.Error(t, svc.HandleStatusChanged(context.Background(), msg))

	box.fail = nil
	require.NoError(t, svc.HandleStatusChanged(context.Background(), msg))
	assert.Len(t, box.sent, 1)
}

func TestService_SkipsJunkAndOtherEvents(t *testing.T) {
	box := &outbox{}
	svc := NewService(&setDedup{seen: map[string]bool{}}, box, zap.NewNop())

	assert.NoError(t, svc.HandleStatusChanged(context.Background(), kafkago.Message{Value: []byte("{")}))

	other, _ := json.Marshal(orders.Envelope{EventID: "e1", EventType: "SomethingElse"})
	assert.NoError(t, svc.HandleStatusChanged(context.Background(), kafkago.Message{Value: other}))

	o := paidOrder()
	o.CustomerEmail = ""
	assert.NoError(t, svc.HandleStatusChanged(context.Background(), envelopeFor(t, o, orders.StatusPendingPayment)))

	assert.Empty(t, box.sent)
}

func TestRender_Cancelled(t *testing.T) {
	m := Render(orders.OrderStatusChangedPayload{OrderID: "o1", To: orders.StatusCancelled, TotalCents: 1000, Currency: "eur"})
	assert.Equal(t, "Your order was cancelled (o1)", m.Subject)
	assert.Contains(t, m.Body, "10.00 EUR")
	assert.Contains(t, m.Body, "returned")
}

func TestSMTPSender_Compose(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	s := NewSMTPSender(config.SMTP{Host: "mail.local", Port: "2525", From: "shop@example.com"}, zap.NewNop())
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Nil(t, a)
		assert.Equal(t, "shop@example.com", from)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "shopper@example.com", Message{Subject: "Hi", Body: "line1\nline2"}))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"shopper@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Hi\r\n")
	assert.Contains(t, gotMsg, "line1\r\nline2")
}
