package notify

import (
	"context"
	"time"

	kafkax "github.com/ariefcatur/go-order-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher is the async producer side; Publish must not block.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) bool
}

// KafkaNotifier turns applied order transitions into OrderStatusChanged
// envelopes. It never fails the transition that triggered it.
type KafkaNotifier struct {
	pub     Publisher
	service string
	logger  *zap.Logger
}

func NewKafkaNotifier(pub Publisher, service string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{pub: pub, service: service, logger: logger}
}

func (n *KafkaNotifier) OrderStatusChanged(ctx context.Context, o *orders.Order, from orders.Status, req orders.TransitionRequest) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      n.service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderID:       o.ID,
			From:          from,
			To:            o.Status,
			Actor:         req.Actor,
			Note:          req.Note,
			PaymentID:     o.PaymentID,
			CustomerEmail: o.CustomerEmail,
			TotalCents:    o.Totals.TotalCents,
			Currency:      o.Totals.Currency,
		}),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}

	ok := n.pub.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	if !ok {
		logx.Warn(ctx, n.logger, "order notification dropped",
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
		)
	}
}
