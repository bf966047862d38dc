package notify

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/ariefcatur/go-order-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Sender interface {
	Send(ctx context.Context, to string, m Message) error
}

// Service is the consumer side of order notifications: one email per event
// id, however often Kafka redelivers it.
type Service struct {
	dedup  Deduper
	sender Sender
	logger *zap.Logger
	tracer trace.Tracer
}

func NewService(dedup Deduper, sender Sender, logger *zap.Logger) *Service {
	return &Service{
		dedup:  dedup,
		sender: sender,
		logger: logger,
		tracer: otel.Tracer("notify-service"),
	}
}

// HandleStatusChanged dipasang sebagai handler consumer.
func (s *Service) HandleStatusChanged(ctx context.Context, m kafkago.Message) error {
	ctx, span := s.tracer.Start(ctx, "NotifyService.HandleStatusChanged")
	defer span.End()

	// 1) decode envelope; pesan rusak di-skip supaya tidak nyangkut di partition
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		logx.Error(ctx, s.logger, "undecodable notification message",
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return nil
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}
	span.SetAttributes(attribute.String("event_id", env.EventID))

	p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
	if err != nil {
		logx.Error(ctx, s.logger, "bad notification payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if p.CustomerEmail == "" || !orders.Notifies(p.To) {
		return nil
	}

	// 2) dedup via Redis (pakai event_id)
	first, err := s.dedup.Claim(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("claim notification %s: %w", env.EventID, err)
	}
	if !first {
		logx.Debug(ctx, s.logger, "notification already sent", zap.String("event_id", env.EventID))
		return nil
	}

	// 3) kirim; kalau gagal lepas claim supaya redelivery bisa coba lagi
	if err := s.sender.Send(ctx, p.CustomerEmail, Render(p)); err != nil {
		span.RecordError(err)
		if rerr := s.dedup.Release(context.WithoutCancel(ctx), env.EventID); rerr != nil {
			logx.Warn(ctx, s.logger, "release notification claim", zap.Error(rerr))
		}
		return fmt.Errorf("send notification %s: %w", env.EventID, err)
	}

	logx.Info(ctx, s.logger, "order notification sent",
		zap.String("order_id", p.OrderID),
		zap.String("status", string(p.To)),
	)
	return nil
}
