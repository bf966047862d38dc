package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/reservation"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/stock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Notifier is told about applied transitions. It must not block and its
// failures never reach the caller.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, o *orders.Order, from orders.Status, req orders.TransitionRequest)
}

// StatusCache drops cached projections of an order.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string)
}

type nopNotifier struct{}

func (nopNotifier) OrderStatusChanged(context.Context, *orders.Order, orders.Status, orders.TransitionRequest) {
}

type nopCache struct{}

func (nopCache) Invalidate(context.Context, string) {}

// Engine is the one entry point for order status changes. Checkout, webhooks
// and admin actions all go through Apply, so they cannot disagree on stock
// side effects.
type Engine struct {
	store        orders.Store
	reservations *reservation.Manager
	notifier     Notifier
	cache        StatusCache
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithStatusCache(c StatusCache) Option { return func(e *Engine) { e.cache = c } }

func NewEngine(store orders.Store, reservations *reservation.Manager, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		reservations: reservations,
		notifier:     nopNotifier{},
		cache:        nopCache{},
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("fulfillment"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs the transition and then brings stock in line with the order's
// resulting status. Settlement is derived from the status, not from whether
// this call changed it, so re-running Apply after a failed settlement
// converges.
func (e *Engine) Apply(ctx context.Context, orderID string, req orders.TransitionRequest) (orders.TransitionResult, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("to", string(req.To)),
		attribute.String("actor", string(req.Actor)),
	)

	res, err := e.store.Transition(ctx, orderID, req)
	if err != nil {
		span.RecordError(err)
		return orders.TransitionResult{}, err
	}
	e.metrics.OrderTransitions.WithLabelValues(string(req.To), strconv.FormatBool(res.Applied)).Inc()

	if res.Applied {
		logx.Info(ctx, e.logger, "order status changed",
			zap.String("order_id", orderID),
			zap.String("from", string(res.From)),
			zap.String("to", string(res.Order.Status)),
			zap.String("actor", string(req.Actor)),
		)
		e.cache.Invalidate(ctx, orderID)
	}

	if err := e.settle(ctx, res.Order); err != nil {
		span.RecordError(err)
		return res, err
	}

	if res.Applied && orders.Notifies(res.Order.Status) {
		e.notifier.OrderStatusChanged(ctx, res.Order, res.From, req)
	}
	return res, nil
}

func (e *Engine) settle(ctx context.Context, o *orders.Order) error {
	if o.ReservationID == "" {
		return nil
	}
	switch o.Status {
	case orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered:
		return e.confirm(ctx, o)
	case orders.StatusCancelled:
		return e.release(ctx, o)
	default:
		return nil
	}
}

func (e *Engine) confirm(ctx context.Context, o *orders.Order) error {
	err := e.reservations.Confirm(ctx, o.ReservationID)
	switch {
	case err == nil:
		e.metrics.Settlements.WithLabelValues("confirm", "ok").Inc()
		return nil
	case errors.Is(err, stock.ErrAlreadyFinalized):
		// hold lapsed before payment settled; nothing was deducted
		e.metrics.Settlements.WithLabelValues("confirm", "lapsed").Inc()
		logx.Error(ctx, e.logger, "paid order has no held stock",
			logx.Alert("stock_lapsed"),
			zap.String("order_id", o.ID),
			zap.String("reservation_id", o.ReservationID),
			zap.Error(err),
		)
		return nil
	default:
		e.metrics.Settlements.WithLabelValues("confirm", "error").Inc()
		return fmt.Errorf("settle order %s: %w", o.ID, err)
	}
}

func (e *Engine) release(ctx context.Context, o *orders.Order) error {
	err := e.reservations.Release(ctx, o.ReservationID)
	if err == nil {
		e.metrics.Settlements.WithLabelValues("release", "ok").Inc()
		return nil
	}
	if !errors.Is(err, stock.ErrAlreadyFinalized) {
		e.metrics.Settlements.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("settle order %s: %w", o.ID, err)
	}

	// already consumed: give it back
	if err := e.reservations.Return(ctx, o.ReservationID); err != nil {
		e.metrics.Settlements.WithLabelValues("restock", "error").Inc()
		return fmt.Errorf("settle order %s: %w", o.ID, err)
	}
	e.metrics.Settlements.WithLabelValues("restock", "ok").Inc()
	return nil
}
