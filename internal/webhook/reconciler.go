package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrUnknownProvider = errors.New("unknown payment provider")

// Outcome is what happened to one delivery. Every outcome except a rejected
// signature is acked to the provider.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeQueued    Outcome = "queued"
	OutcomeLost      Outcome = "lost"
	OutcomeInvalid   Outcome = "invalid_signature"
)

type Options struct {
	// RetryDelay is how long a failed event waits in the inbox before its
	// first retry.
	RetryDelay time.Duration
}

type Reconciler struct {
	gateways payment.Registry
	dedup    Deduper
	store    orders.Store
	engine   *fulfillment.Engine
	inbox    Inbox
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewReconciler(
	gateways payment.Registry,
	dedup Deduper,
	store orders.Store,
	engine *fulfillment.Engine,
	inbox Inbox,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Second
	}
	return &Reconciler{
		gateways: gateways,
		dedup:    dedup,
		store:    store,
		engine:   engine,
		inbox:    inbox,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("webhook"),
		now:      time.Now,
	}
}

// Handle verifies and applies one provider delivery. It returns an error only
// for an unknown provider or a bad signature; everything else is acked and
// surfaced through logs, metrics and the retry inbox.
func (r *Reconciler) Handle(ctx context.Context, provider string, raw []byte, header http.Header) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("provider", provider))

	gw, ok := r.gateways.Get(provider)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if !gw.VerifyWebhookSignature(raw, header.Get(gw.SignatureHeader())) {
		r.record(provider, OutcomeInvalid)
		logx.Warn(ctx, r.logger, "webhook signature rejected",
			logx.Alert("webhook_signature"),
			zap.String("provider", provider),
			zap.Int("body_bytes", len(raw)),
		)
		return OutcomeInvalid, payment.ErrInvalidSignature
	}

	ev, err := gw.ParseEvent(raw)
	if err != nil {
		r.record(provider, OutcomeMalformed)
		logx.Error(ctx, r.logger, "webhook payload could not be decoded",
			logx.Alert("webhook_malformed"),
			zap.String("provider", provider),
			zap.Error(err),
		)
		return OutcomeMalformed, nil
	}
	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
	)

	if ev.Kind == payment.KindIgnored {
		r.record(provider, OutcomeIgnored)
		logx.Debug(ctx, r.logger, "webhook event type ignored",
			zap.String("provider", provider),
			zap.String("type", ev.Type),
		)
		return OutcomeIgnored, nil
	}

	key := dedupKey(ev.Provider, ev.ID)
	first, err := r.dedup.Claim(ctx, key)
	if err != nil {
		// transitions are idempotent anyway, dedup only saves work
		logx.Warn(ctx, r.logger, "webhook dedup unavailable, processing anyway",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		first = true
	}
	if !first {
		r.record(provider, OutcomeDuplicate)
		logx.Info(ctx, r.logger, "duplicate webhook delivery",
			zap.String("provider", provider),
			zap.String("event_id", ev.ID),
		)
		return OutcomeDuplicate, nil
	}

	outcome, err := r.apply(ctx, ev)
	if err != nil {
		span.RecordError(err)
		outcome = r.park(ctx, ev, key, err)
	}
	r.record(provider, outcome)
	return outcome, nil
}

// Reprocess applies an event taken from the retry inbox. A non-nil error
// means the event should be tried again later.
func (r *Reconciler) Reprocess(ctx context.Context, ev payment.Event) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Reprocess")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("event_id", ev.ID),
	)

	outcome, err := r.apply(ctx, ev)
	if err != nil {
		span.RecordError(err)
	}
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, ev payment.Event) (Outcome, error) {
	o, err := r.store.GetByPaymentID(ctx, ev.PaymentID)
	if errors.Is(err, orders.ErrNotFound) {
		logx.Warn(ctx, r.logger, "webhook for unknown payment",
			logx.Alert("webhook_orphan"),
			zap.String("provider", ev.Provider),
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.String("payment_id", ev.PaymentID),
		)
		return OutcomeOrphan, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup order by payment: %w", err)
	}

	to, payStatus := targetOf(ev.Kind)
	note := fmt.Sprintf("%s %s (%s)", ev.Provider, ev.Type, ev.ID)
	if ev.FailureReason != "" {
		note += ": " + ev.FailureReason
	}

	res, err := r.engine.Apply(ctx, o.ID, orders.TransitionRequest{
		To:            to,
		Actor:         orders.ActorWebhook,
		Note:          note,
		PaymentStatus: string(payStatus),
	})
	switch {
	case errors.Is(err, orders.ErrInvalidTransition):
		logx.Warn(ctx, r.logger, "webhook requests an unreachable status",
			zap.String("order_id", o.ID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(to)),
			zap.String("event_id", ev.ID),
		)
		return OutcomeRejected, nil
	case err != nil:
		return "", err
	case res.Applied:
		return OutcomeApplied, nil
	default:
		return OutcomeUnchanged, nil
	}
}

// park puts a failed event in the inbox. If even that fails the dedup
// claim is dropped so a provider redelivery gets a fresh try.
func (r *Reconciler) park(ctx context.Context, ev payment.Event, key string, cause error) Outcome {
	bg := context.WithoutCancel(ctx)
	if err := r.inbox.Enqueue(bg, ev, r.now().Add(r.opts.RetryDelay), cause); err != nil {
		logx.Error(ctx, r.logger, "webhook processing failed and could not be queued",
			logx.Alert("webhook_lost"),
			zap.String("provider", ev.Provider),
			zap.String("event_id", ev.ID),
			zap.String("payment_id", ev.PaymentID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		if rerr := r.dedup.Release(bg, key); rerr != nil {
			logx.Warn(ctx, r.logger, "release webhook dedup claim", zap.Error(rerr))
		}
		return OutcomeLost
	}
	logx.Warn(ctx, r.logger, "webhook processing failed, queued for retry",
		zap.String("provider", ev.Provider),
		zap.String("event_id", ev.ID),
		zap.Error(cause),
	)
	return OutcomeQueued
}

func (r *Reconciler) record(provider string, o Outcome) {
	r.metrics.WebhookEvents.WithLabelValues(provider, string(o)).Inc()
}

// targetOf maps a neutral event kind onto the order machine.
func targetOf(k payment.EventKind) (orders.Status, payment.Status) {
	switch k {
	case payment.KindSucceeded:
		return orders.StatusProcessing, payment.StatusCaptured
	case payment.KindAuthorized:
		return orders.StatusProcessing, payment.StatusAuthorized
	case payment.KindPending:
		return orders.StatusPendingPayment, payment.StatusPending
	case payment.KindFailed:
		return orders.StatusCancelled, payment.StatusDeclined
	case payment.KindCanceled:
		return orders.StatusCancelled, payment.StatusVoided
	case payment.KindRefunded:
		return orders.StatusCancelled, payment.StatusRefunded
	default:
		return "", ""
	}
}
