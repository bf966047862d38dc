package webhook

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxBackoff = time.Hour

type RetryOptions struct {
	Interval    time.Duration
	BaseBackoff time.Duration
	MaxAttempts int
	Batch       int
	// Lease bounds how long a picked entry stays invisible to other workers.
	Lease time.Duration
}

// RetryWorker drains the inbox: each due entry is reprocessed, rescheduled
// with exponential backoff on failure, and buried after MaxAttempts.
type RetryWorker struct {
	inbox      Inbox
	reconciler *Reconciler
	opts       RetryOptions
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewRetryWorker(inbox Inbox, reconciler *Reconciler, opts RetryOptions, m *metrics.Metrics, logger *zap.Logger) *RetryWorker {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	return &RetryWorker{
		inbox:      inbox,
		reconciler: reconciler,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("webhook-retry"),
		now:        time.Now,
	}
}

func (w *RetryWorker) WithClock(now func() time.Time) *RetryWorker {
	w.now = now
	return w
}

func (w *RetryWorker) Start(ctx context.Context) {
	logx.Info(ctx, w.logger, "starting webhook retry worker",
		zap.Duration("interval", w.opts.Interval),
		zap.Int("max_attempts", w.opts.MaxAttempts),
	)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logx.Info(ctx, w.logger, "webhook retry worker stopping")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				logx.Error(ctx, w.logger, "webhook retry batch failed", zap.Error(err))
			}
		}
	}
}

// RunOnce processes one batch and reports how many entries it picked.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "RetryWorker.RunOnce")
	defer span.End()

	now := w.now()
	entries, err := w.inbox.Lease(ctx, now, now.Add(w.opts.Lease), w.opts.Batch)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))

	for _, e := range entries {
		w.retry(ctx, e)
	}
	return len(entries), nil
}

func (w *RetryWorker) retry(ctx context.Context, e Entry) {
	fields := []zap.Field{
		zap.String("entry_id", e.ID),
		zap.String("provider", e.Event.Provider),
		zap.String("event_id", e.Event.ID),
		zap.Int("attempt", e.Attempts+1),
	}

	outcome, err := w.reconciler.Reprocess(ctx, e.Event)
	if err == nil {
		if cerr := w.inbox.Complete(ctx, e.ID); cerr != nil {
			logx.Error(ctx, w.logger, "mark inbox entry done", append(fields, zap.Error(cerr))...)
			return
		}
		w.metrics.WebhookRetries.WithLabelValues("recovered").Inc()
		logx.Info(ctx, w.logger, "webhook event recovered",
			append(fields, zap.String("outcome", string(outcome)))...)
		return
	}

	if e.Attempts+1 >= w.opts.MaxAttempts {
		if berr := w.inbox.Bury(ctx, e.ID, err); berr != nil {
			logx.Error(ctx, w.logger, "bury inbox entry", append(fields, zap.Error(berr))...)
			return
		}
		w.metrics.WebhookRetries.WithLabelValues("dead").Inc()
		logx.Error(ctx, w.logger, "webhook event gave up after retries",
			append(fields, logx.Alert("webhook_dead"), zap.String("payment_id", e.Event.PaymentID), zap.Error(err))...)
		return
	}

	next := w.now().Add(Backoff(w.opts.BaseBackoff, e.Attempts))
	if rerr := w.inbox.Reschedule(ctx, e.ID, next, err); rerr != nil {
		logx.Error(ctx, w.logger, "reschedule inbox entry", append(fields, zap.Error(rerr))...)
		return
	}
	w.metrics.WebhookRetries.WithLabelValues("retry").Inc()
	logx.Warn(ctx, w.logger, "webhook retry failed",
		append(fields, zap.Time("next_attempt_at", next), zap.Error(err))...)
}

// Backoff is base * 2^(attempts-1), capped at an hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
