package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PGInbox struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPGInbox(db *pgxpool.Pool, logger *zap.Logger) *PGInbox {
	return &PGInbox{db: db, logger: logger, tracer: otel.Tracer("webhook/inbox_repo")}
}

func (r *PGInbox) Enqueue(ctx context.Context, ev payment.Event, firstAttempt time.Time, cause error) error {
	ctx, span := r.tracer.Start(ctx, "PGInbox.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("event_id", ev.ID),
	)

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	query := `
		INSERT INTO webhook_inbox (provider, event_id, event, state, attempts, next_attempt_at, last_error)
		VALUES ($1, $2, $3, 'pending', 1, $4, $5)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, ev.Provider, ev.ID, body, firstAttempt, errString(cause)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert inbox entry: %w", err)
	}
	return nil
}

func (r *PGInbox) Lease(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Entry, error) {
	ctx, span := r.tracer.Start(ctx, "PGInbox.Lease")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", limit))

	query := `
		UPDATE webhook_inbox
		SET next_attempt_at = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM webhook_inbox
			WHERE state = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text, event, state, attempts, last_error, created_at
	`
	rows, err := r.db.Query(ctx, query, now, leaseUntil, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("lease inbox entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			body  []byte
			state string
		)
		if err := rows.Scan(&e.ID, &body, &state, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		if err := json.Unmarshal(body, &e.Event); err != nil {
			return nil, fmt.Errorf("decode inbox entry %s: %w", e.ID, err)
		}
		e.State = EntryState(state)
		e.NextAttemptAt = leaseUntil
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

func (r *PGInbox) Complete(ctx context.Context, id string) error {
	return r.exec(ctx, "PGInbox.Complete", id, `
		UPDATE webhook_inbox SET state = 'done', updated_at = now() WHERE id = $1`)
}

func (r *PGInbox) Reschedule(ctx context.Context, id string, at time.Time, cause error) error {
	return r.exec(ctx, "PGInbox.Reschedule", id, `
		UPDATE webhook_inbox
		SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, at, errString(cause))
}

func (r *PGInbox) Bury(ctx context.Context, id string, cause error) error {
	return r.exec(ctx, "PGInbox.Bury", id, `
		UPDATE webhook_inbox
		SET attempts = attempts + 1, state = 'dead', last_error = $2, updated_at = now()
		WHERE id = $1`, errString(cause))
}

func (r *PGInbox) exec(ctx context.Context, op, id, query string, args ...any) error {
	ctx, span := r.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("entry_id", id))

	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}
