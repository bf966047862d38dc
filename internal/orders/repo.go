package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PGStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPGStore(db *pgxpool.Pool, logger *zap.Logger) *PGStore {
	return &PGStore{db: db, logger: logger, tracer: otel.Tracer("order_store")}
}

// Create inserts order, items and the first history entry in one tx.
// Unique constraints on payment_id and idempotency_key decide duplicates.
func (r *PGStore) Create(ctx context.Context, o *Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderStore.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", o.PaymentID),
		attribute.Int("items_count", len(o.Items)),
	)

	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer r.rollback(ctx, tx)

	// timestamps come from the db clock
	err = tx.QueryRow(ctx, `
		INSERT INTO orders(id, status, payment_id, provider, payment_status, idempotency_key,
		                   reservation_id, customer_id, customer_email,
		                   subtotal_cents, shipping_cents, tax_cents, total_cents, currency,
		                   created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, '')::uuid, $8, $9, $10, $11, $12, $13, $14, now(), now())
		RETURNING created_at`,
		o.ID, statusOrDefault(o.Status), o.PaymentID, o.Provider, o.PaymentStatus, o.IdempotencyKey,
		o.ReservationID, o.CustomerID, o.CustomerEmail,
		o.Totals.SubtotalCents, o.Totals.ShippingCents, o.Totals.TaxCents, o.Totals.TotalCents, o.Totals.Currency,
	).Scan(&o.CreatedAt)
	if err != nil {
		if dup := duplicateErr(err); dup != nil {
			logx.Warn(ctx, r.logger, "Duplicate order rejected",
				zap.String("payment_id", o.PaymentID),
				zap.Error(dup),
			)
			return dup
		}
		span.RecordError(err)
		logx.Error(ctx, r.logger, "Failed to insert order", zap.Error(err))
		return fmt.Errorf("insert order: %w", err)
	}
	prepare(o, o.CreatedAt.UTC())

	for i, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, product_id, variant_key, name, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i, it.ProductID, it.Variant, it.Name, it.Qty, it.UnitPriceCents); err != nil {
			span.RecordError(err)
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	h := o.History[0]
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, seq, status, note, actor, applied, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, h.Seq, h.Status, h.Note, h.Actor, h.Applied, h.At); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if dup := duplicateErr(err); dup != nil {
			return dup
		}
		span.RecordError(err)
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

func duplicateErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch pgErr.ConstraintName {
	case "orders_idempotency_key_key":
		return ErrDuplicateIdempotencyKey
	default:
		return ErrDuplicatePayment
	}
}

func statusOrDefault(s Status) Status {
	if s == "" {
		return StatusPendingPayment
	}
	return s
}

const selectOrder = `
	SELECT id, status, payment_id, provider, payment_status, COALESCE(idempotency_key, ''),
	       COALESCE(reservation_id::text, ''), customer_id, customer_email,
	       subtotal_cents, shipping_cents, tax_cents, total_cents, currency,
	       created_at, updated_at
	FROM orders`

func (r *PGStore) Get(ctx context.Context, id string) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return r.getBy(ctx, "OrderStore.Get", selectOrder+` WHERE id = $1`, id)
}

func (r *PGStore) GetByPaymentID(ctx context.Context, paymentID string) (*Order, error) {
	return r.getBy(ctx, "OrderStore.GetByPaymentID", selectOrder+` WHERE payment_id = $1`, paymentID)
}

func (r *PGStore) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return r.getBy(ctx, "OrderStore.GetByIdempotencyKey", selectOrder+` WHERE idempotency_key = $1`, key)
}

func (r *PGStore) getBy(ctx context.Context, op, query string, arg string) (*Order, error) {
	ctx, span := r.tracer.Start(ctx, op)
	defer span.End()

	o, err := scanOrder(r.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select order: %w", err)
	}
	if err := r.loadChildren(ctx, r.db, o); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Status, &o.PaymentID, &o.Provider, &o.PaymentStatus, &o.IdempotencyKey,
		&o.ReservationID, &o.CustomerID, &o.CustomerEmail,
		&o.Totals.SubtotalCents, &o.Totals.ShippingCents, &o.Totals.TaxCents, &o.Totals.TotalCents, &o.Totals.Currency,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PGStore) loadChildren(ctx context.Context, q querier, o *Order) error {
	rows, err := q.Query(ctx, `
		SELECT product_id, variant_key, name, qty, unit_price_cents
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, o.ID)
	if err != nil {
		return fmt.Errorf("select items: %w", err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var it Item
		err := row.Scan(&it.ProductID, &it.Variant, &it.Name, &it.Qty, &it.UnitPriceCents)
		return it, err
	})
	if err != nil {
		return fmt.Errorf("scan items: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT seq, status, note, actor, at, applied
		FROM order_status_history WHERE order_id = $1 ORDER BY seq`, o.ID)
	if err != nil {
		return fmt.Errorf("select history: %w", err)
	}
	o.History, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryEntry, error) {
		var h HistoryEntry
		err := row.Scan(&h.Seq, &h.Status, &h.Note, &h.Actor, &h.At, &h.Applied)
		return h, err
	})
	if err != nil {
		return fmt.Errorf("scan history: %w", err)
	}
	return nil
}

// Transition locks the order row, so concurrent transitions on one order
// serialize and history seq stays gap-free.
func (r *PGStore) Transition(ctx context.Context, id string, req TransitionRequest) (TransitionResult, error) {
	ctx, span := r.tracer.Start(ctx, "OrderStore.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", id),
		attribute.String("to", string(req.To)),
		attribute.String("actor", string(req.Actor)),
	)

	if _, err := uuid.Parse(id); err != nil {
		return TransitionResult{}, ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return TransitionResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer r.rollback(ctx, tx)

	o, err := scanOrder(tx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return TransitionResult{}, fmt.Errorf("lock order: %w", err)
	}
	from := o.Status

	d := Decide(from, req.To)
	if d == DecisionInvalid {
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.To)
	}

	applied := d == DecisionApply
	if d != DecisionNoop {
		var seq int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM order_status_history WHERE order_id = $1`, id).Scan(&seq); err != nil {
			span.RecordError(err)
			return TransitionResult{}, fmt.Errorf("next seq: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_status_history(order_id, seq, status, note, actor, applied, at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			id, seq, req.To, req.Note, req.Actor, applied); err != nil {
			span.RecordError(err)
			return TransitionResult{}, fmt.Errorf("append history: %w", err)
		}
		if applied {
			if _, err := tx.Exec(ctx, `
				UPDATE orders
				SET status = $2, payment_status = COALESCE(NULLIF($3, ''), payment_status), updated_at = now()
				WHERE id = $1`, id, req.To, req.PaymentStatus); err != nil {
				span.RecordError(err)
				return TransitionResult{}, fmt.Errorf("update status: %w", err)
			}
		} else if _, err := tx.Exec(ctx, `UPDATE orders SET updated_at = now() WHERE id = $1`, id); err != nil {
			span.RecordError(err)
			return TransitionResult{}, fmt.Errorf("touch order: %w", err)
		}
	}

	o, err = scanOrder(tx.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		span.RecordError(err)
		return TransitionResult{}, fmt.Errorf("reload order: %w", err)
	}
	if err := r.loadChildren(ctx, tx, o); err != nil {
		span.RecordError(err)
		return TransitionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return TransitionResult{}, fmt.Errorf("commit transition: %w", err)
	}

	if d == DecisionStale {
		logx.Info(ctx, r.logger, "Stale transition recorded",
			zap.String("order_id", id),
			zap.String("current", string(from)),
			zap.String("requested", string(req.To)),
			zap.String("actor", string(req.Actor)),
		)
	}
	return TransitionResult{Order: o, From: from, Applied: applied}, nil
}

func (r *PGStore) rollback(ctx context.Context, tx pgx.Tx) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := tx.Rollback(cleanupCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logx.Error(cleanupCtx, r.logger, "order store rollback failed", zap.Error(err))
	}
}
