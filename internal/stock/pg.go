package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// PGLedger stores entries and reservations in Postgres. Per-entry exclusion
// comes from the row lock taken by the conditional UPDATE.
type PGLedger struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPGLedger(db *pgxpool.Pool, logger *zap.Logger) *PGLedger {
	return &PGLedger{db: db, logger: logger, tracer: otel.Tracer("stock_ledger")}
}

// Reserve: lock rows in key order, bump reserved where available allows,
// collect every shortage. Any shortage rolls the whole tx back.
func (l *PGLedger) Reserve(ctx context.Context, lines []Line, ttl time.Duration) (*Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "StockLedger.Reserve")
	defer span.End()

	lines, err := normalize(lines)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("lines", len(lines)))

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer l.rollback(ctx, tx)

	var short []Shortage
	for _, ln := range lines {
		ct, err := tx.Exec(ctx, `
			UPDATE stock_entries
			SET reserved = reserved + $3, updated_at = now()
			WHERE product_id = $1 AND variant_key = $2 AND on_hand - reserved >= $3`,
			ln.Key.ProductID, ln.Key.Variant, ln.Qty)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("reserve %s: %w", ln.Key, err)
		}
		if ct.RowsAffected() == 1 {
			continue
		}

		var avail int
		err = tx.QueryRow(ctx, `
			SELECT on_hand - reserved FROM stock_entries
			WHERE product_id = $1 AND variant_key = $2`,
			ln.Key.ProductID, ln.Key.Variant).Scan(&avail)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			span.RecordError(err)
			return nil, fmt.Errorf("read available %s: %w", ln.Key, err)
		}
		short = append(short, Shortage{Key: ln.Key, Requested: ln.Qty, Available: avail})
	}
	if len(short) > 0 {
		return nil, &ShortageError{Items: short} // rollback via defer
	}

	res := &Reservation{ID: uuid.NewString(), Lines: lines, State: StateHeld}
	err = tx.QueryRow(ctx, `
		INSERT INTO reservations(id, state, created_at, expires_at)
		VALUES ($1, 'held', now(), now() + make_interval(secs => $2))
		RETURNING created_at, expires_at`,
		res.ID, ttl.Seconds()).Scan(&res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	for i, ln := range lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservation_lines(reservation_id, line_no, product_id, variant_key, qty)
			VALUES ($1, $2, $3, $4, $5)`,
			res.ID, i, ln.Key.ProductID, ln.Key.Variant, ln.Qty); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("insert reservation line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return res, nil
}

func (l *PGLedger) Confirm(ctx context.Context, id string) error {
	return l.finalize(ctx, "StockLedger.Confirm", id, func(s State) (State, string, error) {
		switch s {
		case StateConfirmed:
			return "", "", nil
		case StateHeld:
			return StateConfirmed, `
				UPDATE stock_entries
				SET reserved = reserved - $3, on_hand = on_hand - $3, updated_at = now()
				WHERE product_id = $1 AND variant_key = $2`, nil
		default:
			return "", "", ErrAlreadyFinalized
		}
	})
}

func (l *PGLedger) Release(ctx context.Context, id string) error {
	return l.finalize(ctx, "StockLedger.Release", id, func(s State) (State, string, error) {
		switch s {
		case StateReleased, StateExpired:
			return "", "", nil
		case StateHeld:
			return StateReleased, releaseSQL, nil
		default:
			return "", "", ErrAlreadyFinalized
		}
	})
}

func (l *PGLedger) Restock(ctx context.Context, id string) error {
	return l.finalize(ctx, "StockLedger.Restock", id, func(s State) (State, string, error) {
		switch s {
		case StateReturned:
			return "", "", nil
		case StateConfirmed:
			return StateReturned, `
				UPDATE stock_entries
				SET on_hand = on_hand + $3, updated_at = now()
				WHERE product_id = $1 AND variant_key = $2`, nil
		default:
			return "", "", ErrNotConsumed
		}
	})
}

const releaseSQL = `
	UPDATE stock_entries
	SET reserved = reserved - $3, updated_at = now()
	WHERE product_id = $1 AND variant_key = $2`

// finalize locks the reservation row, lets decide pick the next state and the
// per-line counter update, then applies both in one tx.
func (l *PGLedger) finalize(ctx context.Context, op, id string, decide func(State) (State, string, error)) error {
	ctx, span := l.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("reservation_id", id))

	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer l.rollback(ctx, tx)

	var state State
	err = tx.QueryRow(ctx, `SELECT state FROM reservations WHERE id = $1 FOR UPDATE`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("lock reservation: %w", err)
	}

	next, stmt, err := decide(state)
	if err != nil || next == "" {
		return err
	}
	if err := l.applyLines(ctx, tx, id, stmt); err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET state = $2, finalized_at = now() WHERE id = $1`, id, next); err != nil {
		span.RecordError(err)
		return fmt.Errorf("update reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func (l *PGLedger) applyLines(ctx context.Context, tx pgx.Tx, id, stmt string) error {
	lines, err := loadLines(ctx, tx, id)
	if err != nil {
		return err
	}
	// lines come back in key order, same order Reserve locked them
	for _, ln := range lines {
		if _, err := tx.Exec(ctx, stmt, ln.Key.ProductID, ln.Key.Variant, ln.Qty); err != nil {
			return fmt.Errorf("update entry %s: %w", ln.Key, err)
		}
	}
	return nil
}

func (l *PGLedger) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := l.tracer.Start(ctx, "StockLedger.ExpireDue")
	defer span.End()

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer l.rollback(ctx, tx)

	rows, err := tx.Query(ctx, `
		SELECT id::text FROM reservations
		WHERE state = 'held' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("select due: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scan due: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	// one pass over the merged lines in key order, the order Reserve locks in;
	// walking reservation by reservation can cross a concurrent Reserve
	var all []Line
	for _, id := range ids {
		lines, err := loadLines(ctx, tx, id)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		all = append(all, lines...)
	}
	merged, err := normalize(all)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("merge due lines: %w", err)
	}
	for _, ln := range merged {
		if _, err := tx.Exec(ctx, releaseSQL, ln.Key.ProductID, ln.Key.Variant, ln.Qty); err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("update entry %s: %w", ln.Key, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET state = 'expired', finalized_at = now()
		WHERE id = ANY($1::uuid[])`, ids); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit expire: %w", err)
	}
	span.SetAttributes(attribute.Int("expired", len(ids)))
	return len(ids), nil
}

func (l *PGLedger) Get(ctx context.Context, id string) (*Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "StockLedger.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	res := &Reservation{ID: id}
	err := l.db.QueryRow(ctx, `
		SELECT state, created_at, expires_at, finalized_at
		FROM reservations WHERE id = $1`, id).
		Scan(&res.State, &res.CreatedAt, &res.ExpiresAt, &res.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Lines, err = loadLines(ctx, l.db, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

func (l *PGLedger) Entry(ctx context.Context, key Key) (Entry, error) {
	e := Entry{Key: key}
	err := l.db.QueryRow(ctx, `
		SELECT on_hand, reserved, updated_at FROM stock_entries
		WHERE product_id = $1 AND variant_key = $2`, key.ProductID, key.Variant).
		Scan(&e.OnHand, &e.Reserved, &e.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

// AddStock upserts the entry. The table CHECK keeps on_hand >= reserved.
func (l *PGLedger) AddStock(ctx context.Context, key Key, delta int) (Entry, error) {
	ctx, span := l.tracer.Start(ctx, "StockLedger.AddStock")
	defer span.End()

	if key.ProductID == "" {
		return Entry{}, ErrInvalidQuantity
	}
	e := Entry{Key: key}
	err := l.db.QueryRow(ctx, `
		INSERT INTO stock_entries(product_id, variant_key, on_hand, reserved, updated_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (product_id, variant_key)
		DO UPDATE SET on_hand = stock_entries.on_hand + EXCLUDED.on_hand, updated_at = now()
		RETURNING on_hand, reserved, updated_at`,
		key.ProductID, key.Variant, delta).Scan(&e.OnHand, &e.Reserved, &e.Updated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Entry{}, ErrBelowReserved
		}
		span.RecordError(err)
		return Entry{}, err
	}
	return e, nil
}

func (l *PGLedger) rollback(ctx context.Context, tx pgx.Tx) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := tx.Rollback(cleanupCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logx.Error(cleanupCtx, l.logger, "stock ledger rollback failed", zap.Error(err))
	}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, id string) ([]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, variant_key, qty FROM reservation_lines
		WHERE reservation_id = $1
		ORDER BY product_id COLLATE "C", variant_key COLLATE "C"`, id)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var ln Line
		if err := rows.Scan(&ln.Key.ProductID, &ln.Key.Variant, &ln.Qty); err != nil {
			return nil, err
		}
		out = append(out, ln)
	}
	return out, rows.Err()
}
