package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/pricing"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/reservation"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInProgress         = errors.New("checkout with this idempotency key is in progress")
	ErrUnknownProvider    = errors.New("unknown payment provider")
	ErrUnknownProduct     = errors.New("unknown product")
	ErrPersistFailed      = errors.New("order could not be saved, payment voided")
)

type PaymentDeclinedError struct {
	Reason    string
	PaymentID string
}

func (e *PaymentDeclinedError) Error() string { return "payment declined: " + e.Reason }

type Customer struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type Item struct {
	ProductID string `json:"product_id" validate:"required"`
	Variant   string `json:"variant"`
	Qty       int    `json:"qty" validate:"gt=0"`
}

type Request struct {
	IdempotencyKey     string   `json:"-" validate:"required,max=200"`
	Customer           Customer `json:"customer"`
	Provider           string   `json:"provider"`
	Currency           string   `json:"currency" validate:"omitempty,len=3"`
	PaymentMethodToken string   `json:"payment_method_token" validate:"required"`
	Items              []Item   `json:"items" validate:"required,min=1,dive"`
}

type Result struct {
	OrderID    string        `json:"order_id"`
	PaymentID  string        `json:"payment_id"`
	Status     orders.Status `json:"status"`
	Idempotent bool          `json:"idempotent"`
}

type Options struct {
	PaymentTimeout  time.Duration
	DefaultProvider string
	DefaultCurrency string
	// PersistAttempts bounds order-create retries after a successful charge.
	PersistAttempts int
	PersistBackoff  time.Duration
}

type Service struct {
	opts         Options
	validate     *validator.Validate
	catalog      Catalog
	guard        Guard
	reservations *reservation.Manager
	gateways     payment.Registry
	pricing      *pricing.Calculator
	store        orders.Store
	engine       *fulfillment.Engine
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
}

type Deps struct {
	Catalog      Catalog
	Guard        Guard
	Reservations *reservation.Manager
	Gateways     payment.Registry
	Pricing      *pricing.Calculator
	Store        orders.Store
	Engine       *fulfillment.Engine
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

func NewService(opts Options, d Deps) *Service {
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = 3
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 10 * time.Second
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = 100 * time.Millisecond
	}
	return &Service{
		opts:         opts,
		validate:     validator.New(),
		catalog:      d.Catalog,
		guard:        d.Guard,
		reservations: d.Reservations,
		gateways:     d.Gateways,
		pricing:      d.Pricing,
		store:        d.Store,
		engine:       d.Engine,
		metrics:      d.Metrics,
		logger:       d.Logger,
		tracer:       otel.Tracer("checkout"),
	}
}

// Checkout holds stock, charges, and records the order. On any failure
// before the order exists, the hold is released.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "Checkout.Checkout")
	defer span.End()

	res, outcome, err := s.checkout(ctx, req)
	s.metrics.Checkouts.WithLabelValues(outcome).Inc()
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	return res, err
}

func (s *Service) checkout(ctx context.Context, req Request) (Result, string, error) {
	if req.Provider == "" {
		req.Provider = s.opts.DefaultProvider
	}
	if req.Currency == "" {
		req.Currency = s.opts.DefaultCurrency
	}
	if err := s.validate.Struct(req); err != nil {
		return Result{}, "invalid", err
	}
	gw, ok := s.gateways.Get(req.Provider)
	if !ok {
		return Result{}, "invalid", fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}

	// replay of a finished checkout
	if res, ok, err := s.existing(ctx, req.IdempotencyKey); err != nil {
		return Result{}, "error", err
	} else if ok {
		return res, "idempotent", nil
	}

	claimed, err := s.guard.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		// the unique key in the store still stops a second order
		logx.Warn(ctx, s.logger, "idempotency guard unavailable", zap.Error(err))
		claimed = true
	}
	if !claimed {
		if res, ok, err := s.existing(ctx, req.IdempotencyKey); err != nil {
			return Result{}, "error", err
		} else if ok {
			return res, "idempotent", nil
		}
		return Result{}, "in_progress", ErrInProgress
	}

	res, outcome, err := s.run(ctx, gw, req)
	if err != nil {
		if gerr := s.guard.Release(context.WithoutCancel(ctx), req.IdempotencyKey); gerr != nil {
			logx.Warn(ctx, s.logger, "release idempotency guard", zap.Error(gerr))
		}
	}
	return res, outcome, err
}

func (s *Service) existing(ctx context.Context, key string) (Result, bool, error) {
	o, err := s.store.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, orders.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return Result{OrderID: o.ID, PaymentID: o.PaymentID, Status: o.Status, Idempotent: true}, true, nil
}

func (s *Service) run(ctx context.Context, gw payment.Gateway, req Request) (Result, string, error) {
	items, lines, err := s.snapshot(ctx, req.Items)
	if err != nil {
		return Result{}, "invalid", err
	}

	cart := make([]reservation.Item, 0, len(req.Items))
	for _, it := range req.Items {
		cart = append(cart, reservation.Item{ProductID: it.ProductID, Variant: it.Variant, Qty: it.Qty})
	}
	hold, err := s.reservations.Hold(ctx, cart)
	if err != nil {
		var ie *reservation.InsufficientStockError
		if errors.As(err, &ie) {
			return Result{}, "insufficient_stock", err
		}
		return Result{}, "error", err
	}
	// compensation must survive the caller going away
	bg := context.WithoutCancel(ctx)

	quote, err := s.pricing.Price(ctx, lines)
	if err != nil {
		s.release(bg, hold.ID, "pricing failed")
		return Result{}, "error", err
	}

	payCtx, cancel := context.WithTimeout(ctx, s.opts.PaymentTimeout)
	pay, err := gw.Authorize(payCtx, payment.AuthorizeRequest{
		Amount:             quote.TotalCents,
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
		Customer:           payment.Customer{ID: req.Customer.ID, Email: req.Customer.Email},
		IdempotencyKey:     req.IdempotencyKey,
		Reference:          hold.ID,
	})
	cancel()
	if err != nil {
		s.release(bg, hold.ID, "gateway unavailable")
		logx.Warn(ctx, s.logger, "payment authorization failed",
			zap.String("provider", gw.Name()),
			zap.Error(err),
		)
		return Result{}, "unavailable", errors.Join(ErrGatewayUnavailable, err)
	}
	if !pay.Success {
		s.release(bg, hold.ID, "payment declined")
		return Result{}, "declined", &PaymentDeclinedError{Reason: pay.FailureReason, PaymentID: pay.ExternalPaymentID}
	}

	o := &orders.Order{
		Status:         orders.StatusPendingPayment,
		PaymentID:      pay.ExternalPaymentID,
		Provider:       gw.Name(),
		PaymentStatus:  string(pay.Status),
		IdempotencyKey: req.IdempotencyKey,
		ReservationID:  hold.ID,
		CustomerID:     req.Customer.ID,
		CustomerEmail:  req.Customer.Email,
		Items:          items,
		Totals: orders.Totals{
			SubtotalCents: quote.SubtotalCents,
			ShippingCents: quote.ShippingCents,
			TaxCents:      quote.TaxCents,
			TotalCents:    quote.TotalCents,
			Currency:      req.Currency,
		},
	}
	if err := s.persist(bg, o); err != nil {
		existing, ok := s.recoverDuplicate(bg, o, err)
		if !ok {
			s.compensate(bg, gw, o, err)
			return Result{}, "error", errors.Join(ErrPersistFailed, err)
		}
		// the committed order's hold stays, any other one goes
		if existing.ReservationID != hold.ID {
			s.release(bg, hold.ID, "duplicate order")
		}
		if existing.PaymentID != o.PaymentID {
			return Result{OrderID: existing.ID, PaymentID: existing.PaymentID, Status: existing.Status, Idempotent: true}, "idempotent", nil
		}
		// same charge already recorded, possibly by our own lost ack; settle it as usual
		logx.Warn(ctx, s.logger, "order create acknowledged late, continuing",
			zap.String("order_id", existing.ID),
			zap.String("payment_id", existing.PaymentID),
		)
		o = existing
	}

	if pay.Status == payment.StatusPending {
		logx.Info(ctx, s.logger, "order awaiting asynchronous payment",
			zap.String("order_id", o.ID),
			zap.String("payment_id", o.PaymentID),
		)
		return Result{OrderID: o.ID, PaymentID: o.PaymentID, Status: o.Status}, "pending", nil
	}

	tr, err := s.engine.Apply(bg, o.ID, orders.TransitionRequest{
		To:            orders.StatusProcessing,
		Actor:         orders.ActorSystem,
		Note:          "payment " + string(pay.Status),
		PaymentStatus: string(pay.Status),
	})
	if err != nil {
		// the order is recorded and paid; a webhook or retry reapplies settlement
		logx.Error(ctx, s.logger, "post-payment transition failed",
			logx.Alert("checkout_settlement"),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		status := o.Status
		if tr.Order != nil {
			status = tr.Order.Status
		}
		return Result{OrderID: o.ID, PaymentID: o.PaymentID, Status: status}, "ok", nil
	}
	return Result{OrderID: o.ID, PaymentID: o.PaymentID, Status: tr.Order.Status}, "ok", nil
}

func (s *Service) snapshot(ctx context.Context, reqItems []Item) ([]orders.Item, []pricing.Line, error) {
	ids := make([]string, 0, len(reqItems))
	seen := map[string]bool{}
	for _, it := range reqItems {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	sort.Strings(ids)

	products, err := s.catalog.Products(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	items := make([]orders.Item, 0, len(reqItems))
	lines := make([]pricing.Line, 0, len(reqItems))
	for _, it := range reqItems {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProduct, it.ProductID)
		}
		items = append(items, orders.Item{
			ProductID:      it.ProductID,
			Variant:        it.Variant,
			Name:           p.Name,
			Qty:            it.Qty,
			UnitPriceCents: p.PriceCents,
		})
		lines = append(lines, pricing.Line{Qty: it.Qty, UnitPriceCents: p.PriceCents})
	}
	return items, lines, nil
}

// persist retries transient store failures. Duplicates are final.
func (s *Service) persist(ctx context.Context, o *orders.Order) error {
	var err error
	for attempt := 1; attempt <= s.opts.PersistAttempts; attempt++ {
		err = s.store.Create(ctx, o)
		if err == nil || errors.Is(err, orders.ErrDuplicatePayment) || errors.Is(err, orders.ErrDuplicateIdempotencyKey) {
			return err
		}
		logx.Warn(ctx, s.logger, "create order failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("payment_id", o.PaymentID),
			zap.Error(err),
		)
		if attempt < s.opts.PersistAttempts {
			time.Sleep(s.opts.PersistBackoff * time.Duration(attempt))
		}
	}
	return err
}

func (s *Service) recoverDuplicate(ctx context.Context, o *orders.Order, err error) (*orders.Order, bool) {
	var (
		existing *orders.Order
		lerr     error
	)
	switch {
	case errors.Is(err, orders.ErrDuplicatePayment):
		existing, lerr = s.store.GetByPaymentID(ctx, o.PaymentID)
	case errors.Is(err, orders.ErrDuplicateIdempotencyKey):
		existing, lerr = s.store.GetByIdempotencyKey(ctx, o.IdempotencyKey)
	default:
		return nil, false
	}
	if lerr != nil {
		return nil, false
	}
	return existing, true
}

// compensate voids the charge and frees the hold when the order could not
// be recorded.
func (s *Service) compensate(ctx context.Context, gw payment.Gateway, o *orders.Order, cause error) {
	logx.Error(ctx, s.logger, "order not persisted after payment, voiding",
		logx.Alert("checkout_persist"),
		zap.String("payment_id", o.PaymentID),
		zap.Error(cause),
	)
	if err := gw.Void(ctx, o.PaymentID); err != nil {
		logx.Error(ctx, s.logger, "void failed, manual refund needed",
			logx.Alert("checkout_void"),
			zap.String("provider", gw.Name()),
			zap.String("payment_id", o.PaymentID),
			zap.Error(err),
		)
	}
	s.release(ctx, o.ReservationID, "order not persisted")
}

func (s *Service) release(ctx context.Context, reservationID, why string) {
	if err := s.reservations.Release(ctx, reservationID); err != nil {
		logx.Error(ctx, s.logger, "release hold failed",
			logx.Alert("stock_release"),
			zap.String("reservation_id", reservationID),
			zap.String("reason", why),
			zap.Error(err),
		)
		return
	}
	logx.Debug(ctx, s.logger, "hold released",
		zap.String("reservation_id", reservationID),
		zap.String("reason", why),
	)
}
