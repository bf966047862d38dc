package pricing

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/shopspring/decimal"
)

type Line struct {
	Qty            int
	UnitPriceCents int64
}

type Quote struct {
	SubtotalCents int64
	ShippingCents int64
	TaxCents      int64
	TotalCents    int64
}

// TaxFunc computes tax in cents for a taxable amount. Implementations must be
// pure.
type TaxFunc func(taxableCents int64) int64

// FlatRate taxes at rate, rounding half away from zero to the cent.
func FlatRate(rate decimal.Decimal) TaxFunc {
	return func(taxableCents int64) int64 {
		return decimal.NewFromInt(taxableCents).Mul(rate).Round(0).IntPart()
	}
}

// ShippingQuoter prices delivery for a subtotal.
type ShippingQuoter interface {
	Quote(ctx context.Context, subtotalCents int64) (int64, error)
}

type FlatShipping struct {
	Cents    int64
	FreeOver int64 // 0 disables free shipping
}

func (f FlatShipping) Quote(_ context.Context, subtotalCents int64) (int64, error) {
	if f.FreeOver > 0 && subtotalCents >= f.FreeOver {
		return 0, nil
	}
	return f.Cents, nil
}

type Calculator struct {
	tax      TaxFunc
	shipping ShippingQuoter
}

func NewCalculator(tax TaxFunc, shipping ShippingQuoter) *Calculator {
	return &Calculator{tax: tax, shipping: shipping}
}

// FromConfig builds the flat-rate calculator configured by TAX_RATE and
// SHIPPING_*.
func FromConfig(cfg config.Pricing) (*Calculator, error) {
	rate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return nil, fmt.Errorf("parse TAX_RATE %q: %w", cfg.TaxRate, err)
	}
	if rate.IsNegative() {
		return nil, fmt.Errorf("TAX_RATE must not be negative")
	}
	return NewCalculator(FlatRate(rate), FlatShipping{
		Cents:    cfg.FlatShippingCents,
		FreeOver: cfg.FreeShippingOverCents,
	}), nil
}

// Price totals the lines; tax applies to subtotal plus shipping.
func (c *Calculator) Price(ctx context.Context, lines []Line) (Quote, error) {
	var q Quote
	for _, l := range lines {
		q.SubtotalCents += int64(l.Qty) * l.UnitPriceCents
	}
	ship, err := c.shipping.Quote(ctx, q.SubtotalCents)
	if err != nil {
		return Quote{}, fmt.Errorf("quote shipping: %w", err)
	}
	q.ShippingCents = ship
	q.TaxCents = c.tax(q.SubtotalCents + q.ShippingCents)
	q.TotalCents = q.SubtotalCents + q.ShippingCents + q.TaxCents
	return q, nil
}
