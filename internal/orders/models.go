package orders

import "time"

// Item is the purchase-time snapshot; never changed after Create.
type Item struct {
	ProductID      string `json:"product_id"`
	Variant        string `json:"variant,omitempty"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Totals struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	ShippingCents int64  `json:"shipping_cents"`
	TaxCents      int64  `json:"tax_cents"`
	TotalCents    int64  `json:"total_cents"`
	Currency      string `json:"currency"`
}

type HistoryEntry struct {
	Seq     int       `json:"seq"`
	Status  Status    `json:"status"`
	Note    string    `json:"note,omitempty"`
	Actor   Actor     `json:"actor"`
	At      time.Time `json:"at"`
	Applied bool      `json:"applied"` // false: recorded only, status kept
}

type Order struct {
	ID             string         `json:"id"`
	Status         Status         `json:"status"` // lihat status.go
	PaymentID      string         `json:"payment_id"`
	Provider       string         `json:"provider"`
	PaymentStatus  string         `json:"payment_status"`
	IdempotencyKey string         `json:"-"`
	ReservationID  string         `json:"reservation_id,omitempty"`
	CustomerID     string         `json:"customer_id"`
	CustomerEmail  string         `json:"customer_email"`
	Items          []Item         `json:"items"`
	Totals         Totals         `json:"totals"`
	History        []HistoryEntry `json:"status_history"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (o *Order) clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.History = append([]HistoryEntry(nil), o.History...)
	return &c
}

type TransitionRequest struct {
	To    Status
	Actor Actor
	Note  string
	// PaymentStatus, when set, is stored together with an applied transition.
	PaymentStatus string
}

type TransitionResult struct {
	Order   *Order
	From    Status
	Applied bool
}
