package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderStatusChangedPayload struct {
	OrderID       string `json:"order_id"`
	From          Status `json:"from"`
	To            Status `json:"to"`
	Actor         Actor  `json:"actor"`
	Note          string `json:"note,omitempty"`
	PaymentID     string `json:"payment_id"`
	CustomerEmail string `json:"customer_email"`
	TotalCents    int64  `json:"total_cents"`
	Currency      string `json:"currency"`
}

// Notifies reports whether customers hear about a move to s.
func Notifies(s Status) bool {
	switch s {
	case StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}
