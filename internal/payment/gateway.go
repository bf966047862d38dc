package payment

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrUnavailable      = errors.New("payment gateway unavailable")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

const (
	ProviderStripe = "stripe"
	ProviderSquare = "square"
)

type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	// pending: provider needs more time (3DS, bank transfer); outcome comes by webhook
	StatusPending  Status = "pending"
	StatusDeclined Status = "declined"
	StatusVoided   Status = "voided"
	StatusRefunded Status = "refunded"
)

type Customer struct {
	ID    string
	Email string
}

// AuthorizeRequest amounts are in minor units (cents).
type AuthorizeRequest struct {
	Amount             int64
	Currency           string
	PaymentMethodToken string
	Customer           Customer
	IdempotencyKey     string
	Reference          string
}

// Result is the provider response normalized. A decline is a Result with
// Success false, not an error.
type Result struct {
	Success           bool
	ExternalPaymentID string
	Status            Status
	FailureReason     string
}

// Gateway is one payment provider.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (Result, error)
	Void(ctx context.Context, externalPaymentID string) error

	// SignatureHeader names the HTTP header the provider signs webhooks with.
	SignatureHeader() string
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool
	ParseEvent(rawBody []byte) (Event, error)
}

type EventKind string

const (
	KindAuthorized EventKind = "authorized"
	KindSucceeded  EventKind = "succeeded"
	KindPending    EventKind = "pending"
	KindFailed     EventKind = "failed"
	KindCanceled   EventKind = "canceled"
	KindRefunded   EventKind = "refunded"
	KindIgnored    EventKind = "ignored"
)

// Event is a provider webhook after decoding, in provider-neutral terms.
type Event struct {
	Provider      string    `json:"provider"`
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Kind          EventKind `json:"kind"`
	PaymentID     string    `json:"payment_id"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Registry map[string]Gateway

func NewRegistry(gws ...Gateway) Registry {
	r := make(Registry, len(gws))
	for _, g := range gws {
		r[g.Name()] = g
	}
	return r
}

func (r Registry) Get(name string) (Gateway, bool) {
	g, ok := r[name]
	return g, ok
}

func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
