// Package paymenttest provides an in-process Gateway for tests and local runs.
package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
)

// Stub answers Authorize from a scripted function and accepts webhooks signed
// with its Secret (header value must equal it). Bodies are StubEvent JSON.
type Stub struct {
	Provider string
	Secret   string

	mu        sync.Mutex
	authorize func(ctx context.Context, req payment.AuthorizeRequest) (payment.Result, error)
	Calls     []payment.AuthorizeRequest
	Voided    []string
	seq       int
}

type StubEvent struct {
	ID        string            `json:"id"`
	Kind      payment.EventKind `json:"kind"`
	PaymentID string            `json:"payment_id"`
	Reason    string            `json:"reason,omitempty"`
}

func New(provider string) *Stub {
	s := &Stub{Provider: provider, Secret: "whsec_test"}
	s.Approve(payment.StatusCaptured)
	return s
}

// Approve makes every Authorize succeed with status.
func (s *Stub) Approve(status payment.Status) *Stub {
	return s.Script(func(context.Context, payment.AuthorizeRequest) (payment.Result, error) {
		return payment.Result{
			Success:           true,
			ExternalPaymentID: s.nextID(),
			Status:            status,
		}, nil
	})
}

func (s *Stub) Decline(reason string) *Stub {
	return s.Script(func(context.Context, payment.AuthorizeRequest) (payment.Result, error) {
		return payment.Result{
			ExternalPaymentID: s.nextID(),
			Status:            payment.StatusDeclined,
			FailureReason:     reason,
		}, nil
	})
}

func (s *Stub) Fail(err error) *Stub {
	return s.Script(func(context.Context, payment.AuthorizeRequest) (payment.Result, error) { return payment.Result{}, err })
}

func (s *Stub) Script(fn func(context.Context, payment.AuthorizeRequest) (payment.Result, error)) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorize = fn
	return s
}

func (s *Stub) Name() string            { return s.Provider }
func (s *Stub) SignatureHeader() string { return "X-Stub-Signature" }

func (s *Stub) Authorize(ctx context.Context, req payment.AuthorizeRequest) (payment.Result, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	fn := s.authorize
	s.mu.Unlock()
	return fn(ctx, req)
}

func (s *Stub) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s_pay_%d", s.Provider, s.seq)
}

func (s *Stub) Void(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Voided = append(s.Voided, id)
	return nil
}

func (s *Stub) VerifyWebhookSignature(_ []byte, header string) bool {
	return header != "" && header == s.Secret
}

func (s *Stub) ParseEvent(raw []byte) (payment.Event, error) {
	var e StubEvent
	if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
		return payment.Event{}, fmt.Errorf("%w: stub event", payment.ErrMalformedEvent)
	}
	return payment.Event{
		Provider:      s.Provider,
		ID:            e.ID,
		Type:          string(e.Kind),
		Kind:          e.Kind,
		PaymentID:     e.PaymentID,
		FailureReason: e.Reason,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

func (s *Stub) AuthorizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

func (s *Stub) VoidedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Voided...)
}

// Body encodes a stub webhook body.
func Body(e StubEvent) []byte {
	b, _ := json.Marshal(e)
	return b
}
