package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const squareHookURL = "https://shop.example.com/webhooks/square"

func newSquare(t *testing.T, h http.HandlerFunc) *Square {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewSquare(config.Square{
		BaseURL:             srv.URL,
		AccessToken:         "sq0atp-test",
		LocationID:          "L1",
		WebhookSignatureKey: "sig-key",
		NotificationURL:     squareHookURL,
		APIVersion:          "2024-01-18",
	}, srv.Client(), zap.NewNop())
}

func TestSquareAuthorize_Completed(t *testing.T) {
	s := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/payments", r.URL.Path)
		assert.Equal(t, "Bearer sq0atp-test", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-01-18", r.Header.Get("Square-Version"))

		var body squareCreatePayment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "idem-7", body.IdempotencyKey)
		assert.Equal(t, "cnon:card-nonce-ok", body.SourceID)
		assert.Equal(t, squareMoney{Amount: 1500, Currency: "USD"}, body.AmountMoney)
		assert.Equal(t, "L1", body.LocationID)

		_, _ = w.Write([]byte(`{"payment":{"id":"sq_1","status":"COMPLETED"}}`))
	})

	res, err := s.Authorize(context.Background(), AuthorizeRequest{
		Amount: 1500, Currency: "usd", PaymentMethodToken: "cnon:card-nonce-ok", IdempotencyKey: "idem-7",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Success: true, ExternalPaymentID: "sq_1", Status: StatusCaptured}, res)
}

func TestSquareAuthorize_Declined(t *testing.T) {
	s := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"CARD_DECLINED","detail":"Authorization error"}],"payment":{"id":"sq_2","status":"FAILED"}}`))
	})

	res, err := s.Authorize(context.Background(), AuthorizeRequest{Amount: 1500, Currency: "usd"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "CARD_DECLINED", res.FailureReason)
	assert.Equal(t, "sq_2", res.ExternalPaymentID)
}

func TestSquareAuthorize_InvalidRequestIsError(t *testing.T) {
	s := newSquare(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"category":"INVALID_REQUEST_ERROR","code":"MISSING_REQUIRED_PARAMETER","detail":"source_id"}]}`))
	})
	_, err := s.Authorize(context.Background(), AuthorizeRequest{Amount: 1500, Currency: "usd"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestSquareAuthorize_Unreachable(t *testing.T) {
	s := NewSquare(config.Square{BaseURL: "http://127.0.0.1:1"}, nil, zap.NewNop())
	_, err := s.Authorize(context.Background(), AuthorizeRequest{Amount: 1, Currency: "usd"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVerifySquareSignature(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	sig := SignSquarePayload(body, "sig-key", squareHookURL)

	assert.True(t, VerifySquareSignature(body, sig, "sig-key", squareHookURL))
	assert.False(t, VerifySquareSignature(body, sig, "sig-key", "https://other.example.com/hook"))
	assert.False(t, VerifySquareSignature(body, sig, "wrong", squareHookURL))
	assert.False(t, VerifySquareSignature([]byte(`{}`), sig, "sig-key", squareHookURL))
	assert.False(t, VerifySquareSignature(body, "", "sig-key", squareHookURL))
	assert.False(t, VerifySquareSignature(body, "%%%", "sig-key", squareHookURL))
	assert.False(t, VerifySquareSignature(body, "c2hvcnQ=", "sig-key", squareHookURL))
}

func TestSquareParseEvent(t *testing.T) {
	s := NewSquare(config.Square{}, nil, zap.NewNop())

	cases := []struct {
		body string
		kind EventKind
		pay  string
	}{
		{`{"event_id":"e1","type":"payment.updated","created_at":"2026-01-02T03:04:05Z","data":{"type":"payment","id":"sq_1","object":{"payment":{"id":"sq_1","status":"COMPLETED"}}}}`, KindSucceeded, "sq_1"},
		{`{"event_id":"e2","type":"payment.updated","data":{"object":{"payment":{"id":"sq_1","status":"APPROVED"}}}}`, KindAuthorized, "sq_1"},
		{`{"event_id":"e3","type":"payment.created","data":{"object":{"payment":{"id":"sq_1","status":"PENDING"}}}}`, KindPending, "sq_1"},
		{`{"event_id":"e4","type":"payment.updated","data":{"object":{"payment":{"id":"sq_1","status":"FAILED"}}}}`, KindFailed, "sq_1"},
		{`{"event_id":"e5","type":"payment.updated","data":{"object":{"payment":{"id":"sq_1","status":"CANCELED"}}}}`, KindCanceled, "sq_1"},
		{`{"event_id":"e6","type":"refund.updated","data":{"object":{"refund":{"id":"r1","status":"COMPLETED","payment_id":"sq_1","amount_money":{"amount":100,"currency":"USD"}}}}}`, KindIgnored, "sq_1"},
		{`{"event_id":"e7","type":"refund.created","data":{"object":{"refund":{"id":"r1","status":"PENDING","payment_id":"sq_1"}}}}`, KindIgnored, "sq_1"},
		{`{"event_id":"e8","type":"inventory.count.updated","data":{}}`, KindIgnored, ""},
	}
	for _, c := range cases {
		ev, err := s.ParseEvent([]byte(c.body))
		require.NoError(t, err, c.body)
		assert.Equal(t, c.kind, ev.Kind, c.body)
		assert.Equal(t, c.pay, ev.PaymentID, c.body)
	}

	_, err := s.ParseEvent([]byte(`{"event_id":"e9","type":"payment.updated","data":{"object":{}}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestSquareParseEvent_Refunds(t *testing.T) {
	s := NewSquare(config.Square{}, nil, zap.NewNop())

	paid := func(refunded int64) string {
		return fmt.Sprintf(`{"event_id":"e_%d","type":"payment.updated","data":{"object":{"payment":{"id":"sq_1","status":"COMPLETED","total_money":{"amount":4950,"currency":"USD"},"refunded_money":{"amount":%d,"currency":"USD"}}}}}`, refunded, refunded)
	}

	cases := []struct {
		name string
		body string
		kind EventKind
	}{
		{"no refund yet", paid(0), KindSucceeded},
		{"1.00 of 49.50 refunded", paid(100), KindIgnored},
		{"all but one cent", paid(4949), KindIgnored},
		{"fully refunded", paid(4950), KindRefunded},
		{"refund object alone", `{"event_id":"e_r","type":"refund.updated","data":{"object":{"refund":{"id":"r1","status":"COMPLETED","payment_id":"sq_1","amount_money":{"amount":4950,"currency":"USD"}}}}}`, KindIgnored},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev, err := s.ParseEvent([]byte(c.body))
			require.NoError(t, err)
			assert.Equal(t, c.kind, ev.Kind)
			assert.Equal(t, "sq_1", ev.PaymentID)
		})
	}
}
