package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const SquareSignatureHeader = "X-Square-Hmacsha256-Signature"

type Square struct {
	cfg     config.Square
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewSquare(cfg config.Square, client *http.Client, logger *zap.Logger) *Square {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Square{
		cfg:     cfg,
		client:  client,
		breaker: newBreaker("square", logger),
		logger:  logger,
	}
}

func (s *Square) Name() string            { return ProviderSquare }
func (s *Square) SignatureHeader() string { return SquareSignatureHeader }

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareCreatePayment struct {
	IdempotencyKey    string      `json:"idempotency_key"`
	SourceID          string      `json:"source_id"`
	AmountMoney       squareMoney `json:"amount_money"`
	LocationID        string      `json:"location_id,omitempty"`
	Autocomplete      bool        `json:"autocomplete"`
	CustomerID        string      `json:"customer_id,omitempty"`
	BuyerEmailAddress string      `json:"buyer_email_address,omitempty"`
	ReferenceID       string      `json:"reference_id,omitempty"`
}

type squarePayment struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	TotalMoney    *squareMoney `json:"total_money,omitempty"`
	RefundedMoney *squareMoney `json:"refunded_money,omitempty"`
}

// fullyRefunded is true once refunds cover the whole charge.
func (p *squarePayment) fullyRefunded() bool {
	if p.RefundedMoney == nil || p.TotalMoney == nil || p.RefundedMoney.Amount <= 0 {
		return false
	}
	return p.RefundedMoney.Amount >= p.TotalMoney.Amount
}

type squareRefund struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	PaymentID   string      `json:"payment_id"`
	AmountMoney squareMoney `json:"amount_money"`
}

type squareError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type squarePaymentResponse struct {
	Payment *squarePayment `json:"payment"`
	Errors  []squareError  `json:"errors"`
}

func (s *Square) Authorize(ctx context.Context, req AuthorizeRequest) (Result, error) {
	body := squareCreatePayment{
		IdempotencyKey:    req.IdempotencyKey,
		SourceID:          req.PaymentMethodToken,
		AmountMoney:       squareMoney{Amount: req.Amount, Currency: strings.ToUpper(req.Currency)},
		LocationID:        s.cfg.LocationID,
		Autocomplete:      true,
		BuyerEmailAddress: req.Customer.Email,
		ReferenceID:       req.Reference,
	}

	return executeWithBreaker(s.breaker, func() (Result, error) {
		var out squarePaymentResponse
		status, err := s.post(ctx, "/v2/payments", body, &out)
		if err != nil {
			return Result{}, err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			if e.Category == "PAYMENT_METHOD_ERROR" {
				res := Result{Status: StatusDeclined, FailureReason: e.Code}
				if out.Payment != nil {
					res.ExternalPaymentID = out.Payment.ID
				}
				return res, nil
			}
			return Result{}, fmt.Errorf("square %d %s: %s", status, e.Code, e.Detail)
		}
		if out.Payment == nil {
			return Result{}, fmt.Errorf("square %d: response without payment", status)
		}
		return squareResult(*out.Payment), nil
	})
}

func squareResult(p squarePayment) Result {
	res := Result{ExternalPaymentID: p.ID}
	switch p.Status {
	case "COMPLETED":
		res.Success, res.Status = true, StatusCaptured
	case "APPROVED":
		res.Success, res.Status = true, StatusAuthorized
	case "PENDING":
		res.Success, res.Status = true, StatusPending
	default:
		res.Status, res.FailureReason = StatusDeclined, strings.ToLower(p.Status)
	}
	return res
}

func (s *Square) Void(ctx context.Context, externalPaymentID string) error {
	_, err := executeWithBreaker(s.breaker, func() (struct{}, error) {
		var out squarePaymentResponse
		status, err := s.post(ctx, "/v2/payments/"+url.PathEscape(externalPaymentID)+"/cancel", struct{}{}, &out)
		if err != nil {
			return struct{}{}, err
		}
		if len(out.Errors) > 0 {
			return struct{}{}, fmt.Errorf("square void %d %s: %s", status, out.Errors[0].Code, out.Errors[0].Detail)
		}
		return struct{}{}, nil
	})
	return err
}

// post decodes both success and 4xx bodies into out; Square reports
// declines as 4xx with an errors array.
func (s *Square) post(ctx context.Context, path string, in, out any) (int, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Square-Version", s.cfg.APIVersion)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		logx.Warn(ctx, s.logger, "square request failed", zap.String("path", path), zap.Error(err))
		return 0, errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, errors.Join(ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, fmt.Errorf("%w: square status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode square response (%d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

func (s *Square) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	return VerifySquareSignature(rawBody, signatureHeader, s.cfg.WebhookSignatureKey, s.cfg.NotificationURL)
}

// VerifySquareSignature checks base64(HMAC-SHA256(key, notificationURL+body)).
func VerifySquareSignature(rawBody []byte, header, signatureKey, notificationURL string) bool {
	if header == "" || signatureKey == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

func SignSquarePayload(rawBody []byte, signatureKey, notificationURL string) string {
	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type squareEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *squarePayment `json:"payment"`
			Refund  *squareRefund  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Square) ParseEvent(rawBody []byte) (Event, error) {
	var env squareEvent
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.EventID == "" || env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event_id or type", ErrMalformedEvent)
	}

	ev := Event{
		Provider:   ProviderSquare,
		ID:         env.EventID,
		Type:       env.Type,
		Kind:       KindIgnored,
		OccurredAt: env.CreatedAt.UTC(),
	}

	switch {
	case strings.HasPrefix(env.Type, "payment."):
		p := env.Data.Object.Payment
		if p == nil {
			return Event{}, fmt.Errorf("%w: %s without payment object", ErrMalformedEvent, env.Type)
		}
		ev.PaymentID = p.ID
		switch {
		case p.fullyRefunded():
			ev.Kind = KindRefunded
			return ev, nil
		case p.RefundedMoney != nil && p.RefundedMoney.Amount > 0:
			// partial refund, the order stands
			return ev, nil
		}
		switch p.Status {
		case "COMPLETED":
			ev.Kind = KindSucceeded
		case "APPROVED":
			ev.Kind = KindAuthorized
		case "PENDING":
			ev.Kind = KindPending
		case "FAILED":
			ev.Kind, ev.FailureReason = KindFailed, "failed"
		case "CANCELED":
			ev.Kind, ev.FailureReason = KindCanceled, "canceled"
		}
	case strings.HasPrefix(env.Type, "refund."):
		r := env.Data.Object.Refund
		if r == nil {
			return Event{}, fmt.Errorf("%w: %s without refund object", ErrMalformedEvent, env.Type)
		}
		// a refund alone does not say how much of the charge is left; the
		// payment.updated that follows carries refunded_money against total_money
		ev.PaymentID = r.PaymentID
		s.logger.Debug("square refund event",
			zap.String("event_id", env.EventID),
			zap.String("refund_id", r.ID),
			zap.String("status", r.Status),
			zap.Int64("amount", r.AmountMoney.Amount),
		)
	}
	return ev, nil
}
