package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const StripeSignatureHeader = "Stripe-Signature"

type Stripe struct {
	cfg     config.Stripe
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

func NewStripe(cfg config.Stripe, client *http.Client, logger *zap.Logger) *Stripe {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Stripe{
		cfg:     cfg,
		client:  client,
		breaker: newBreaker("stripe", logger),
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Stripe) Name() string            { return ProviderStripe }
func (s *Stripe) SignatureHeader() string { return StripeSignatureHeader }

type stripeError struct {
	Type          string `json:"type"`
	Code          string `json:"code"`
	DeclineCode   string `json:"decline_code"`
	Message       string `json:"message"`
	PaymentIntent *struct {
		ID string `json:"id"`
	} `json:"payment_intent"`
}

func (e stripeError) reason() string {
	switch {
	case e.DeclineCode != "":
		return e.DeclineCode
	case e.Code != "":
		return e.Code
	default:
		return e.Message
	}
}

type stripePaymentIntent struct {
	ID               string       `json:"id"`
	Status           string       `json:"status"`
	LastPaymentError *stripeError `json:"last_payment_error"`
}

type stripeCharge struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Refunded      bool   `json:"refunded"`
}

// Authorize creates and confirms a PaymentIntent in one call.
func (s *Stripe) Authorize(ctx context.Context, req AuthorizeRequest) (Result, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.PaymentMethodToken)
	form.Set("confirm", "true")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	if req.Customer.Email != "" {
		form.Set("receipt_email", req.Customer.Email)
	}
	if req.Customer.ID != "" {
		form.Set("metadata[customer_id]", req.Customer.ID)
	}
	if req.Reference != "" {
		form.Set("metadata[reference]", req.Reference)
	}

	return executeWithBreaker(s.breaker, func() (Result, error) {
		var pi stripePaymentIntent
		status, apiErr, err := s.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey, &pi)
		if err != nil {
			return Result{}, err
		}
		if apiErr != nil {
			res := Result{Status: StatusDeclined, FailureReason: apiErr.reason()}
			if apiErr.PaymentIntent != nil {
				res.ExternalPaymentID = apiErr.PaymentIntent.ID
			}
			if status == http.StatusPaymentRequired || apiErr.Type == "card_error" {
				return res, nil
			}
			return Result{}, fmt.Errorf("stripe %d %s: %s", status, apiErr.Code, apiErr.Message)
		}
		return s.result(pi), nil
	})
}

func (s *Stripe) result(pi stripePaymentIntent) Result {
	res := Result{ExternalPaymentID: pi.ID}
	switch pi.Status {
	case "succeeded":
		res.Success, res.Status = true, StatusCaptured
	case "requires_capture":
		res.Success, res.Status = true, StatusAuthorized
	case "processing", "requires_action", "requires_confirmation":
		res.Success, res.Status = true, StatusPending
	default:
		res.Status = StatusDeclined
		res.FailureReason = pi.Status
		if pi.LastPaymentError != nil {
			res.FailureReason = pi.LastPaymentError.reason()
		}
	}
	return res
}

func (s *Stripe) Void(ctx context.Context, externalPaymentID string) error {
	_, err := executeWithBreaker(s.breaker, func() (struct{}, error) {
		status, apiErr, err := s.post(ctx, "/v1/payment_intents/"+url.PathEscape(externalPaymentID)+"/cancel",
			url.Values{}, "void-"+externalPaymentID, nil)
		if err != nil {
			return struct{}{}, err
		}
		if apiErr != nil {
			return struct{}{}, fmt.Errorf("stripe void %d %s: %s", status, apiErr.Code, apiErr.Message)
		}
		return struct{}{}, nil
	})
	return err
}

// post returns the decoded API error for 4xx answers, and ErrUnavailable for
// transport failures and 5xx.
func (s *Stripe) post(ctx context.Context, path string, form url.Values, idemKey string, out any) (int, *stripeError, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	httpReq.SetBasicAuth(s.cfg.APIKey, "")
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idemKey != "" {
		httpReq.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		logx.Warn(ctx, s.logger, "stripe request failed", zap.String("path", path), zap.Error(err))
		return 0, nil, errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Join(ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, nil, fmt.Errorf("%w: stripe status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var env struct {
			Error stripeError `json:"error"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("stripe status %d: decode error: %w", resp.StatusCode, err)
		}
		return resp.StatusCode, &env.Error, nil
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("decode stripe response: %w", err)
		}
	}
	return resp.StatusCode, nil, nil
}

func (s *Stripe) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	return VerifyStripeSignature(rawBody, signatureHeader, s.cfg.WebhookSecret, s.cfg.SignatureMaxAge, s.now())
}

// VerifyStripeSignature checks a "t=<unix>,v1=<hex>" header against
// HMAC-SHA256(secret, "<t>.<body>"). maxAge <= 0 disables the replay window.
func VerifyStripeSignature(rawBody []byte, header, secret string, maxAge time.Duration, now time.Time) bool {
	if header == "" || secret == "" {
		return false
	}
	var (
		ts   string
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return false
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			b, err := hex.DecodeString(v)
			if err != nil {
				return false
			}
			sigs = append(sigs, b)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if maxAge > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > maxAge || age < -maxAge {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	ok := false
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			ok = true
		}
	}
	return ok
}

// SignStripePayload builds a valid Stripe-Signature header value.
func SignStripePayload(rawBody []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(rawBody)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (s *Stripe) ParseEvent(rawBody []byte) (Event, error) {
	var env stripeEvent
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	ev := Event{
		Provider:   ProviderStripe,
		ID:         env.ID,
		Type:       env.Type,
		Kind:       KindIgnored,
		OccurredAt: time.Unix(env.Created, 0).UTC(),
	}

	switch {
	case strings.HasPrefix(env.Type, "payment_intent."):
		var pi stripePaymentIntent
		if err := json.Unmarshal(env.Data.Object, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: payment_intent: %v", ErrMalformedEvent, err)
		}
		ev.PaymentID = pi.ID
		if pi.LastPaymentError != nil {
			ev.FailureReason = pi.LastPaymentError.reason()
		}
		switch env.Type {
		case "payment_intent.succeeded":
			ev.Kind = KindSucceeded
		case "payment_intent.amount_capturable_updated":
			ev.Kind = KindAuthorized
		case "payment_intent.processing", "payment_intent.requires_action":
			ev.Kind = KindPending
		case "payment_intent.payment_failed":
			ev.Kind = KindFailed
		case "payment_intent.canceled":
			ev.Kind = KindCanceled
		}
	case env.Type == "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(env.Data.Object, &ch); err != nil {
			return Event{}, fmt.Errorf("%w: charge: %v", ErrMalformedEvent, err)
		}
		ev.PaymentID = ch.PaymentIntent
		// partial refunds keep the order alive
		if ch.Refunded {
			ev.Kind = KindRefunded
		}
	}
	return ev, nil
}
