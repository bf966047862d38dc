package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/reservation"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/stock"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/webhook"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string            `json:"error"`
	Detail string            `json:"detail,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Item   *stockItem        `json:"item,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

type stockItem struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// writeError maps domain errors onto status codes. Anything unknown is a 500
// and gets logged; its text is not shown to the client.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		ve       validator.ValidationErrors
		short    *reservation.InsufficientStockError
		declined *checkout.PaymentDeclinedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Fields: FormatValidationError(ve)})
	case errors.As(err, &short):
		writeJSON(w, http.StatusConflict, errorBody{Error: "insufficient_stock", Item: &stockItem{
			ProductID: short.Item.ProductID,
			Variant:   short.Item.Variant,
			Requested: short.Item.Qty,
			Available: short.Available,
		}})
	case errors.As(err, &declined):
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: "payment_declined", Reason: declined.Reason})
	case errors.Is(err, checkout.ErrGatewayUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payment_unavailable"})
	case errors.Is(err, checkout.ErrInProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: "checkout_in_progress"})
	case errors.Is(err, checkout.ErrUnknownProvider), errors.Is(err, checkout.ErrUnknownProduct):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unprocessable", Detail: err.Error()})
	case errors.Is(err, payment.ErrInvalidSignature):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_signature"})
	case errors.Is(err, webhook.ErrUnknownProvider):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown_provider"})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: "invalid_transition", Detail: err.Error()})
	case errors.Is(err, stock.ErrBelowReserved):
		writeJSON(w, http.StatusConflict, errorBody{Error: "below_reserved"})
	case errors.Is(err, stock.ErrInvalidQuantity), errors.Is(err, stock.ErrEntryNotFound):
		code := http.StatusBadRequest
		if errors.Is(err, stock.ErrEntryNotFound) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, errorBody{Error: err.Error()})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: detail})
}

func FormatValidationError(ve validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			out[field] = fmt.Sprintf("%s is required", field)
		case "min":
			out[field] = fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		case "gt":
			out[field] = fmt.Sprintf("%s must be greater than %s", field, fe.Param())
		case "len":
			out[field] = fmt.Sprintf("%s must be %s characters", field, fe.Param())
		case "email":
			out[field] = fmt.Sprintf("%s must be a valid email", field)
		default:
			out[field] = fmt.Sprintf("%s is invalid", field)
		}
	}
	return out
}
