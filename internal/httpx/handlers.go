package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/stock"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/webhook"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

// OrderCache is the read-through projection used by GET /orders/{id}.
type OrderCache interface {
	Get(ctx context.Context, id string) (*orders.Order, bool)
	Set(ctx context.Context, o *orders.Order)
}

type ProductUpserter interface {
	Upsert(ctx context.Context, p checkout.Product) error
}

type Handlers struct {
	Checkout *checkout.Service
	Webhooks *webhook.Reconciler
	Orders   orders.Store
	Cache    OrderCache
	Engine   *fulfillment.Engine
	Stock    stock.Ledger
	Catalog  ProductUpserter
	Logger   *zap.Logger
}

func (h *Handlers) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Post("/webhooks/{provider}", h.webhook)
	r.Get("/orders/{id}", h.getOrder)
	r.Route("/admin", func(r chi.Router) {
		r.Post("/orders/{id}/transitions", h.transition)
		r.Post("/stock", h.addStock)
		r.Get("/stock/{product}", h.getStock)
	})
}

func decode(r *http.Request, w http.ResponseWriter, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

func (h *Handlers) checkout(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		badRequest(w, "Idempotency-Key header is required")
		return
	}
	var req checkout.Request
	if !decode(r, w, &req) {
		return
	}
	req.IdempotencyKey = key

	res, err := h.Checkout.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	code := http.StatusCreated
	if res.Idempotent {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}

	// provider hang-up must not cut a transition in half
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()

	outcome, err := h.Webhooks.Handle(ctx, chi.URLParam(r, "provider"), raw, r.Header)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if h.Cache != nil {
		if o, ok := h.Cache.Get(ctx, id); ok {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}

	// 2) fallback store
	o, err := h.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Set(ctx, o)
	}
	writeJSON(w, http.StatusOK, o)
}

type transitionReq struct {
	Status        orders.Status `json:"status"`
	Note          string        `json:"note"`
	PaymentStatus string        `json:"payment_status"`
}

type transitionResp struct {
	Order   *orders.Order `json:"order"`
	From    orders.Status `json:"from"`
	Applied bool          `json:"applied"`
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request) {
	actor := orders.ActorAdmin
	if v := r.Header.Get("X-Actor"); v != "" {
		a, err := orders.ParseActor(v)
		if err != nil || a == orders.ActorSystem || a == orders.ActorWebhook {
			badRequest(w, "X-Actor must be admin or subadmin:<code>")
			return
		}
		actor = a
	}

	var req transitionReq
	if !decode(r, w, &req) {
		return
	}
	if !req.Status.Valid() {
		badRequest(w, "unknown status")
		return
	}

	res, err := h.Engine.Apply(r.Context(), chi.URLParam(r, "id"), orders.TransitionRequest{
		To:            req.Status,
		Actor:         actor,
		Note:          req.Note,
		PaymentStatus: req.PaymentStatus,
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResp{Order: res.Order, From: res.From, Applied: res.Applied})
}

type stockReq struct {
	ProductID  string `json:"product_id"`
	Variant    string `json:"variant"`
	Delta      int    `json:"delta"`
	Name       string `json:"name"`
	PriceCents *int64 `json:"price_cents"`
}

func (h *Handlers) addStock(w http.ResponseWriter, r *http.Request) {
	var req stockReq
	if !decode(r, w, &req) {
		return
	}
	if req.ProductID == "" {
		badRequest(w, "product_id is required")
		return
	}

	if req.Name != "" && req.PriceCents != nil && h.Catalog != nil {
		p := checkout.Product{ID: req.ProductID, Name: req.Name, PriceCents: *req.PriceCents}
		if err := h.Catalog.Upsert(r.Context(), p); err != nil {
			writeError(w, h.Logger, err)
			return
		}
	}

	e, err := h.Stock.AddStock(r.Context(), stock.Key{ProductID: req.ProductID, Variant: req.Variant}, req.Delta)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stockView(e))
}

func (h *Handlers) getStock(w http.ResponseWriter, r *http.Request) {
	key := stock.Key{ProductID: chi.URLParam(r, "product"), Variant: r.URL.Query().Get("variant")}
	e, err := h.Stock.Entry(r.Context(), key)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stockView(e))
}

func stockView(e stock.Entry) map[string]any {
	return map[string]any{
		"product_id": e.Key.ProductID,
		"variant":    e.Key.Variant,
		"on_hand":    e.OnHand,
		"reserved":   e.Reserved,
		"available":  e.Available(),
	}
}
