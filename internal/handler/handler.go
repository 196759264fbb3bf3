// Package handler exposes the thin JSON HTTP surface over the checkout
// core. Handlers only translate between HTTP and domain calls; all business
// rules live in the domain packages.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/cart"
	"github.com/meridianshop/checkout/internal/domain/order"
	"github.com/meridianshop/checkout/internal/domain/payment"
	"github.com/meridianshop/checkout/internal/domain/product"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// CartTTL is the hold duration applied to cart mutations.
	CartTTL time.Duration
	// WebhookSecret verifies payment webhook signatures. Empty disables
	// verification (local development only).
	WebhookSecret []byte
}

// Handler wires HTTP routes to the domain services.
type Handler struct {
	cfg       Config
	products  product.Repository
	carts     *cart.Manager
	orders    *order.Service
	processor *payment.Processor
}

// New constructs a Handler with the required domain dependencies.
func New(
	cfg Config,
	products product.Repository,
	carts *cart.Manager,
	orders *order.Service,
	processor *payment.Processor,
) *Handler {
	return &Handler{
		cfg:       cfg,
		products:  products,
		carts:     carts,
		orders:    orders,
		processor: processor,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("GET /api/carts/{cart}", h.GetCart)
	mux.HandleFunc("POST /api/carts/{cart}/items", h.AddCartItem)
	mux.HandleFunc("DELETE /api/carts/{cart}/items/{product}", h.RemoveCartItem)
	mux.HandleFunc("POST /api/carts/{cart}/checkout", h.Checkout)
	mux.HandleFunc("GET /api/orders/{order}", h.GetOrder)
	mux.HandleFunc("POST /api/orders/{order}/cancel", h.CancelOrder)
	mux.HandleFunc("POST /api/orders/{order}/fulfilment", h.AdvanceFulfilment)
	mux.HandleFunc("POST /webhooks/payment", h.PaymentWebhook)
}

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

// writeDomainError maps domain errors to HTTP statuses. Unexpected errors
// are logged and reported as 500 without leaking internals.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, stock.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient stock")
	case errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, cart.ErrLineNotFound):
		writeError(w, http.StatusNotFound, "cart line not found")
	case errors.Is(err, cart.ErrCartEmpty):
		writeError(w, http.StatusBadRequest, "cart has no valid lines")
	case errors.Is(err, cart.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, "quantity must be greater than 0")
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		var itErr *order.IllegalTransitionError
		if errors.As(err, &itErr) {
			writeError(w, http.StatusConflict, itErr.Error())
			return
		}
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
