package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianshop/checkout/internal/domain/order"
)

type orderLineJSON struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderJSON struct {
	ID        string          `json:"id"`
	Number    string          `json:"order_number"`
	Status    string          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	Lines     []orderLineJSON `json:"lines"`
	CreatedAt time.Time       `json:"created_at"`
}

func toOrderJSON(o *order.Order) orderJSON {
	lines := make([]orderLineJSON, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = orderLineJSON{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
	}
	return orderJSON{
		ID:        o.ID,
		Number:    o.Number,
		Status:    string(o.Status),
		Total:     o.Total,
		Lines:     lines,
		CreatedAt: o.CreatedAt,
	}
}

// Checkout converts the cart into an order and returns its identifiers.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Checkout(r.Context(), r.PathValue("cart"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderJSON(o))
}

// GetOrder returns a single order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByID(r.Context(), r.PathValue("order"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

// CancelOrder cancels a pre-shipped order, restoring any locked stock.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), r.PathValue("order"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

type fulfilmentRequest struct {
	Action string `json:"action"`
}

// AdvanceFulfilment applies an operator-driven fulfilment transition.
func (h *Handler) AdvanceFulfilment(w http.ResponseWriter, r *http.Request) {
	var req fulfilmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	orderID := r.PathValue("order")
	var (
		o   *order.Order
		err error
	)
	switch req.Action {
	case "processing":
		o, err = h.orders.MarkProcessing(r.Context(), orderID)
	case "shipped":
		o, err = h.orders.MarkShipped(r.Context(), orderID)
	case "delivered":
		o, err = h.orders.MarkDelivered(r.Context(), orderID)
	case "refunded":
		o, err = h.orders.Refund(r.Context(), orderID)
	default:
		writeError(w, http.StatusBadRequest, "unknown fulfilment action")
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}
