package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type cartLineJSON struct {
	ProductID     string          `json:"product_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	ReservedUntil time.Time       `json:"reserved_until"`
	Expired       bool            `json:"expired"`
}

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// ListProducts returns the catalog with current sellable stock.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := make([]productJSON, len(products))
	for i, p := range products {
		resp[i] = productJSON{ID: p.ID, Name: p.Name, Price: p.Price, Quantity: p.Quantity}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCart returns the cart's lines, flagging expired holds.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	lines, err := h.carts.List(r.Context(), r.PathValue("cart"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	now := time.Now()
	resp := make([]cartLineJSON, len(lines))
	for i, l := range lines {
		resp[i] = cartLineJSON{
			ProductID:     l.ProductID,
			Quantity:      l.Quantity,
			UnitPrice:     l.UnitPrice,
			ReservedUntil: l.ReservedUntil,
			Expired:       l.Expired(now),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// AddCartItem adds or increases a product hold in the cart.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	line, err := h.carts.AddOrIncrease(r.Context(), r.PathValue("cart"), req.ProductID, req.Quantity, h.cfg.CartTTL)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cartLineJSON{
		ProductID:     line.ProductID,
		Quantity:      line.Quantity,
		UnitPrice:     line.UnitPrice,
		ReservedUntil: line.ReservedUntil,
	})
}

// RemoveCartItem removes a line, or decreases it when a quantity query
// parameter is given.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	cartID := r.PathValue("cart")
	productID := r.PathValue("product")

	if q := r.URL.Query().Get("quantity"); q != "" {
		qty, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid quantity")
			return
		}
		if err := h.carts.Decrease(r.Context(), cartID, productID, qty, h.cfg.CartTTL); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.carts.Remove(r.Context(), cartID, productID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
