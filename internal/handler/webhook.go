package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/order"
	"github.com/meridianshop/checkout/internal/domain/payment"
)

// maxWebhookBody caps webhook payload size.
const maxWebhookBody = 1 << 20

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "X-Webhook-Signature"

type webhookRequest struct {
	EventID         string `json:"event_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Outcome         string `json:"outcome"`
}

// PaymentWebhook ingests a payment-provider event. Response codes steer the
// provider's retry behavior:
//
//   - 200: processed, or a duplicate intentionally absorbed — stop retrying.
//   - 404: the intent matches no order yet — retry later.
//   - 409: the outcome conflicts with the order's current state.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	if len(h.cfg.WebhookSecret) > 0 && !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventID == "" || req.PaymentIntentID == "" {
		writeError(w, http.StatusBadRequest, "event_id and payment_intent_id are required")
		return
	}

	err = h.processor.Process(r.Context(), payment.Event{
		ID:              req.EventID,
		PaymentIntentID: req.PaymentIntentID,
		Outcome:         payment.Outcome(req.Outcome),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, payment.ErrDuplicateEvent):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, payment.ErrUnknownOutcome):
		writeError(w, http.StatusBadRequest, "unknown outcome")
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "no order for payment intent")
	default:
		var itErr *order.IllegalTransitionError
		if errors.As(err, &itErr) {
			writeError(w, http.StatusConflict, itErr.Error())
			return
		}
		zctx.From(r.Context()).Error("webhook processing failed",
			zap.String("event_id", req.EventID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.cfg.WebhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
