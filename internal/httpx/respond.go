package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/payment"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the closed error set onto HTTP statuses. Unknown errors
// become opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	var stockErr *orders.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "insufficient stock",
			"shortages": stockErr.Shortages,
		})
		return
	}

	switch {
	case errors.Is(err, orders.ErrInvalidLineItem):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, orders.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, orders.ErrSignatureInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
	case errors.Is(err, orders.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, orders.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, orders.ErrNotPending):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, payment.ErrGatewayUnavailable):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment gateway unavailable, retry later"})
	case errors.Is(err, payment.ErrGatewayRejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "payment gateway rejected the order"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
