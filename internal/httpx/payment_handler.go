package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/reconcile"
	"github.com/mercura/storefront-orders/internal/redisx"
)

type PaymentHandler struct {
	Store  orders.Store
	Engine *reconcile.Engine
	Redis  *redis.Client
	Log    *logrus.Logger
}

type CreateIntentReq struct {
	OrderID     string `json:"order_id"`
	AmountCents int    `json:"amount_cents,omitempty"`
}

type CreateIntentResp struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
}

type ConfirmReq struct {
	OrderID    string `json:"order_id"`
	PaymentRef string `json:"payment_ref"`
	Signature  string `json:"signature"`
}

type ConfirmResp struct {
	OrderID          string        `json:"order_id"`
	Status           orders.Status `json:"status"`
	AlreadyConfirmed bool          `json:"already_confirmed"`
}

func (h *PaymentHandler) Register(r *chi.Mux) {
	r.Group(func(g chi.Router) {
		g.Use(RequireIdentity)
		g.Post("/payment/intent", h.createIntent)
		g.Post("/payment/confirm", h.confirm)
	})
}

func (h *PaymentHandler) createIntent(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req CreateIntentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// a client-supplied amount is cross-checked against the stored total,
	// never used in its place
	if req.AmountCents != 0 {
		o, err := h.Store.Get(ctx, req.OrderID, id.Requester)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.AmountCents != o.TotalCents {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount does not match order total"})
			return
		}
	}

	in, err := h.Engine.CreateIntent(ctx, req.OrderID, id.Requester)
	if err != nil {
		h.invalidate(r, req.OrderID) // status may have moved to PaymentFailed
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateIntentResp{OrderID: req.OrderID, Reference: in.Reference})
}

func (h *PaymentHandler) confirm(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req ConfirmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" || req.PaymentRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id and payment_ref required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// contact comes from the authenticated identity, never the body
	o, already, err := h.Engine.ConfirmPayment(ctx, req.OrderID, req.PaymentRef, req.Signature, id.Contact)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r, req.OrderID)
	writeJSON(w, http.StatusOK, ConfirmResp{
		OrderID:          o.ID,
		Status:           o.Status,
		AlreadyConfirmed: already,
	})
}

func (h *PaymentHandler) invalidate(r *http.Request, orderID string) {
	if h.Redis == nil {
		return
	}
	_ = h.Redis.Del(r.Context(), fmt.Sprintf(redisx.KeyOrder, orderID)).Err()
}
