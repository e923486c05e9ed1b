package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/mercura/storefront-orders/internal/inventory"
	kafkax "github.com/mercura/storefront-orders/internal/kafka"
	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/reconcile"
	"github.com/mercura/storefront-orders/internal/redisx"
)

type OrdersHandler struct {
	Store    orders.Store
	Catalog  inventory.Catalog
	Engine   *reconcile.Engine
	Producer reconcile.Publisher // order.created
	Redis    *redis.Client
	Log      *logrus.Logger
	Service  string
}

type CreateOrderReq struct {
	ExternalID string             `json:"external_id,omitempty"`
	Items      []orders.ItemInput `json:"items"`
}

type CancelOrderReq struct {
	Reason string `json:"reason,omitempty"`
}

type SetStatusReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Get("/products", h.listProducts)
	r.Group(func(g chi.Router) {
		g.Use(RequireIdentity)
		g.Post("/orders", h.createOrder)
		g.Get("/orders", h.listOrders)
		g.Get("/orders/{id}", h.getOrder)
		g.Post("/orders/{id}/cancel", h.cancelOrder)
		g.With(RequireAdmin).Put("/orders/{id}/status", h.setStatus)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// redis fast path for replayed checkouts; the store's unique external_id
	// check stays the source of truth
	if h.Redis != nil && req.ExternalID != "" {
		idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		if orderID, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && orderID != "" {
			if o, err := h.Store.Get(ctx, orderID, id.Requester); err == nil {
				writeJSON(w, http.StatusOK, o)
				return
			}
		}
	}

	o, existed, err := h.Store.Create(ctx, orders.CreateInput{
		ExternalID: req.ExternalID,
		BuyerID:    id.ID,
		Items:      req.Items,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Redis != nil && req.ExternalID != "" {
		idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		_ = h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
	}

	if !existed {
		h.publishCreated(o, r.Header.Get("X-Request-Id"))
		w.Header().Set("Location", "/orders/"+o.ID)
		writeJSON(w, http.StatusCreated, o)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// cache first; authorization still applies to the cached copy
	key := fmt.Sprintf(redisx.KeyOrder, orderID)
	if h.Redis != nil {
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			var o orders.Order
			if json.Unmarshal([]byte(s), &o) == nil {
				if !id.CanRead(&o) {
					writeError(w, orders.ErrForbidden)
					return
				}
				writeJSON(w, http.StatusOK, &o)
				return
			}
		}
	}

	o, err := h.Store.Get(ctx, orderID, id.Requester)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Redis != nil {
		if b, err := json.Marshal(o); err == nil {
			_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
		}
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		out []orders.Order
		err error
	)
	if id.Admin && r.URL.Query().Get("all") == "true" {
		out, err = h.Store.ListAll(ctx)
	} else {
		out, err = h.Store.ListByBuyer(ctx, id.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	var req CancelOrderReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + id.ID
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Engine.Cancel(ctx, orderID, reason, id.Requester)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r, orderID)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req SetStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !orders.ValidStatus(req.Status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Store.SetStatus(ctx, orderID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r, orderID)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) publishCreated(o *orders.Order, traceID string) {
	if h.Producer == nil {
		return
	}
	items := make([]orders.ItemPrice, 0, len(o.Items))
	for _, li := range o.Items {
		items = append(items, orders.ItemPrice{ProductID: li.ProductID, Qty: li.Qty, PriceCents: li.PriceCents})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       traceID,
		CorrelationID: o.ID,
	}
	ev.Payload = kafkax.MustMarshal(orders.OrderCreatedPayload{
		OrderID:    o.ID,
		ExternalID: o.ExternalID,
		BuyerID:    o.BuyerID,
		Items:      items,
		TotalCents: o.TotalCents,
	})
	h.Producer.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCreated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (h *OrdersHandler) invalidate(r *http.Request, orderID string) {
	if h.Redis == nil {
		return
	}
	_ = h.Redis.Del(r.Context(), fmt.Sprintf(redisx.KeyOrder, orderID)).Err()
}
