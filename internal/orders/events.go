package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated    = "OrderCreated"
	EventOrderPaid       = "OrderPaid"
	EventPaymentFailed   = "PaymentFailed"
	EventOrderCancelled  = "OrderCancelled"
	EventGatewayCallback = "GatewayPaymentCallback"
)

// Envelope wraps every published event. CorrelationID is the order id.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload types per event ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

type OrderCreatedPayload struct {
	OrderID    string      `json:"order_id"`
	ExternalID string      `json:"external_id,omitempty"`
	BuyerID    string      `json:"buyer_id"`
	Items      []ItemPrice `json:"items"`
	TotalCents int         `json:"total_cents"`
}

type OrderPaidPayload struct {
	OrderID     string    `json:"order_id"`
	PaymentRef  string    `json:"payment_ref"`
	AmountCents int       `json:"amount_cents"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderCancelledPayload struct {
	OrderID  string    `json:"order_id"`
	Reason   string    `json:"reason,omitempty"`
	Released []ItemQty `json:"released,omitempty"`
}

// GatewayCallbackPayload is what the payment provider posts to the callback
// topic. The signature is verified before anything in it is trusted.
type GatewayCallbackPayload struct {
	OrderID    string `json:"order_id"`
	PaymentRef string `json:"payment_ref"`
	Signature  string `json:"signature"`
}
