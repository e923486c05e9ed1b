package orders

import "time"

// LineItem is a quantity of one product priced at order time. PriceCents is
// the unit price snapshotted from the catalog when the order was created and
// is never recomputed from later catalog changes.
type LineItem struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

// PaymentRecord is the single payment applied to an order. At most one
// non-nil record exists per order and it is written exactly once.
type PaymentRecord struct {
	Reference   string    `json:"reference"`
	AmountCents int       `json:"amount_cents"`
	Contact     string    `json:"contact,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type Order struct {
	ID         string         `json:"id"`
	ExternalID string         `json:"external_id,omitempty"`
	BuyerID    string         `json:"buyer_id"`
	Items      []LineItem     `json:"items"`
	TotalCents int            `json:"total_cents"`
	Status     Status         `json:"status"`
	Payment    *PaymentRecord `json:"payment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	PaidAt     *time.Time     `json:"paid_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ItemInput is a requested line item before validation and pricing.
type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// CreateInput is a checkout request. ExternalID is an optional client-chosen
// idempotency key: repeating a checkout with the same ExternalID returns the
// original order instead of reserving stock again.
type CreateInput struct {
	ExternalID string
	BuyerID    string
	Items      []ItemInput
}
