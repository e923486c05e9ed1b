package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
)

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Stock      int       `json:"stock"`
	PriceCents int       `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ledger is the per-product available-stock counter. Reserve is a conditional
// decrement ("decrement iff current >= qty"), atomic with respect to
// concurrent reserves on the same product: two buyers racing for the last
// unit see exactly one success. Release puts a reservation back and is
// best-effort from the caller's point of view (failures are logged, never
// escalated past the original error).
type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int) error
	Release(ctx context.Context, productID string, qty int) error
}

// Catalog is the read side of the product collaborator.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}
