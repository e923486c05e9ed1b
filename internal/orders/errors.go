package orders

import (
	"errors"
	"fmt"
)

// Closed error set for the order pipeline. Callers branch with errors.Is,
// never by matching message strings.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidLineItem   = errors.New("invalid line item")
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotPending        = errors.New("order is not pending payment")
	ErrAlreadyConfirmed  = errors.New("payment already confirmed")
	ErrSignatureInvalid  = errors.New("payment signature invalid")
)

// StockShortage describes one product that could not be reserved.
type StockShortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError carries per-product shortage details and matches
// ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %d product(s)", len(e.Shortages))
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
