package redisx

import "time"

const (
	// Checkout idempotency fast path: idem:checkout:{external_id} -> order_id.
	// The DB unique constraint on external_id stays the source of truth.
	KeyIdemCheckout = "idem:checkout:%s"

	// Order read cache: order:{order_id} -> order JSON. Invalidated on every
	// status mutation; TTL is only a backstop.
	KeyOrder = "order:%s"

	// Callback dedup: dedup:confirm:{event_id}
	KeyConfirmDedup = "dedup:confirm:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
