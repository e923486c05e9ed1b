package orders

import (
	"context"
	"time"
)

// Requester is the identity resolved by the auth collaborator. Nothing else
// about the credential is trusted; in particular no payment-status claims.
type Requester struct {
	ID    string
	Admin bool
}

func (r Requester) CanRead(o *Order) bool {
	return r.Admin || o.BuyerID == r.ID
}

// System is the internal actor used by the reconciliation engine and the
// background sweeper.
var System = Requester{ID: "system", Admin: true}

// Store is the durable order record and the source of truth for "has this
// order been paid". Create reserves stock for every line item all-or-nothing;
// Cancel and MarkPaymentFailed release it synchronously in the same atomic
// step as the status transition. MarkPaid is a compare-and-set on status so
// two concurrent confirmations cannot both succeed.
type Store interface {
	Create(ctx context.Context, in CreateInput) (order *Order, existed bool, err error)
	Get(ctx context.Context, orderID string, req Requester) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	ListAll(ctx context.Context) ([]Order, error)

	MarkPaid(ctx context.Context, orderID string, rec PaymentRecord) (*Order, error)
	MarkPaymentFailed(ctx context.Context, orderID string) (*Order, error)
	SetStatus(ctx context.Context, orderID string, to Status) (*Order, error)
	Cancel(ctx context.Context, orderID string) (*Order, error)

	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}
