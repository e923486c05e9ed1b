package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mercura/storefront-orders/internal/inventory"
)

// MemStore keeps orders in memory, reserving stock through the injected
// ledger. Tests and cmd/simulate run against it; the contract matches
// PGStore exactly.
type MemStore struct {
	mu      sync.Mutex
	catalog inventory.Catalog
	ledger  inventory.Ledger
	log     *logrus.Logger

	orders map[string]*Order
	byExt  map[string]string
}

func NewMemStore(catalog inventory.Catalog, ledger inventory.Ledger, log *logrus.Logger) *MemStore {
	return &MemStore{
		catalog: catalog,
		ledger:  ledger,
		log:     log,
		orders:  make(map[string]*Order),
		byExt:   make(map[string]string),
	}
}

func (s *MemStore) Create(ctx context.Context, in CreateInput) (*Order, bool, error) {
	if len(in.Items) == 0 {
		return nil, false, fmt.Errorf("%w: order needs at least one item", ErrInvalidLineItem)
	}
	for _, it := range in.Items {
		if it.ProductID == "" || it.Qty <= 0 {
			return nil, false, fmt.Errorf("%w: product=%q qty=%d", ErrInvalidLineItem, it.ProductID, it.Qty)
		}
	}

	if in.ExternalID != "" {
		s.mu.Lock()
		if id, ok := s.byExt[in.ExternalID]; ok {
			o := s.orders[id]
			// a replay only works for the buyer who created the order; anyone
			// else would be handed someone else's order contents
			if o.BuyerID != in.BuyerID {
				s.mu.Unlock()
				return nil, false, ErrForbidden
			}
			cp := o.clone()
			s.mu.Unlock()
			return cp, true, nil
		}
		s.mu.Unlock()
	}

	// price snapshot before touching stock
	prices := map[string]int{}
	for _, it := range in.Items {
		if _, ok := prices[it.ProductID]; ok {
			continue
		}
		p, err := s.catalog.GetProduct(ctx, it.ProductID)
		if errors.Is(err, inventory.ErrProductNotFound) {
			return nil, false, fmt.Errorf("%w: product not found: %s", ErrInvalidLineItem, it.ProductID)
		}
		if err != nil {
			return nil, false, err
		}
		prices[it.ProductID] = p.PriceCents
	}

	// reserve every item; on any shortage roll back what was taken so far
	var reserved []ItemQty
	for _, it := range in.Items {
		err := s.ledger.Reserve(ctx, it.ProductID, it.Qty)
		if err == nil {
			reserved = append(reserved, ItemQty{ProductID: it.ProductID, Qty: it.Qty})
			continue
		}
		if errors.Is(err, inventory.ErrInsufficientStock) {
			s.releaseAll(ctx, reserved)
			avail := 0
			if p, perr := s.catalog.GetProduct(ctx, it.ProductID); perr == nil {
				avail = p.Stock
			}
			return nil, false, &InsufficientStockError{Shortages: []StockShortage{
				{ProductID: it.ProductID, Requested: it.Qty, Available: avail},
			}}
		}
		s.releaseAll(ctx, reserved)
		return nil, false, err
	}

	now := time.Now().UTC()
	o := &Order{
		ID:         uuid.NewString(),
		ExternalID: in.ExternalID,
		BuyerID:    in.BuyerID,
		Status:     StatusPendingPayment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, it := range in.Items {
		price := prices[it.ProductID]
		o.Items = append(o.Items, LineItem{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			ProductID:  it.ProductID,
			Qty:        it.Qty,
			PriceCents: price,
		})
		o.TotalCents += price * it.Qty
	}

	s.mu.Lock()
	if in.ExternalID != "" {
		// lost a race against an identical retry: keep the winner, give back ours
		if id, ok := s.byExt[in.ExternalID]; ok {
			winner := s.orders[id]
			if winner.BuyerID != in.BuyerID {
				s.mu.Unlock()
				s.releaseAll(ctx, reserved)
				return nil, false, ErrForbidden
			}
			cp := winner.clone()
			s.mu.Unlock()
			s.releaseAll(ctx, reserved)
			return cp, true, nil
		}
		s.byExt[in.ExternalID] = o.ID
	}
	s.orders[o.ID] = o
	s.mu.Unlock()

	return o.clone(), false, nil
}

func (s *MemStore) Get(_ context.Context, orderID string, req Requester) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !req.CanRead(o) {
		return nil, ErrForbidden
	}
	return o.clone(), nil
}

func (s *MemStore) ListByBuyer(_ context.Context, buyerID string) ([]Order, error) {
	return s.filter(func(o *Order) bool { return o.BuyerID == buyerID }), nil
}

func (s *MemStore) ListAll(_ context.Context) ([]Order, error) {
	return s.filter(func(o *Order) bool { return true }), nil
}

func (s *MemStore) MarkPaid(_ context.Context, orderID string, rec PaymentRecord) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status.PaidOrLater() {
		return nil, ErrAlreadyConfirmed
	}
	if o.Status != StatusPendingPayment {
		return nil, fmt.Errorf("%w: status=%s", ErrNotPending, o.Status)
	}
	o.Status = StatusPaid
	o.Payment = &rec
	paidAt := rec.ConfirmedAt
	o.PaidAt = &paidAt
	o.UpdatedAt = time.Now().UTC()
	return o.clone(), nil
}

func (s *MemStore) MarkPaymentFailed(ctx context.Context, orderID string) (*Order, error) {
	return s.terminate(ctx, orderID, StatusPaymentFailed)
}

func (s *MemStore) Cancel(ctx context.Context, orderID string) (*Order, error) {
	return s.terminate(ctx, orderID, StatusCancelled)
}

func (s *MemStore) terminate(ctx context.Context, orderID string, to Status) (*Order, error) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if o.Status.PaidOrLater() {
		s.mu.Unlock()
		return nil, ErrAlreadyConfirmed
	}
	if o.Status != StatusPendingPayment {
		cur := o.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: status=%s", ErrNotPending, cur)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	items := make([]ItemQty, 0, len(o.Items))
	for _, li := range o.Items {
		items = append(items, ItemQty{ProductID: li.ProductID, Qty: li.Qty})
	}
	out := o.clone()
	// release before dropping the lock so nobody observes a cancelled order
	// whose stock is still held
	s.releaseAll(ctx, items)
	s.mu.Unlock()

	return out, nil
}

func (s *MemStore) SetStatus(_ context.Context, orderID string, to Status) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !AdminCanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return o.clone(), nil
}

func (s *MemStore) FindPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]Order, error) {
	out := s.filter(func(o *Order) bool {
		return o.Status == StatusPendingPayment && o.CreatedAt.Before(cutoff)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// releaseAll is best-effort: a failed release is logged and never masks the
// caller's original error.
func (s *MemStore) releaseAll(ctx context.Context, items []ItemQty) {
	for _, it := range items {
		if err := s.ledger.Release(ctx, it.ProductID, it.Qty); err != nil {
			s.log.WithError(err).WithField("product_id", it.ProductID).
				Error("stock release failed, manual adjustment needed")
		}
	}
}

func (s *MemStore) filter(keep func(*Order) bool) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, *o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (o *Order) clone() *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	if o.Payment != nil {
		p := *o.Payment
		cp.Payment = &p
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}
