package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mercura/storefront-orders/internal/inventory"
)

// PGStore persists orders in postgres. Reservation happens inside the create
// transaction via the inventory ledger's conditional UPDATE, so either every
// line item is reserved and the order row exists, or neither.
type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Create(ctx context.Context, in CreateInput) (*Order, bool, error) {
	if len(in.Items) == 0 {
		return nil, false, fmt.Errorf("%w: order needs at least one item", ErrInvalidLineItem)
	}
	for _, it := range in.Items {
		if it.ProductID == "" || it.Qty <= 0 {
			return nil, false, fmt.Errorf("%w: product=%q qty=%d", ErrInvalidLineItem, it.ProductID, it.Qty)
		}
	}

	// idempotent re-submit by external_id; only the original buyer may replay
	if in.ExternalID != "" {
		var id, buyerID string
		err := s.DB.QueryRow(ctx, `SELECT id, buyer_id FROM orders WHERE external_id=$1`, in.ExternalID).
			Scan(&id, &buyerID)
		if err == nil {
			if buyerID != in.BuyerID {
				return nil, false, ErrForbidden
			}
			o, gerr := s.load(ctx, s.DB, id)
			return o, true, gerr
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// snapshot unit prices from the catalog, never from the client
	prices := map[string]int{}
	stocks := map[string]int{}
	for _, it := range in.Items {
		if _, ok := prices[it.ProductID]; ok {
			continue
		}
		var price, stock int
		err := tx.QueryRow(ctx, `SELECT price_cents, stock FROM products WHERE id=$1`, it.ProductID).
			Scan(&price, &stock)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("%w: product not found: %s", ErrInvalidLineItem, it.ProductID)
		}
		if err != nil {
			return nil, false, err
		}
		prices[it.ProductID] = price
		stocks[it.ProductID] = stock
	}

	var shortages []StockShortage
	for _, it := range in.Items {
		err := inventory.ReserveTx(ctx, tx, it.ProductID, it.Qty)
		if errors.Is(err, inventory.ErrInsufficientStock) {
			shortages = append(shortages, StockShortage{
				ProductID: it.ProductID, Requested: it.Qty, Available: stocks[it.ProductID],
			})
			continue
		}
		if err != nil {
			return nil, false, err
		}
	}
	if len(shortages) > 0 {
		// rollback via defer undoes every reservation from this request
		return nil, false, &InsufficientStockError{Shortages: shortages}
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

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, buyer_id, status, total_cents, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $6)`,
		o.ID, o.ExternalID, o.BuyerID, o.Status, o.TotalCents, now)
	if err != nil {
		return nil, false, err
	}
	for _, li := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			li.ID, li.OrderID, li.ProductID, li.Qty, li.PriceCents)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return o, false, nil
}

func (s *PGStore) Get(ctx context.Context, orderID string, req Requester) (*Order, error) {
	o, err := s.load(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if !req.CanRead(o) {
		return nil, ErrForbidden
	}
	return o, nil
}

func (s *PGStore) ListByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	return s.list(ctx, `SELECT id FROM orders WHERE buyer_id=$1 ORDER BY created_at DESC`, buyerID)
}

func (s *PGStore) ListAll(ctx context.Context) ([]Order, error) {
	return s.list(ctx, `SELECT id FROM orders ORDER BY created_at DESC`)
}

// MarkPaid flips PendingPayment to Paid with a conditional UPDATE and writes
// the payment record in the same transaction. Zero rows affected is
// classified by re-reading the current status.
func (s *PGStore) MarkPaid(ctx context.Context, orderID string, rec PaymentRecord) (*Order, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, paid_at=$3, updated_at=$3
		WHERE id=$1 AND status=$4`,
		orderID, StatusPaid, rec.ConfirmedAt, StatusPendingPayment)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, s.classifyMiss(ctx, orderID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payments(order_id, reference, amount_cents, contact, confirmed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, rec.Reference, rec.AmountCents, rec.Contact, rec.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.DB, orderID)
}

func (s *PGStore) MarkPaymentFailed(ctx context.Context, orderID string) (*Order, error) {
	return s.terminate(ctx, orderID, StatusPaymentFailed)
}

func (s *PGStore) Cancel(ctx context.Context, orderID string) (*Order, error) {
	return s.terminate(ctx, orderID, StatusCancelled)
}

// terminate moves a pending order to a terminal pre-payment status and puts
// every reserved quantity back, all in one transaction: the release is
// complete before the transition is observable.
func (s *PGStore) terminate(ctx context.Context, orderID string, to Status) (*Order, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE id=$1 AND status=$3`,
		orderID, to, StatusPendingPayment)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, s.classifyMiss(ctx, orderID)
	}

	rows, err := tx.Query(ctx, `SELECT product_id, qty FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, x := range recs {
		if err := inventory.ReleaseTx(ctx, tx, x.pid, x.qty); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.DB, orderID)
}

func (s *PGStore) SetStatus(ctx context.Context, orderID string, to Status) (*Order, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur Status
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if !AdminCanTransition(cur, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, to); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.DB, orderID)
}

func (s *PGStore) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		StatusPendingPayment, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.load(ctx, s.DB, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// classifyMiss turns a failed conditional status update into the right
// domain error.
func (s *PGStore) classifyMiss(ctx context.Context, orderID string) error {
	var cur Status
	err := s.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if cur.PaidOrLater() {
		return ErrAlreadyConfirmed
	}
	return fmt.Errorf("%w: status=%s", ErrNotPending, cur)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PGStore) load(ctx context.Context, q pgQuerier, orderID string) (*Order, error) {
	var (
		o      Order
		extID  *string
		paidAt *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT id, external_id, buyer_id, status, total_cents, created_at, paid_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &extID, &o.BuyerID, &o.Status, &o.TotalCents, &o.CreatedAt, &paidAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if extID != nil {
		o.ExternalID = *extID
	}
	o.PaidAt = paidAt

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, qty, price_cents
		FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ID, &li.OrderID, &li.ProductID, &li.Qty, &li.PriceCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, li)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var rec PaymentRecord
	err = q.QueryRow(ctx, `
		SELECT reference, amount_cents, contact, confirmed_at
		FROM payments WHERE order_id=$1`, orderID).
		Scan(&rec.Reference, &rec.AmountCents, &rec.Contact, &rec.ConfirmedAt)
	if err == nil {
		o.Payment = &rec
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) list(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.load(ctx, s.DB, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}
