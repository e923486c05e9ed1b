// Package reconcile applies external payment confirmations to internal order
// records exactly once, and owns every transition out of PendingPayment.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	kafkax "github.com/mercura/storefront-orders/internal/kafka"
	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/payment"
)

// Publisher matches kafkax.Producer. Nil publishers are skipped, which lets
// tests and the simulator run without a broker.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Engine struct {
	Store    orders.Store
	Gateway  payment.Gateway
	Verifier *payment.Verifier
	Log      *logrus.Logger

	Currency    string
	ServiceName string

	PubPaid      Publisher
	PubFailed    Publisher
	PubCancelled Publisher

	locks sync.Map // order id -> *sync.Mutex
}

// lockOrder serializes every mutation for one order id so a duplicate
// confirmation cannot race past the already-paid check.
func (e *Engine) lockOrder(orderID string) func() {
	mu, _ := e.locks.LoadOrStore(orderID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// evictLock drops an order's mutex once it has left PendingPayment. A
// straggler that re-creates the entry is harmless: the store's conditional
// update is what enforces at-most-once, the lock only cuts contention.
func (e *Engine) evictLock(orderID string) {
	e.locks.Delete(orderID)
}

// ConfirmPayment validates a confirmation's authenticity and applies it at
// most once. The bool result is true when the order was already paid and the
// call was a no-op (idempotent success, not an error).
func (e *Engine) ConfirmPayment(ctx context.Context, orderID, paymentRef, signature, contact string) (*orders.Order, bool, error) {
	unlock := e.lockOrder(orderID)
	defer unlock()

	o, err := e.Store.Get(ctx, orderID, orders.System)
	if err != nil {
		return nil, false, err
	}

	if o.Status.PaidOrLater() {
		e.Log.WithFields(logrus.Fields{"order_id": orderID, "payment_ref": paymentRef}).
			Info("duplicate confirmation, already applied")
		defer e.evictLock(orderID)
		return o, true, nil
	}
	if o.Status != orders.StatusPendingPayment {
		return nil, false, fmt.Errorf("%w: status=%s", orders.ErrNotPending, o.Status)
	}

	if !e.Verifier.Verify(o.ID, paymentRef, signature) {
		// security relevant: logged, order and stock left untouched so the
		// buyer can still retry a legitimate payment
		e.Log.WithFields(logrus.Fields{"order_id": orderID, "payment_ref": paymentRef}).
			Warn("confirmation signature rejected")
		return nil, false, orders.ErrSignatureInvalid
	}

	rec := orders.PaymentRecord{
		Reference:   paymentRef,
		AmountCents: o.TotalCents,
		Contact:     contact,
		ConfirmedAt: time.Now().UTC(),
	}
	updated, err := e.Store.MarkPaid(ctx, orderID, rec)
	if errors.Is(err, orders.ErrAlreadyConfirmed) {
		// lost a race on the store CAS; still an idempotent success
		o, gerr := e.Store.Get(ctx, orderID, orders.System)
		if gerr != nil {
			return nil, false, gerr
		}
		return o, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	defer e.evictLock(orderID)
	// reservation simply stays: the decrement made at order creation is now
	// permanent
	e.publish(e.PubPaid, orders.EventOrderPaid, updated.ID, orders.OrderPaidPayload{
		OrderID:     updated.ID,
		PaymentRef:  rec.Reference,
		AmountCents: rec.AmountCents,
		ConfirmedAt: rec.ConfirmedAt,
	})
	e.Log.WithFields(logrus.Fields{"order_id": updated.ID, "amount_cents": rec.AmountCents}).
		Info("payment confirmed")
	return updated, false, nil
}

// CreateIntent asks the gateway for a payment intent over the order's stored
// total. A terminal gateway rejection fails the order and releases its stock;
// an unavailable gateway leaves the order pending so the buyer can retry.
func (e *Engine) CreateIntent(ctx context.Context, orderID string, req orders.Requester) (payment.Intent, error) {
	o, err := e.Store.Get(ctx, orderID, req)
	if err != nil {
		return payment.Intent{}, err
	}
	if o.Status != orders.StatusPendingPayment {
		return payment.Intent{}, fmt.Errorf("%w: status=%s", orders.ErrNotPending, o.Status)
	}

	in, err := e.Gateway.CreateIntent(ctx, o.ID, o.TotalCents, e.Currency)
	if errors.Is(err, payment.ErrGatewayRejected) {
		unlock := e.lockOrder(orderID)
		failed, ferr := e.Store.MarkPaymentFailed(ctx, orderID)
		unlock()
		if ferr == nil {
			e.evictLock(orderID)
		}
		if ferr != nil {
			e.Log.WithError(ferr).WithField("order_id", orderID).
				Error("could not mark order failed after gateway rejection")
		} else {
			e.publish(e.PubFailed, orders.EventPaymentFailed, failed.ID, orders.PaymentFailedPayload{
				OrderID: failed.ID, Reason: err.Error(),
			})
		}
		return payment.Intent{}, err
	}
	if err != nil {
		return payment.Intent{}, err
	}
	return in, nil
}

// Cancel is the buyer/admin initiated exit from PendingPayment. Reserved
// stock is back in the ledger before this returns.
func (e *Engine) Cancel(ctx context.Context, orderID, reason string, req orders.Requester) (*orders.Order, error) {
	o, err := e.Store.Get(ctx, orderID, req)
	if err != nil {
		return nil, err
	}

	unlock := e.lockOrder(orderID)
	cancelled, err := e.Store.Cancel(ctx, orderID)
	unlock()
	if err != nil {
		if errors.Is(err, orders.ErrAlreadyConfirmed) || errors.Is(err, orders.ErrNotPending) {
			return nil, fmt.Errorf("%w: cannot cancel order in status %s", orders.ErrInvalidTransition, o.Status)
		}
		return nil, err
	}
	e.evictLock(orderID)

	released := make([]orders.ItemQty, 0, len(cancelled.Items))
	for _, li := range cancelled.Items {
		released = append(released, orders.ItemQty{ProductID: li.ProductID, Qty: li.Qty})
	}
	e.publish(e.PubCancelled, orders.EventOrderCancelled, cancelled.ID, orders.OrderCancelledPayload{
		OrderID: cancelled.ID, Reason: reason, Released: released,
	})
	return cancelled, nil
}

// SweepAbandoned cancels pending orders older than the TTL, freeing their
// reservations. Returns how many orders were cancelled.
func (e *Engine) SweepAbandoned(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := e.Store.FindPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, o := range stale {
		_, err := e.Cancel(ctx, o.ID, "abandoned: payment window expired", orders.System)
		if errors.Is(err, orders.ErrInvalidTransition) || errors.Is(err, orders.ErrNotPending) {
			// confirmed or cancelled since we listed it; nothing to do
			continue
		}
		if err != nil {
			e.Log.WithError(err).WithField("order_id", o.ID).Error("sweep cancel failed")
			continue
		}
		e.Log.WithField("order_id", o.ID).Info("abandoned order cancelled")
		n++
	}
	return n, nil
}

func (e *Engine) publish(p Publisher, eventType, orderID string, payload any) {
	if p == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.ServiceName,
		CorrelationID: orderID,
	}
	ev.Payload = kafkax.MustMarshal(payload)
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
