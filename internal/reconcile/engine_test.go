package reconcile

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercura/storefront-orders/internal/inventory"
	kafkax "github.com/mercura/storefront-orders/internal/kafka"
	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/payment"
)

// capturePub records published envelopes in place of a kafka producer.
type capturePub struct {
	mu     sync.Mutex
	events []orders.Envelope
}

func (c *capturePub) Publish(_, value []byte, _ ...kafkago.Header) {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(value, &env); err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.events = append(c.events, env)
	c.mu.Unlock()
}

func (c *capturePub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fixture struct {
	engine   *Engine
	store    *orders.MemStore
	inv      *inventory.Mem
	gw       *payment.MockGateway
	verifier *payment.Verifier
	paid     *capturePub
	failed   *capturePub
	canc     *capturePub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	inv := inventory.NewMem()
	inv.Seed(inventory.Product{ID: "p1", SKU: "SKU1", Name: "one", Stock: 10, PriceCents: 1000})
	store := orders.NewMemStore(inv, inv, log)
	f := &fixture{
		store:    store,
		inv:      inv,
		gw:       payment.NewMockGateway(),
		verifier: payment.NewVerifier("engine-test-secret"),
		paid:     &capturePub{},
		failed:   &capturePub{},
		canc:     &capturePub{},
	}
	f.engine = &Engine{
		Store:        store,
		Gateway:      f.gw,
		Verifier:     f.verifier,
		Log:          log,
		Currency:     "USD",
		ServiceName:  "engine-test",
		PubPaid:      f.paid,
		PubFailed:    f.failed,
		PubCancelled: f.canc,
	}
	return f
}

func (f *fixture) newOrder(t *testing.T, qty int) *orders.Order {
	t.Helper()
	o, _, err := f.store.Create(context.Background(), orders.CreateInput{
		BuyerID: "buyer-1",
		Items:   []orders.ItemInput{{ProductID: "p1", Qty: qty}},
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	p, err := f.inv.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	return p.Stock
}

func TestConfirmPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 2)
	sig := f.verifier.Sign(o.ID, "pi_1")

	got, already, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, orders.StatusPaid, got.Status)
	require.NotNil(t, got.Payment)
	assert.Equal(t, "pi_1", got.Payment.Reference)
	assert.Equal(t, o.TotalCents, got.Payment.AmountCents)
	assert.Equal(t, "buyer@example.com", got.Payment.Contact)

	assert.Equal(t, 8, f.stock(t), "reservation becomes permanent")
	require.Equal(t, 1, f.paid.count())
	assert.Equal(t, orders.EventOrderPaid, f.paid.events[0].EventType)

	p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](f.paid.events[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, o.ID, p.OrderID)
	assert.Equal(t, "pi_1", p.PaymentRef)
}

func TestConfirmPaymentDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)
	sig := f.verifier.Sign(o.ID, "pi_1")

	_, already, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "")
	require.NoError(t, err)
	require.False(t, already)

	got, already, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "")
	require.NoError(t, err)
	assert.True(t, already, "duplicate is an idempotent success")
	assert.Equal(t, orders.StatusPaid, got.Status)

	assert.Equal(t, 1, f.paid.count(), "the event fires once")
	assert.Equal(t, 9, f.stock(t), "stock only moves once")
}

func TestConfirmPaymentConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)
	sig := f.verifier.Sign(o.ID, "pi_1")

	const n = 16
	var wg sync.WaitGroup
	applied := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, already, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "")
			applied[i] = err == nil && !already
			errs[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if applied[i] {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one confirmation applies")
	assert.Equal(t, 1, f.paid.count())
}

func TestConfirmPaymentBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)

	_, _, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", "deadbeef", "")
	require.ErrorIs(t, err, orders.ErrSignatureInvalid)

	// order and reservation untouched, a legitimate retry can still land
	got, err := f.store.Get(ctx, o.ID, orders.System)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, got.Status)
	assert.Equal(t, 9, f.stock(t))
	assert.Zero(t, f.paid.count())

	sig := f.verifier.Sign(o.ID, "pi_1")
	_, already, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "")
	require.NoError(t, err)
	assert.False(t, already)
}

func TestConfirmPaymentWrongState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.engine.ConfirmPayment(ctx, "ghost", "pi_1", "sig", "")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	o := f.newOrder(t, 1)
	_, err = f.store.Cancel(ctx, o.ID)
	require.NoError(t, err)

	sig := f.verifier.Sign(o.ID, "pi_1")
	_, _, err = f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "")
	assert.ErrorIs(t, err, orders.ErrNotPending)
}

func TestCreateIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)

	in, err := f.engine.CreateIntent(ctx, o.ID, orders.Requester{ID: "buyer-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, in.Reference)

	again, err := f.engine.CreateIntent(ctx, o.ID, orders.Requester{ID: "buyer-1"})
	require.NoError(t, err)
	assert.Equal(t, in.Reference, again.Reference)

	_, err = f.engine.CreateIntent(ctx, o.ID, orders.Requester{ID: "someone-else"})
	assert.ErrorIs(t, err, orders.ErrForbidden)
}

func TestCreateIntentGatewayUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)
	f.gw.Unavailable = true

	_, err := f.engine.CreateIntent(ctx, o.ID, orders.Requester{ID: "buyer-1"})
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)

	// retryable: the order stays pending and keeps its reservation
	got, err := f.store.Get(ctx, o.ID, orders.System)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, got.Status)
	assert.Equal(t, 9, f.stock(t))
	assert.Zero(t, f.failed.count())
}

func TestCreateIntentGatewayRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 3)
	f.gw.RejectAll = true

	_, err := f.engine.CreateIntent(ctx, o.ID, orders.Requester{ID: "buyer-1"})
	require.ErrorIs(t, err, payment.ErrGatewayRejected)

	// terminal: failed order, stock back in the ledger
	got, err := f.store.Get(ctx, o.ID, orders.System)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaymentFailed, got.Status)
	assert.Equal(t, 10, f.stock(t))
	require.Equal(t, 1, f.failed.count())
	assert.Equal(t, orders.EventPaymentFailed, f.failed.events[0].EventType)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 2)

	got, err := f.engine.Cancel(ctx, o.ID, "changed my mind", orders.Requester{ID: "buyer-1"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 10, f.stock(t))

	require.Equal(t, 1, f.canc.count())
	p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](f.canc.events[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "changed my mind", p.Reason)
	require.Len(t, p.Released, 1)
	assert.Equal(t, 2, p.Released[0].Qty)
}

func TestCancelPaidOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)
	sig := f.verifier.Sign(o.ID, "pi_1")
	_, _, err := f.engine.ConfirmPayment(ctx, o.ID, "pi_1", sig, "")
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, o.ID, "too late", orders.Requester{ID: "buyer-1"})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	assert.Equal(t, 9, f.stock(t))
	assert.Zero(t, f.canc.count())
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, 1)

	_, err := f.engine.Cancel(ctx, o.ID, "not mine", orders.Requester{ID: "someone-else"})
	assert.ErrorIs(t, err, orders.ErrForbidden)

	_, err = f.engine.Cancel(ctx, o.ID, "support request", orders.Requester{ID: "ops", Admin: true})
	assert.NoError(t, err)
}

func TestOrderLocksEvictedAfterTerminalTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	hasLock := func(id string) bool {
		_, ok := f.engine.locks.Load(id)
		return ok
	}

	paid := f.newOrder(t, 1)
	sig := f.verifier.Sign(paid.ID, "pi_1")
	_, _, err := f.engine.ConfirmPayment(ctx, paid.ID, "pi_1", sig, "")
	require.NoError(t, err)
	assert.False(t, hasLock(paid.ID), "confirmed order keeps no lock entry")

	// a late duplicate re-creates and then drops the entry again
	_, already, err := f.engine.ConfirmPayment(ctx, paid.ID, "pi_1", sig, "")
	require.NoError(t, err)
	require.True(t, already)
	assert.False(t, hasLock(paid.ID))

	cancelled := f.newOrder(t, 1)
	_, err = f.engine.Cancel(ctx, cancelled.ID, "done", orders.Requester{ID: "buyer-1"})
	require.NoError(t, err)
	assert.False(t, hasLock(cancelled.ID), "cancelled order keeps no lock entry")

	failed := f.newOrder(t, 1)
	f.gw.RejectAll = true
	_, err = f.engine.CreateIntent(ctx, failed.ID, orders.Requester{ID: "buyer-1"})
	require.ErrorIs(t, err, payment.ErrGatewayRejected)
	assert.False(t, hasLock(failed.ID), "failed order keeps no lock entry")
}

func TestSweepAbandoned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale := f.newOrder(t, 2)
	paidOrder := f.newOrder(t, 1)
	sig := f.verifier.Sign(paidOrder.ID, "pi_1")
	_, _, err := f.engine.ConfirmPayment(ctx, paidOrder.ID, "pi_1", sig, "")
	require.NoError(t, err)

	// negative TTL puts the cutoff in the future, so every pending order
	// counts as abandoned
	n, err := f.engine.SweepAbandoned(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, stale.ID, orders.System)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 9, f.stock(t), "only the paid order's unit stays consumed")

	got, err = f.store.Get(ctx, paidOrder.ID, orders.System)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)

	n, err = f.engine.SweepAbandoned(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep finds nothing")
}
