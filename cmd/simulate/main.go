package main

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mercura/storefront-orders/internal/config"
	"github.com/mercura/storefront-orders/internal/inventory"
	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/payment"
	"github.com/mercura/storefront-orders/internal/reconcile"
)

// Runs the whole order lifecycle in memory: no postgres, redis, kafka or
// gateway needed. Useful as a smoke check and as executable documentation of
// the reconciliation rules.
func main() {
	log := config.NewLogger("info")
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	ctx := context.Background()

	inv := inventory.NewMem()
	inv.Seed(
		inventory.Product{ID: "prod-kb", SKU: "KB-87", Name: "87-key keyboard", Stock: 1, PriceCents: 12900},
		inventory.Product{ID: "prod-mouse", SKU: "MS-01", Name: "wireless mouse", Stock: 10, PriceCents: 4500},
	)
	store := orders.NewMemStore(inv, inv, log)
	gw := payment.NewMockGateway()
	verifier := payment.NewVerifier("simulate-secret")
	engine := &reconcile.Engine{
		Store: store, Gateway: gw, Verifier: verifier,
		Log: log, Currency: "USD", ServiceName: "simulate",
	}

	// two buyers race for the last keyboard; exactly one checkout wins
	var wg sync.WaitGroup
	results := make([]*orders.Order, 2)
	errs := make([]error, 2)
	for i, buyer := range []string{"buyer-a", "buyer-b"} {
		wg.Add(1)
		go func(i int, buyer string) {
			defer wg.Done()
			results[i], _, errs[i] = store.Create(ctx, orders.CreateInput{
				BuyerID: buyer,
				Items:   []orders.ItemInput{{ProductID: "prod-kb", Qty: 1}, {ProductID: "prod-mouse", Qty: 2}},
			})
		}(i, buyer)
	}
	wg.Wait()

	var won *orders.Order
	for i := range results {
		switch {
		case errs[i] == nil:
			won = results[i]
			log.WithFields(logrus.Fields{"order_id": won.ID, "buyer": won.BuyerID, "total_cents": won.TotalCents}).
				Info("checkout succeeded")
		case errors.Is(errs[i], orders.ErrInsufficientStock):
			log.WithError(errs[i]).Info("checkout lost the race, stock rolled back")
		default:
			log.WithError(errs[i]).Fatal("unexpected checkout failure")
		}
	}
	if won == nil {
		log.Fatal("expected exactly one winning checkout")
	}
	if p, _ := inv.GetProduct(ctx, "prod-mouse"); p.Stock != 8 {
		log.WithField("stock", p.Stock).Fatal("loser's mouse reservation was not rolled back")
	}

	// intent, then a signed confirmation
	in, err := engine.CreateIntent(ctx, won.ID, orders.Requester{ID: won.BuyerID})
	if err != nil {
		log.WithError(err).Fatal("create intent")
	}
	sig := verifier.Sign(won.ID, in.Reference)

	o, already, err := engine.ConfirmPayment(ctx, won.ID, in.Reference, sig, "buyer-a@example.com")
	if err != nil || already || o.Status != orders.StatusPaid {
		log.WithError(err).Fatal("first confirmation should mark the order paid")
	}
	log.WithField("order_id", o.ID).Info("order paid")

	// the duplicate is a no-op success, never a double charge
	if _, already, err = engine.ConfirmPayment(ctx, won.ID, in.Reference, sig, ""); err != nil || !already {
		log.WithError(err).Fatal("duplicate confirmation should be idempotent")
	}
	log.Info("duplicate confirmation ignored")

	// a tampered signature is rejected outright
	fresh, _, err := store.Create(ctx, orders.CreateInput{
		BuyerID: "buyer-b",
		Items:   []orders.ItemInput{{ProductID: "prod-mouse", Qty: 1}},
	})
	if err != nil {
		log.WithError(err).Fatal("second checkout")
	}
	if _, _, err = engine.ConfirmPayment(ctx, fresh.ID, "pi_forged", "deadbeef", ""); !errors.Is(err, orders.ErrSignatureInvalid) {
		log.WithError(err).Fatal("forged confirmation should be rejected")
	}
	log.Info("forged confirmation rejected, order still pending")

	// cancelling the pending order puts its unit back
	if _, err = engine.Cancel(ctx, fresh.ID, "changed my mind", orders.Requester{ID: "buyer-b"}); err != nil {
		log.WithError(err).Fatal("cancel")
	}
	if p, _ := inv.GetProduct(ctx, "prod-mouse"); p.Stock != 8 {
		log.WithField("stock", p.Stock).Fatal("cancel did not release stock")
	}
	log.Info("cancelled order released its reservation")

	// fulfilment chain, then one illegal move
	for _, next := range []orders.Status{orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered} {
		if o, err = store.SetStatus(ctx, won.ID, next); err != nil {
			log.WithError(err).Fatal("fulfilment transition")
		}
		log.WithField("status", o.Status).Info("order advanced")
	}
	if _, err = store.SetStatus(ctx, won.ID, orders.StatusProcessing); !errors.Is(err, orders.ErrInvalidTransition) {
		log.WithError(err).Fatal("delivered orders must not move backwards")
	}
	log.Info("backwards transition rejected")

	log.Info("simulation complete")
}
