package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mercura/storefront-orders/internal/config"
	kafkax "github.com/mercura/storefront-orders/internal/kafka"
	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/payment"
	"github.com/mercura/storefront-orders/internal/postgres"
	"github.com/mercura/storefront-orders/internal/reconcile"
	"github.com/mercura/storefront-orders/internal/redisx"
)

// The reconciler is the asynchronous confirmation path: it consumes gateway
// payment callbacks from kafka and applies them through the same engine the
// HTTP confirm endpoint uses, so a duplicate on either channel is a no-op.
// It also cancels pending orders whose payment window expired.
func main() {
	log := config.NewLogger(os.Getenv("LOG_LEVEL"))
	cfg := config.Load(log)
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("db connect")
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024, log)
	pFailed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentFailed, 1024, log)
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 1024, log)
	for _, p := range []*kafkax.Producer{pPaid, pFailed, pCancelled} {
		p.Start(ctx)
	}

	engine := &reconcile.Engine{
		Store:        &orders.PGStore{DB: db},
		Gateway:      payment.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayTimeout, log),
		Verifier:     payment.NewVerifier(cfg.WebhookSecret),
		Log:          log,
		Currency:     cfg.Currency,
		ServiceName:  cfg.ServiceName + "-reconciler",
		PubPaid:      pPaid,
		PubFailed:    pFailed,
		PubCancelled: pCancelled,
	}
	handle := func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
			log.WithError(err).Warn("undecodable callback message dropped")
			return nil
		}
		if env.EventType != orders.EventGatewayCallback {
			return nil
		}

		// dedup by event id; the engine is idempotent anyway, this just
		// spares it the work on redeliveries
		dkey := fmt.Sprintf(redisx.KeyConfirmDedup, env.EventID)
		if seen, _ := redisx.Exists(ctx, rdb, dkey); seen {
			return nil
		}

		p, err := kafkax.UnwrapPayload[orders.GatewayCallbackPayload](env.Payload)
		if err != nil {
			log.WithError(err).WithField("event_id", env.EventID).Warn("bad callback payload dropped")
			return nil
		}

		_, already, err := engine.ConfirmPayment(ctx, p.OrderID, p.PaymentRef, p.Signature, "")
		switch {
		case errors.Is(err, orders.ErrSignatureInvalid),
			errors.Is(err, orders.ErrOrderNotFound),
			errors.Is(err, orders.ErrNotPending):
			// terminal for this message: logged by the engine, not retried
			log.WithError(err).WithField("order_id", p.OrderID).Warn("callback not applied")
		case err != nil:
			return err // transient; leave uncommitted for redelivery
		case already:
			log.WithField("order_id", p.OrderID).Info("callback was a duplicate")
		default:
			_ = rdb.Del(ctx, fmt.Sprintf(redisx.KeyOrder, p.OrderID)).Err()
		}
		_ = rdb.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
		return nil
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, orders.TopicGatewayCallback, cfg.ConsumerWorkers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"group": cfg.ConsumerGroup, "topic": orders.TopicGatewayCallback, "workers": cfg.ConsumerWorkers,
		}).Info("callback consumer started")
		return cons.Start(gctx, handle)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := engine.SweepAbandoned(gctx, cfg.PendingOrderTTL, 100)
				if err != nil {
					log.WithError(err).Error("sweep failed")
					continue
				}
				if n > 0 {
					log.WithField("cancelled", n).Info("sweep done")
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("exited with error")
	}
	for _, p := range []*kafkax.Producer{pPaid, pFailed, pCancelled} {
		p.WaitClosed()
	}
}
