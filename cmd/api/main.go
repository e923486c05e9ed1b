package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mercura/storefront-orders/internal/config"
	"github.com/mercura/storefront-orders/internal/httpx"
	"github.com/mercura/storefront-orders/internal/inventory"
	kafkax "github.com/mercura/storefront-orders/internal/kafka"
	"github.com/mercura/storefront-orders/internal/orders"
	"github.com/mercura/storefront-orders/internal/payment"
	"github.com/mercura/storefront-orders/internal/postgres"
	"github.com/mercura/storefront-orders/internal/reconcile"
	"github.com/mercura/storefront-orders/internal/redisx"
)

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

	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, log)
	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024, log)
	pFailed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentFailed, 1024, log)
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 1024, log)
	for _, p := range []*kafkax.Producer{pCreated, pPaid, pFailed, pCancelled} {
		p.Start(ctx)
	}

	inv := &inventory.PG{DB: db}
	store := &orders.PGStore{DB: db}
	engine := &reconcile.Engine{
		Store:        store,
		Gateway:      payment.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayTimeout, log),
		Verifier:     payment.NewVerifier(cfg.WebhookSecret),
		Log:          log,
		Currency:     cfg.Currency,
		ServiceName:  cfg.ServiceName,
		PubPaid:      pPaid,
		PubFailed:    pFailed,
		PubCancelled: pCancelled,
	}

	router := httpx.NewRouter(log)
	oh := &httpx.OrdersHandler{
		Store:    store,
		Catalog:  inv,
		Engine:   engine,
		Producer: pCreated,
		Redis:    rdb,
		Log:      log,
		Service:  cfg.ServiceName,
	}
	oh.Register(router)
	ph := &httpx.PaymentHandler{Store: store, Engine: engine, Redis: rdb, Log: log}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("exited with error")
	}

	// producers flush and close themselves once ctx is cancelled
	for _, p := range []*kafkax.Producer{pCreated, pPaid, pFailed, pCancelled} {
		p.WaitClosed()
	}
}
