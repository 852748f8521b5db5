package main

import (
	"context"
	"net/http"
	"time"

	"github.com/captionforge/captionforge/libs/config"
	"github.com/captionforge/captionforge/libs/db"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/kafkax"
	otelx "github.com/captionforge/captionforge/libs/otel"
	"github.com/captionforge/captionforge/libs/outbox"
	"github.com/captionforge/captionforge/libs/runtime"
	"github.com/captionforge/captionforge/services/billing-service/internal/handlers"
	"github.com/captionforge/captionforge/services/billing-service/internal/reconcile"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/captionforge/captionforge/services/billing-service/internal/subscriptions"
	"github.com/captionforge/captionforge/services/billing-service/internal/usage"
	"github.com/captionforge/captionforge/services/billing-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("DB_MIGRATE", true) {
		if err := db.Migrate(ctx, pool, migrations.FS, ".", logger); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}

	brokers := config.String("KAFKA_BROKERS", "")
	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository()
	subSvc := subscriptions.New(repo, outboxRepo)

	go outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Seconds("OUTBOX_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		Retention: config.Seconds("OUTBOX_RETENTION_SECONDS", 7*24*time.Hour),
	}).Run(ctx)
	go usage.NewConsumer(pool, repo, logger, usage.ConsumerConfig{
		Brokers: brokers,
		GroupID: config.String("USAGE_CONSUMER_GROUP", "billing-service.usage"),
	}).Run(ctx)
	go usage.NewSweeper(repo, logger, config.Seconds("USAGE_SWEEP_INTERVAL_SECONDS", 10*time.Minute)).Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	h := handlers.New(repo, outboxRepo, logger, handlers.Config{
		StripeWebhookSecret:          config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance:       config.Seconds("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300*time.Second),
		StripeSecretKey:              config.String("STRIPE_SECRET_KEY", ""),
		StripePriceProMonthly:        config.String("STRIPE_PRICE_PRO_MONTHLY", ""),
		StripePriceProYearly:         config.String("STRIPE_PRICE_PRO_YEARLY", ""),
		StripePriceEnterpriseMonthly: config.String("STRIPE_PRICE_ENTERPRISE_MONTHLY", ""),
		StripePriceEnterpriseYearly:  config.String("STRIPE_PRICE_ENTERPRISE_YEARLY", ""),
		CheckoutSuccessURL:           config.String("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:            config.String("CHECKOUT_CANCEL_URL", ""),
	})
	mux.HandleFunc("/api/v1/billing/plans", h.ListPlans)
	mux.HandleFunc("/api/v1/billing/subscription", h.GetSubscription)
	mux.HandleFunc("/api/v1/billing/subscription/cancel", h.CancelSubscription)
	mux.HandleFunc("/api/v1/billing/usage", h.GetUsage)
	mux.HandleFunc("/api/v1/billing/entitlements", h.GetEntitlements)
	mux.HandleFunc("/api/v1/billing/checkout", h.Checkout)
	mux.HandleFunc("/api/v1/billing/checkout/session", h.CheckoutSessionStatus)
	mux.HandleFunc("/api/v1/billing/checkout/session/ack", h.AckCheckoutReturn)
	mux.HandleFunc("/api/v1/billing/webhooks/local", h.LocalWebhook)
	mux.HandleFunc("/api/v1/billing/webhooks/stripe", h.StripeWebhook)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "billing")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	if config.Bool("BILLING_STRIPE_RECONCILE_ENABLED", false) {
		rec := reconcile.NewStripeReconciler(pool, repo, subSvc, logger, reconcile.StripeReconcilerConfig{
			StripeSecretKey: config.String("STRIPE_SECRET_KEY", ""),
			Interval:        config.Seconds("BILLING_STRIPE_RECONCILE_INTERVAL_SECONDS", 5*time.Minute),
			BatchSize:       config.Int("BILLING_STRIPE_RECONCILE_BATCH_SIZE", 50),
			AdvisoryLockKey: int64(config.Int("BILLING_STRIPE_RECONCILE_LOCK_KEY", 7310001)),
		})
		go rec.Run(ctx)
	}

	if err := startGrpcServer(ctx, logger, repo); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
