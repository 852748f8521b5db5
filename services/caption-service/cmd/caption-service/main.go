package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/captionforge/captionforge/libs/accountclient"
	"github.com/captionforge/captionforge/libs/config"
	"github.com/captionforge/captionforge/libs/db"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/kafkax"
	otelx "github.com/captionforge/captionforge/libs/otel"
	"github.com/captionforge/captionforge/libs/outbox"
	"github.com/captionforge/captionforge/libs/runtime"
	"github.com/captionforge/captionforge/services/caption-service/internal/generator"
	"github.com/captionforge/captionforge/services/caption-service/internal/handlers"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
	"github.com/captionforge/captionforge/services/caption-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "caption-service")
	port, err := config.Port("PORT", "8085")
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
	outboxRepo := outbox.NewRepository()
	repo := storage.NewRepository(pool, outboxRepo)

	go outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Seconds("OUTBOX_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		Retention: config.Seconds("OUTBOX_RETENTION_SECONDS", 7*24*time.Hour),
	}).Run(ctx)

	billingURL, err := config.RequiredString("BILLING_HTTP_URL")
	if err != nil {
		panic(err)
	}
	accounts := accountclient.New(billingURL, config.Seconds("BILLING_TIMEOUT_SECONDS", 3*time.Second), logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	h := handlers.New(repo, accounts, newGenerator(logger), logger)
	h.Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Seconds("REQUEST_TIMEOUT_SECONDS", 60*time.Second)),
	)
	handler = otelhttp.NewHandler(handler, "captions")
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

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// newGenerator returns nil when no model endpoint is configured; generation then answers 503.
func newGenerator(logger *slog.Logger) generator.Generator {
	cfg := generator.Config{
		APIKey:    config.String("OPENAI_API_KEY", ""),
		BaseURL:   config.String("OPENAI_BASE_URL", ""),
		Model:     config.String("CAPTION_MODEL", "gpt-4o-mini"),
		MaxTokens: config.Int("CAPTION_MAX_TOKENS", 800),
	}
	if raw := config.String("CAPTION_TEMPERATURE", ""); raw != "" {
		if t, err := strconv.ParseFloat(raw, 64); err == nil && t > 0 && t <= 2 {
			cfg.Temperature = t
		} else {
			logger.Warn("invalid CAPTION_TEMPERATURE; using default", "value", raw)
		}
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		logger.Warn("caption generator disabled (OPENAI_API_KEY and OPENAI_BASE_URL unset)")
		return nil
	}
	gen, err := generator.NewOpenAI(cfg)
	if err != nil {
		logger.Error("caption generator init failed", "err", err)
		return nil
	}
	return gen
}
