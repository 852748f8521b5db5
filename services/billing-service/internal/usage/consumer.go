// Package usage advances usage counters from caption events and rolls counters into
// new periods.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/captionforge/captionforge/libs/db"
	"github.com/captionforge/captionforge/libs/events"
	"github.com/captionforge/captionforge/libs/kafkax"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var consumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "billing_usage_events_total",
	Help: "Caption usage events consumed, by outcome.",
}, []string{"outcome"})

var errNoEventID = errors.New("event has no id")

type Consumer struct {
	pool   *db.Pool
	repo   *storage.Repository
	logger *slog.Logger
	cfg    ConsumerConfig
}

type ConsumerConfig struct {
	Brokers string
	GroupID string
}

func NewConsumer(pool *db.Pool, repo *storage.Repository, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.GroupID == "" {
		cfg.GroupID = "billing-service.usage"
	}
	return &Consumer{pool: pool, repo: repo, logger: logger, cfg: cfg}
}

func (c *Consumer) Run(ctx context.Context) {
	brokers := kafkax.SplitBrokers(c.cfg.Brokers)
	if len(brokers) == 0 {
		c.logger.Warn("usage consumer disabled (no kafka brokers configured)")
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    events.TopicCaptionsGenerated,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(time.Second)
			continue
		}

		outcome := c.handle(ctx, msg)
		consumed.WithLabelValues(outcome).Inc()
		if outcome == "retry" {
			time.Sleep(time.Second)
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err)
		}
	}
}

// handle applies one message and returns the outcome label. Only "retry" leaves the
// offset uncommitted.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) string {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	evt, err := events.DecodeCaptionsGenerated(msg.Value)
	if err != nil {
		c.logger.Warn("usage event dropped", "err", err, "event_id", meta.EventID)
		return "invalid"
	}
	if meta.EventID == "" {
		c.logger.Warn("usage event dropped", "err", errNoEventID, "account_id", evt.AccountID)
		return "invalid"
	}

	applied, err := c.apply(ctxSpan, meta, evt)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("usage event failed", "err", err, "event_id", meta.EventID, "account_id", evt.AccountID)
		return "retry"
	}
	if !applied {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return "duplicate"
	}
	return "applied"
}

// apply records the inbox row and the increment in one transaction, so a redelivered
// event never counts twice.
func (c *Consumer) apply(ctx context.Context, meta kafkax.EventMeta, evt events.CaptionsGenerated) (bool, error) {
	if meta.EventID == "" {
		return false, errNoEventID
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh, err := c.repo.RecordInbox(ctx, tx, meta.EventID, meta.EventType)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, tx.Commit(ctx)
	}
	counter, err := c.repo.IncrementUsage(ctx, tx, evt.AccountID, evt.Count, evt.GeneratedAt)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	c.logger.Debug("usage incremented", "account_id", evt.AccountID, "captions_used", counter.CaptionsUsed, "reset_date", counter.ResetDate)
	return true, nil
}
