package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/db"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/captionforge/captionforge/services/billing-service/internal/subscriptions"
	"github.com/stripe/stripe-go/v79"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"
)

// StripeReconciler re-reads Stripe subscriptions so missed webhooks heal themselves.
type StripeReconciler struct {
	pool        *db.Pool
	repo        *storage.Repository
	subSvc      *subscriptions.Service
	logger      *slog.Logger
	stripeKey   string
	interval    time.Duration
	batchSize   int
	advisoryKey int64
}

type StripeReconcilerConfig struct {
	StripeSecretKey string
	Interval        time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func NewStripeReconciler(pool *db.Pool, repo *storage.Repository, subSvc *subscriptions.Service, logger *slog.Logger, cfg StripeReconcilerConfig) *StripeReconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 7310001
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &StripeReconciler{
		pool:        pool,
		repo:        repo,
		subSvc:      subSvc,
		logger:      logger,
		stripeKey:   strings.TrimSpace(cfg.StripeSecretKey),
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		advisoryKey: cfg.AdvisoryLockKey,
	}
}

func (r *StripeReconciler) Run(ctx context.Context) {
	if r.stripeKey == "" {
		r.logger.Warn("stripe reconcile disabled: STRIPE_SECRET_KEY missing")
		return
	}
	if !r.acquireLock(ctx) {
		return
	}
	defer func() {
		_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
	}()

	stripe.Key = r.stripeKey
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// acquireLock blocks until this instance holds the advisory lock, so only one replica
// reconciles. It returns false when ctx ends first.
func (r *StripeReconciler) acquireLock(ctx context.Context) bool {
	for {
		var locked bool
		err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked)
		wait := 30 * time.Second
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false
			}
			r.logger.Error("stripe reconcile: failed to acquire advisory lock", "err", err)
			wait = 5 * time.Second
		case locked:
			r.logger.Info("stripe reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
			return true
		default:
			r.logger.Info("stripe reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (r *StripeReconciler) reconcileOnce(ctx context.Context) {
	subs, err := r.repo.ListStripeSubscriptionsForReconcile(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("stripe reconcile: failed to list subscriptions", "err", err)
		return
	}

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		if s.StripeSubscriptionID == "" || s.AccountID == "" {
			continue
		}

		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		stripeSub, err := stripesubscription.Get(s.StripeSubscriptionID, params)
		if err != nil {
			r.logger.Warn("stripe reconcile: failed to fetch subscription", "err", err, "stripe_subscription_id", s.StripeSubscriptionID, "account_id", s.AccountID)
			continue
		}
		status, ok := subscriptions.StatusFromStripe(stripeSub.Status)
		if !ok {
			continue
		}
		change := ChangeFor(s, stripeSub)

		tx, err := r.repo.Begin(ctx)
		if err != nil {
			r.logger.Error("stripe reconcile: db begin failed", "err", err)
			return
		}
		if err := r.subSvc.Apply(ctx, tx, change, status); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("stripe reconcile: apply failed", "err", err, "account_id", s.AccountID, "stripe_subscription_id", stripeSub.ID)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("stripe reconcile: commit failed", "err", err, "account_id", s.AccountID, "stripe_subscription_id", stripeSub.ID)
		}
	}
}

// ChangeFor builds the transition Stripe reports for a stored subscription. Missing or
// foreign plan metadata keeps the stored plan rather than guessing.
func ChangeFor(s storage.Subscription, stripeSub *stripe.Subscription) subscriptions.Change {
	c := subscriptions.Change{
		AccountID:            s.AccountID,
		OccurredAt:           time.Now().UTC(),
		Provider:             "stripe",
		StripeSubscriptionID: stripeSub.ID,
	}
	if stripeSub.Customer != nil {
		c.StripeCustomerID = stripeSub.Customer.ID
	}
	if stripeSub.CanceledAt > 0 {
		c.OccurredAt = time.Unix(stripeSub.CanceledAt, 0).UTC()
	}
	if stripeSub.CurrentPeriodStart > 0 {
		t := time.Unix(stripeSub.CurrentPeriodStart, 0).UTC()
		c.PeriodStart = &t
	}
	if stripeSub.CurrentPeriodEnd > 0 {
		t := time.Unix(stripeSub.CurrentPeriodEnd, 0).UTC()
		c.PeriodEnd = &t
	}
	c.Plan = planOrStored(stripeSub.Metadata["plan"], s.Plan)
	return c
}

func planOrStored(meta, stored string) plans.ID {
	if id, err := plans.Parse(meta); err == nil {
		return id
	}
	return plans.ID(stored)
}
