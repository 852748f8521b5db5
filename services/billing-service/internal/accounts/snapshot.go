// Package accounts loads the per-account records the entitlement resolver consumes.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var planDrift = promauto.NewCounter(prometheus.CounterOpts{
	Name: "billing_unknown_plan_total",
	Help: "Subscription records carrying a plan id missing from the catalog.",
})

type Store interface {
	GetSubscription(ctx context.Context, accountID string) (storage.Subscription, error)
	GetUsage(ctx context.Context, accountID string, now time.Time) (storage.UsageCounter, error)
}

// Snapshot reads subscription and usage for accountID. An account that never subscribed
// yields a nil subscription; usage is always present for the current period.
func Snapshot(ctx context.Context, store Store, accountID string, now time.Time) (*entitlements.Subscription, *entitlements.Usage, error) {
	var sub *entitlements.Subscription
	s, err := store.GetSubscription(ctx, accountID)
	switch {
	case err == nil:
		sub = s.Entitlement()
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, nil, fmt.Errorf("load subscription: %w", err)
	}

	u, err := store.GetUsage(ctx, accountID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("load usage: %w", err)
	}
	return sub, u.Entitlement(), nil
}

// Summarize loads accountID and resolves its entitlements. Catalog drift is logged and
// counted; the account is served as free.
func Summarize(ctx context.Context, store Store, accountID string, now time.Time, logger *slog.Logger) (entitlements.Summary, error) {
	sub, usage, err := Snapshot(ctx, store, accountID, now)
	if err != nil {
		return entitlements.Summary{}, err
	}
	v, drift := entitlements.ResolveChecked(sub, usage)
	if drift != nil {
		planDrift.Inc()
		logger.Error("subscription references unknown plan; serving free", "err", drift, "account_id", accountID)
	}
	return entitlements.SummarizeView(v, usage), nil
}
