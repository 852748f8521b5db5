package subscriptions

import (
	"context"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/events"
	"github.com/captionforge/captionforge/libs/outbox"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Service owns subscription state transitions and their outbox events, so webhook,
// cancel and reconcile flows share one code path.
type Service struct {
	repo       *storage.Repository
	outboxRepo *outbox.Repository
}

func New(repo *storage.Repository, outboxRepo *outbox.Repository) *Service {
	return &Service{repo: repo, outboxRepo: outboxRepo}
}

// Change describes a provider-reported transition for one account.
type Change struct {
	AccountID            string
	Plan                 plans.ID
	Cycle                plans.Cycle
	OccurredAt           time.Time
	Provider             string
	StripeCustomerID     string
	StripeSubscriptionID string
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
}

func (s *Service) ApplyActivated(ctx context.Context, tx pgx.Tx, c Change) error {
	return s.apply(ctx, tx, c, entitlements.StatusActive)
}

// ApplyPastDue keeps the plan while the provider retries payment.
func (s *Service) ApplyPastDue(ctx context.Context, tx pgx.Tx, c Change) error {
	return s.apply(ctx, tx, c, entitlements.StatusPastDue)
}

// ApplyCanceled keeps the last plan on record; the resolver serves free limits for it.
// An empty Plan keeps whatever plan is stored.
func (s *Service) ApplyCanceled(ctx context.Context, tx pgx.Tx, c Change) error {
	return s.apply(ctx, tx, c, entitlements.StatusCanceled)
}

// Apply dispatches on status.
func (s *Service) Apply(ctx context.Context, tx pgx.Tx, c Change, status entitlements.Status) error {
	return s.apply(ctx, tx, c, status)
}

func (s *Service) apply(ctx context.Context, tx pgx.Tx, c Change, status entitlements.Status) error {
	existing, ok, err := s.repo.GetSubscriptionForUpdate(ctx, tx, c.AccountID)
	if err != nil {
		return err
	}
	if c.Plan == "" {
		c.Plan = plans.Free
		if ok {
			c.Plan = plans.ID(existing.Plan)
		}
	}
	if c.Cycle == "" {
		c.Cycle = plans.Monthly
		if ok && existing.BillingCycle != "" {
			c.Cycle = plans.Cycle(existing.BillingCycle)
		}
	}

	if err := s.repo.UpsertSubscription(ctx, tx, storage.Subscription{
		AccountID:            c.AccountID,
		Plan:                 string(c.Plan),
		Status:               string(status),
		BillingCycle:         string(c.Cycle),
		Provider:             c.Provider,
		StripeCustomerID:     c.StripeCustomerID,
		StripeSubscriptionID: c.StripeSubscriptionID,
		CurrentPeriodStart:   c.PeriodStart,
		CurrentPeriodEnd:     c.PeriodEnd,
	}); err != nil {
		return err
	}

	var prev *storage.Subscription
	if ok {
		prev = &existing
	}
	if !Changed(prev, c.Plan, status) {
		return nil
	}

	evt, err := outbox.NewEvent("subscription", c.AccountID, TopicFor(status), EventPayload(c, status))
	if err != nil {
		return err
	}
	return s.outboxRepo.Insert(ctx, tx, evt)
}

// Changed reports whether moving prev to plan/status alters entitlements. Provider id
// updates alone do not fan out.
func Changed(prev *storage.Subscription, plan plans.ID, status entitlements.Status) bool {
	if prev == nil {
		return true
	}
	return prev.Plan != string(plan) || prev.Status != string(status)
}

func TopicFor(status entitlements.Status) string {
	switch status {
	case entitlements.StatusPastDue:
		return events.TopicSubscriptionPastDue
	case entitlements.StatusCanceled:
		return events.TopicSubscriptionCanceled
	default:
		return events.TopicSubscriptionActivated
	}
}

func EventPayload(c Change, status entitlements.Status) events.SubscriptionChanged {
	v := entitlements.Resolve(&entitlements.Subscription{Plan: string(c.Plan), Status: status}, nil)
	return events.SubscriptionChanged{
		AccountID:     c.AccountID,
		Plan:          string(v.Plan),
		Status:        string(status),
		EffectivePlan: string(v.EffectivePlan),
		BillingCycle:  string(c.Cycle),
		OccurredAt:    c.OccurredAt.UTC(),
	}
}
