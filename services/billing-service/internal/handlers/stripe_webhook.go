package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/captionforge/captionforge/services/billing-service/internal/subscriptions"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeWebhook handles Stripe webhooks. The signature is the authentication; the
// gateway exposes this path without a token.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.stripeWebhookSecret == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "stripe webhook not configured")
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing Stripe-Signature header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.stripeWebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                h.stripeWebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		providerEvents.WithLabelValues("stripe", "unknown", "bad_signature").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	occurredAt := time.Unix(evt.Created, 0).UTC()
	evtType := string(evt.Type)
	h.logger.Info("billing provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			providerEvents.WithLabelValues("stripe", evtType, "duplicate").Inc()
			_ = tx.Commit(r.Context())
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record provider event")
		return
	}

	if err := h.recordAudit(r.Context(), tx, r, "billing.provider.stripe.webhook", "provider", "", map[string]any{
		"provider":          "stripe",
		"provider_event_id": evt.ID,
		"event_type":        evtType,
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record audit event")
		return
	}

	if err := h.applyStripeEvent(r.Context(), tx, evtType, evt.Data.Raw, occurredAt); err != nil {
		h.logger.Error("stripe: failed to apply event", "err", err, "provider_event_id", evt.ID, "event_type", evtType)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to apply event")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	providerEvents.WithLabelValues("stripe", evtType, "applied").Inc()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// applyStripeEvent handles the event types that move entitlements. Malformed or
// unattributed payloads are logged and acknowledged so Stripe stops retrying them.
func (h *Handler) applyStripeEvent(ctx context.Context, tx pgx.Tx, evtType string, raw json.RawMessage, occurredAt time.Time) error {
	switch evtType {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			return nil
		}
		change, ok := changeFromMetadata(session.Metadata, occurredAt)
		if !ok || change.Plan == "" {
			h.logger.Warn("stripe: missing metadata on checkout session (account_id/plan)", "stripe_session_id", session.ID)
			return nil
		}
		if session.Customer != nil {
			change.StripeCustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			change.StripeSubscriptionID = session.Subscription.ID
		}
		if err := h.repo.MarkCheckoutSessionCompleted(ctx, tx, session.ID, occurredAt, change.StripeCustomerID, change.StripeSubscriptionID); err != nil {
			return err
		}
		return h.subSvc.ApplyActivated(ctx, tx, change)

	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			return nil
		}
		return h.repo.MarkCheckoutSessionExpired(ctx, tx, session.ID, occurredAt)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			h.logger.Error("stripe: invalid subscription payload", "err", err)
			return nil
		}
		change, ok := changeFromStripeSubscription(&sub, occurredAt)
		if !ok {
			h.logger.Warn("stripe: missing metadata on subscription (account_id)", "stripe_subscription_id", sub.ID)
			return nil
		}
		status, ok := subscriptions.StatusFromStripe(sub.Status)
		if evtType == "customer.subscription.deleted" {
			status, ok = entitlements.StatusCanceled, true
		}
		if !ok {
			return nil
		}
		if status == entitlements.StatusActive && change.Plan == "" {
			h.logger.Warn("stripe: missing plan metadata on active subscription", "stripe_subscription_id", sub.ID)
			return nil
		}
		return h.subSvc.Apply(ctx, tx, change, status)
	}
	return nil
}

// changeFromMetadata reads the account, plan and cycle stamped on the session at checkout.
// An unknown plan is dropped so the stored plan is kept.
func changeFromMetadata(md map[string]string, occurredAt time.Time) (subscriptions.Change, bool) {
	accountID := strings.TrimSpace(md["account_id"])
	if accountID == "" {
		return subscriptions.Change{}, false
	}
	c := subscriptions.Change{AccountID: accountID, OccurredAt: occurredAt, Provider: "stripe"}
	if id, err := plans.Parse(md["plan"]); err == nil {
		c.Plan = id
	}
	if cycle, err := plans.ParseCycle(md["billing_cycle"]); err == nil {
		c.Cycle = cycle
	}
	return c, true
}

func changeFromStripeSubscription(sub *stripe.Subscription, occurredAt time.Time) (subscriptions.Change, bool) {
	c, ok := changeFromMetadata(sub.Metadata, occurredAt)
	if !ok {
		return c, false
	}
	c.StripeSubscriptionID = sub.ID
	if sub.Customer != nil {
		c.StripeCustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		c.PeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		c.PeriodEnd = &t
	}
	return c, true
}
