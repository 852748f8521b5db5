package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/captionforge/captionforge/services/billing-service/internal/subscriptions"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"
)

type checkoutRequest struct {
	Plan         string `json:"plan"`
	BillingCycle string `json:"billing_cycle,omitempty"`
	SuccessURL   string `json:"success_url,omitempty"`
	CancelURL    string `json:"cancel_url,omitempty"`
}

type checkoutResponse struct {
	SessionID    string      `json:"session_id"`
	URL          string      `json:"url"`
	Plan         plans.ID    `json:"plan"`
	BillingCycle plans.Cycle `json:"billing_cycle"`
	Amount       int         `json:"amount"`
}

type checkoutError struct {
	code int
	msg  string
}

func (e *checkoutError) Error() string { return e.msg }

// checkoutTarget validates the requested plan and cycle and returns the price to bill.
func (h *Handler) checkoutTarget(planRaw, cycleRaw string) (plans.ID, plans.Cycle, string, int, error) {
	plan, err := plans.Parse(planRaw)
	if err != nil {
		return "", "", "", 0, &checkoutError{http.StatusBadRequest, err.Error()}
	}
	if plan == plans.Free {
		return "", "", "", 0, &checkoutError{http.StatusBadRequest, "the free plan does not need checkout"}
	}
	cycle, err := plans.ParseCycle(cycleRaw)
	if err != nil {
		return "", "", "", 0, &checkoutError{http.StatusBadRequest, err.Error()}
	}
	amount, err := plans.MustGet(plan).PriceFor(cycle)
	if errors.Is(err, plans.ErrCustomPricing) {
		return "", "", "", 0, &checkoutError{http.StatusConflict, "yearly billing for " + string(plan) + " is arranged with sales"}
	}
	if err != nil {
		return "", "", "", 0, &checkoutError{http.StatusBadRequest, err.Error()}
	}
	priceID := h.prices[plan][cycle]
	if priceID == "" {
		return "", "", "", 0, &checkoutError{http.StatusNotImplemented, "stripe price id not configured for " + string(plan) + "/" + string(cycle)}
	}
	return plan, cycle, priceID, amount, nil
}

// Checkout opens a Stripe checkout session for the caller's account.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.stripeSecretKey == "" {
		httpx.WriteError(w, http.StatusNotImplemented, "stripe checkout not configured (STRIPE_SECRET_KEY missing)")
		return
	}

	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	accountID := httpx.IdentityFromRequest(r).AccountID
	if accountID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing account context")
		return
	}

	plan, cycle, priceID, amount, err := h.checkoutTarget(req.Plan, req.BillingCycle)
	if err != nil {
		var ce *checkoutError
		if errors.As(err, &ce) {
			checkoutSessions.WithLabelValues(strings.ToLower(req.Plan), strings.ToLower(req.BillingCycle), "rejected").Inc()
			httpx.WriteError(w, ce.code, ce.msg)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "checkout failed")
		return
	}

	successURL := firstNonEmpty(req.SuccessURL, h.checkoutSuccessURL)
	cancelURL := firstNonEmpty(req.CancelURL, h.checkoutCancelURL)
	if successURL == "" || cancelURL == "" {
		httpx.WriteError(w, http.StatusBadRequest, "success_url and cancel_url are required (or configure default URLs)")
		return
	}

	// The state token lets the public return pages prove they belong to this session.
	returnToken := newReturnToken()
	successURL = withQueryParam(successURL, "state", returnToken)
	cancelURL = withQueryParam(cancelURL, "state", returnToken)

	stripe.Key = h.stripeSecretKey
	metadata := map[string]string{
		"account_id":    accountID,
		"plan":          string(plan),
		"billing_cycle": string(cycle),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		Metadata:         metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata},
	}
	params.Context = r.Context()
	if idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key")); idemKey != "" {
		params.IdempotencyKey = stripe.String(idemKey)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		checkoutSessions.WithLabelValues(string(plan), string(cycle), "provider_error").Inc()
		h.logger.Error("stripe checkout session create failed", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()
	if err := h.repo.UpsertCheckoutSession(r.Context(), tx, storage.CheckoutSession{
		StripeSessionID: sess.ID,
		AccountID:       accountID,
		Plan:            string(plan),
		BillingCycle:    string(cycle),
		Status:          "created",
		URL:             sess.URL,
		ReturnToken:     returnToken,
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to persist checkout session")
		return
	}
	if err := h.recordAudit(r.Context(), tx, r, "billing.checkout.created", "", accountID, map[string]any{
		"plan":              plan,
		"billing_cycle":     cycle,
		"stripe_session_id": sess.ID,
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record audit event")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to commit")
		return
	}

	checkoutSessions.WithLabelValues(string(plan), string(cycle), "created").Inc()
	httpx.WriteJSON(w, http.StatusOK, checkoutResponse{
		SessionID:    sess.ID,
		URL:          sess.URL,
		Plan:         plan,
		BillingCycle: cycle,
		Amount:       amount,
	})
}

// CheckoutSessionStatus is public: Stripe redirects the customer without a token.
// It returns non-sensitive state only.
func (h *Handler) CheckoutSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, err := h.repo.GetCheckoutSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	resp := map[string]any{
		"session_id":    sess.StripeSessionID,
		"plan":          sess.Plan,
		"billing_cycle": sess.BillingCycle,
		"status":        sess.Status,
		"updated_at":    sess.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for key, at := range map[string]*time.Time{
		"completed_at": sess.CompletedAt,
		"canceled_at":  sess.CanceledAt,
		"expired_at":   sess.ExpiredAt,
	} {
		if at != nil {
			resp[key] = at.UTC().Format(time.RFC3339)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type checkoutAckRequest struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Result    string `json:"result"` // success | cancel
}

func (h *Handler) AckCheckoutReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req checkoutAckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.State = strings.TrimSpace(req.State)
	req.Result = strings.TrimSpace(strings.ToLower(req.Result))
	if req.SessionID == "" || req.State == "" {
		httpx.WriteError(w, http.StatusBadRequest, "session_id and state are required")
		return
	}
	if req.Result != "success" && req.Result != "cancel" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid result")
		return
	}

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	matched, err := h.repo.AckCheckoutReturn(r.Context(), tx, req.SessionID, req.State, req.Result, h.now().UTC())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record return")
		return
	}
	if !matched {
		httpx.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type cancelSubscriptionRequest struct {
	AccountID string `json:"account_id,omitempty"` // admin only
}

// CancelSubscription cancels at Stripe when the subscription lives there, then records
// the transition locally. Local (dev) subscriptions are canceled in place.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req cancelSubscriptionRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	accountID, ok := targetAccount(w, r, req.AccountID)
	if !ok {
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "subscription not found")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	if sub.Status == "canceled" {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "already_canceled"})
		return
	}

	provider := sub.Provider
	stripeSubID := strings.TrimSpace(sub.StripeSubscriptionID)
	customerID := sub.StripeCustomerID
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	if provider == "stripe" {
		if h.stripeSecretKey == "" {
			httpx.WriteError(w, http.StatusNotImplemented, "stripe billing not configured (STRIPE_SECRET_KEY missing)")
			return
		}
		if stripeSubID == "" {
			httpx.WriteError(w, http.StatusConflict, "no stripe subscription id on record")
			return
		}
		if idemKey == "" {
			idemKey = "cancel:" + accountID + ":" + stripeSubID
		}
		stripe.Key = h.stripeSecretKey
		params := &stripe.SubscriptionCancelParams{}
		params.IdempotencyKey = stripe.String(idemKey)
		params.Context = r.Context()
		stripeSub, err := stripesubscription.Cancel(stripeSubID, params)
		if err != nil {
			h.logger.Error("stripe subscription cancel failed", "err", err, "stripe_subscription_id", stripeSubID)
			httpx.WriteError(w, http.StatusBadGateway, "failed to cancel subscription")
			return
		}
		if stripeSub != nil && stripeSub.Customer != nil {
			customerID = stripeSub.Customer.ID
		}
	} else if idemKey == "" {
		idemKey = "cancel:" + accountID + ":" + sub.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	now := h.now().UTC()
	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	payload, _ := json.Marshal(map[string]any{
		"account_id":             accountID,
		"stripe_subscription_id": stripeSubID,
		"idempotency_key":        idemKey,
		"canceled_at":            now.Format(time.RFC3339),
	})
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "internal",
		ProviderEventID: idemKey,
		EventType:       "subscription.cancel",
		Payload:         payload,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			_ = tx.Commit(r.Context())
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record cancellation")
		return
	}

	if err := h.recordAudit(r.Context(), tx, r, "billing.subscription.cancel.requested", "", accountID, map[string]any{
		"provider":               provider,
		"stripe_subscription_id": stripeSubID,
		"idempotency_key":        idemKey,
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record audit event")
		return
	}

	if err := h.subSvc.ApplyCanceled(r.Context(), tx, subscriptions.Change{
		AccountID:            accountID,
		OccurredAt:           now,
		Provider:             provider,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: stripeSubID,
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to apply cancellation")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func newReturnToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// withQueryParam appends without re-encoding so Stripe's {CHECKOUT_SESSION_ID}
// placeholder survives.
func withQueryParam(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
