package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/outbox"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/accounts"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/captionforge/captionforge/services/billing-service/internal/subscriptions"
	"github.com/jackc/pgx/v5"
)

type Handler struct {
	repo                   *storage.Repository
	store                  accounts.Store
	subSvc                 *subscriptions.Service
	logger                 *slog.Logger
	now                    func() time.Time
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
	stripeSecretKey        string
	prices                 map[plans.ID]map[plans.Cycle]string
	checkoutSuccessURL     string
	checkoutCancelURL      string
}

type Config struct {
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	StripeSecretKey        string
	// Stripe price ids per plan and cycle.
	StripePriceProMonthly        string
	StripePriceProYearly         string
	StripePriceEnterpriseMonthly string
	StripePriceEnterpriseYearly  string
	CheckoutSuccessURL           string
	CheckoutCancelURL            string
}

func New(repo *storage.Repository, outboxRepo *outbox.Repository, logger *slog.Logger, cfg Config) *Handler {
	h := newHandler(repo, logger, cfg)
	h.repo = repo
	h.subSvc = subscriptions.New(repo, outboxRepo)
	return h
}

func newHandler(store accounts.Store, logger *slog.Logger, cfg Config) *Handler {
	tol := cfg.StripeWebhookTolerance
	if tol <= 0 {
		tol = 300 * time.Second
	}
	return &Handler{
		store:                  store,
		logger:                 logger,
		now:                    time.Now,
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: tol,
		stripeSecretKey:        strings.TrimSpace(cfg.StripeSecretKey),
		prices: map[plans.ID]map[plans.Cycle]string{
			plans.Pro: {
				plans.Monthly: strings.TrimSpace(cfg.StripePriceProMonthly),
				plans.Yearly:  strings.TrimSpace(cfg.StripePriceProYearly),
			},
			plans.Enterprise: {
				plans.Monthly: strings.TrimSpace(cfg.StripePriceEnterpriseMonthly),
				plans.Yearly:  strings.TrimSpace(cfg.StripePriceEnterpriseYearly),
			},
		},
		checkoutSuccessURL: strings.TrimSpace(cfg.CheckoutSuccessURL),
		checkoutCancelURL:  strings.TrimSpace(cfg.CheckoutCancelURL),
	}
}

// targetAccount picks the account a request is about: the caller's own, or any account
// named by an admin. It writes the error response itself when it returns false.
func targetAccount(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	id := httpx.IdentityFromRequest(r)
	accountID := id.AccountID
	if requested = strings.TrimSpace(requested); requested != "" {
		accountID = requested
	}
	if accountID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "account_id is required")
		return "", false
	}
	if !id.CanActFor(accountID) {
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	return accountID, true
}

type planCatalogResponse struct {
	Current plans.ID             `json:"current"`
	Plans   []plans.Presentation `json:"plans"`
}

// ListPlans is public. Signed-in callers get the catalog decorated for their plan.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	current := plans.Free
	if accountID := httpx.IdentityFromRequest(r).AccountID; accountID != "" {
		sub, err := h.store.GetSubscription(r.Context(), accountID)
		switch {
		case err == nil:
			current = entitlements.Resolve(sub.Entitlement(), nil).Plan
		case errors.Is(err, storage.ErrNotFound):
		default:
			h.logger.Warn("plan catalog: subscription lookup failed", "err", err, "account_id", accountID)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, planCatalogResponse{Current: current, Plans: plans.Decorate(current)})
}

type subscriptionResponse struct {
	AccountID        string     `json:"account_id"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	BillingCycle     string     `json:"billing_cycle"`
	Provider         string     `json:"provider"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// GetSubscription answers JSON null for an account that never subscribed.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := targetAccount(w, r, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}

	sub, err := h.store.GetSubscription(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteJSON(w, http.StatusOK, nil)
			return
		}
		h.logger.Error("failed to load subscription", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, subscriptionResponse{
		AccountID:        sub.AccountID,
		Plan:             sub.Plan,
		Status:           sub.Status,
		BillingCycle:     sub.BillingCycle,
		Provider:         sub.Provider,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		UpdatedAt:        sub.UpdatedAt.UTC(),
	})
}

type usageResponse struct {
	AccountID    string    `json:"account_id"`
	CaptionsUsed int       `json:"captions_used"`
	PeriodStart  time.Time `json:"period_start"`
	ResetDate    time.Time `json:"reset_date"`
}

func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := targetAccount(w, r, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}
	u, err := h.store.GetUsage(r.Context(), accountID, h.now())
	if err != nil {
		h.logger.Error("failed to load usage", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, usageResponse{
		AccountID:    accountID,
		CaptionsUsed: u.CaptionsUsed,
		PeriodStart:  u.PeriodStart.UTC(),
		ResetDate:    u.ResetDate.UTC(),
	})
}

func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := targetAccount(w, r, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}
	summary, err := h.summarize(r.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to load entitlements", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load entitlements")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) summarize(ctx context.Context, accountID string) (entitlements.Summary, error) {
	return accounts.Summarize(ctx, h.store, accountID, h.now(), h.logger)
}

func (h *Handler) recordAudit(ctx context.Context, tx pgx.Tx, r *http.Request, eventType, actorType, accountID string, metadata map[string]any) error {
	id := httpx.IdentityFromRequest(r)
	if actorType == "" {
		actorType = id.Role
	}
	if actorType == "" {
		actorType = "system"
	}
	actorID := id.UserID
	if actorID == "" {
		actorID = id.AccountID
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reqID := httpx.RequestIDFromContext(ctx); reqID != "" {
		metadata["request_id"] = reqID
	}
	return h.repo.InsertAuditEvent(ctx, tx, storage.AuditEvent{
		EventType: eventType,
		ActorType: actorType,
		ActorID:   actorID,
		AccountID: accountID,
		Metadata:  metadata,
	})
}
