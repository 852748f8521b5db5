package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/captionforge/captionforge/services/billing-service/internal/subscriptions"
)

type localWebhookRequest struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"` // subscription.activated | subscription.past_due | subscription.canceled
	AccountID    string `json:"account_id"`
	Plan         string `json:"plan,omitempty"`
	BillingCycle string `json:"billing_cycle,omitempty"`
	OccurredAt   string `json:"occurred_at"`
}

var localEventStatus = map[string]entitlements.Status{
	"subscription.activated": entitlements.StatusActive,
	"subscription.past_due":  entitlements.StatusPastDue,
	"subscription.canceled":  entitlements.StatusCanceled,
}

// parseLocalWebhook normalizes and validates a dev webhook body.
func parseLocalWebhook(req localWebhookRequest) (subscriptions.Change, entitlements.Status, error) {
	req.EventID = strings.TrimSpace(req.EventID)
	req.Type = strings.TrimSpace(req.Type)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.OccurredAt = strings.TrimSpace(req.OccurredAt)
	if req.EventID == "" || req.Type == "" || req.AccountID == "" || req.OccurredAt == "" {
		return subscriptions.Change{}, "", errors.New("missing required fields")
	}
	status, ok := localEventStatus[req.Type]
	if !ok {
		return subscriptions.Change{}, "", errors.New("unsupported type")
	}
	occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
	if err != nil {
		return subscriptions.Change{}, "", errors.New("invalid occurred_at")
	}

	c := subscriptions.Change{AccountID: req.AccountID, OccurredAt: occurredAt, Provider: "local"}
	if strings.TrimSpace(req.Plan) != "" {
		if c.Plan, err = plans.Parse(req.Plan); err != nil {
			return subscriptions.Change{}, "", err
		}
	} else if status == entitlements.StatusActive {
		return subscriptions.Change{}, "", errors.New("plan is required for subscription.activated")
	}
	if strings.TrimSpace(req.BillingCycle) != "" {
		if c.Cycle, err = plans.ParseCycle(req.BillingCycle); err != nil {
			return subscriptions.Change{}, "", err
		}
	}
	return c, status, nil
}

// LocalWebhook simulates provider events in development. Non-admin callers may only
// change their own account.
func (h *Handler) LocalWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req localWebhookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	change, status, err := parseLocalWebhook(req)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := httpx.IdentityFromRequest(r)
	if id.AccountID != "" && !id.CanActFor(change.AccountID) {
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
		return
	}

	h.logger.Info("billing provider event received",
		"provider", "local",
		"provider_event_id", req.EventID,
		"event_type", req.Type,
		"account_id", change.AccountID,
		"plan", change.Plan,
		"occurred_at", change.OccurredAt.UTC().Format(time.RFC3339),
	)

	payloadRaw, _ := json.Marshal(req)
	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "local",
		ProviderEventID: strings.TrimSpace(req.EventID),
		EventType:       req.Type,
		Payload:         payloadRaw,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			providerEvents.WithLabelValues("local", req.Type, "duplicate").Inc()
			_ = tx.Commit(r.Context())
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record provider event")
		return
	}

	if err := h.recordAudit(r.Context(), tx, r, "billing.provider.local.webhook", "provider", change.AccountID, map[string]any{
		"provider":          "local",
		"provider_event_id": req.EventID,
		"event_type":        req.Type,
		"plan":              change.Plan,
	}); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to record audit event")
		return
	}

	if err := h.subSvc.Apply(r.Context(), tx, change, status); err != nil {
		h.logger.Error("failed to apply subscription change", "err", err, "account_id", change.AccountID, "status", status)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to apply subscription change")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	providerEvents.WithLabelValues("local", req.Type, "applied").Inc()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
