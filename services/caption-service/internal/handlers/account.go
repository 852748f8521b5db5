package handlers

import (
	"net/http"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
)

type entitlementsResponse struct {
	entitlements.Summary
	VoiceProfilesRemaining entitlements.Remaining  `json:"voice_profiles_remaining"`
	TeamSeatsRemaining     *entitlements.Remaining `json:"team_seats_remaining,omitempty"`
}

// Entitlements is the lock map and remaining quota the UI renders from.
func (h *Handler) Entitlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	v, usage := h.resolve(ctx, accountID)

	profiles, err := h.store.ListVoiceProfiles(ctx, accountID)
	if err != nil {
		h.logger.Error("failed to list voice profiles", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load entitlements")
		return
	}
	resp := entitlementsResponse{
		Summary:                entitlements.SummarizeView(v, usage),
		VoiceProfilesRemaining: entitlements.RemainingCount(v, plans.VoiceProfiles, len(profiles)),
	}
	if _, ok := v.Limits.Value(plans.TeamSeats); ok {
		seats, err := h.store.ListSeats(ctx, accountID)
		if err != nil {
			h.logger.Error("failed to list seats", "err", err, "account_id", accountID)
			httpx.WriteError(w, http.StatusInternalServerError, "failed to load entitlements")
			return
		}
		left := entitlements.RemainingCount(v, plans.TeamSeats, len(seats))
		resp.TeamSeatsRemaining = &left
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type analyticsResponse struct {
	PeriodStart time.Time `json:"period_start"`
	storage.CaptionStats
}

// Analytics reports this month's generation totals. Locked below pro.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	v, _ := h.resolve(ctx, accountID)
	if !requireFeature(w, v, plans.FeatureAnalytics) {
		return
	}

	now := h.now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	stats, err := h.store.CaptionStats(ctx, accountID, since)
	if err != nil {
		h.logger.Error("failed to load caption stats", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load analytics")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, analyticsResponse{PeriodStart: since, CaptionStats: stats})
}
