package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/caption-service/internal/generator"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
)

// Accounts fetches the records entitlements are resolved from. Either may be nil when
// unknown.
type Accounts interface {
	Snapshot(ctx context.Context, accountID string) (*entitlements.Subscription, *entitlements.Usage)
}

type Store interface {
	CreateCaption(ctx context.Context, c storage.Caption) error
	CaptionStats(ctx context.Context, accountID string, since time.Time) (storage.CaptionStats, error)
	ListVoiceProfiles(ctx context.Context, accountID string) ([]storage.VoiceProfile, error)
	GetVoiceProfile(ctx context.Context, accountID, id string) (storage.VoiceProfile, error)
	CreateVoiceProfile(ctx context.Context, vp storage.VoiceProfile, allow func(held int) bool) (storage.VoiceProfile, error)
	DeleteVoiceProfile(ctx context.Context, accountID, id string) error
	ListSeats(ctx context.Context, accountID string) ([]storage.Seat, error)
	CreateSeat(ctx context.Context, s storage.Seat, allow func(held int) bool) (storage.Seat, error)
}

type Handler struct {
	store    Store
	accounts Accounts
	gen      generator.Generator
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the handlers. gen may be nil, in which case generation answers 503.
func New(store Store, accounts Accounts, gen generator.Generator, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		accounts: accounts,
		gen:      gen,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/captions/generate", h.Generate)
	mux.HandleFunc("/api/v1/captions/generate/bulk", h.GenerateBulk)
	mux.HandleFunc("/api/v1/captions/entitlements", h.Entitlements)
	mux.HandleFunc("/api/v1/captions/analytics", h.Analytics)
	mux.HandleFunc("/api/v1/captions/voice-profiles", h.VoiceProfiles)
	mux.HandleFunc("/api/v1/captions/voice-profiles/", h.VoiceProfile)
	mux.HandleFunc("/api/v1/captions/team/seats", h.Seats)
}

// resolve loads a fresh view for the caller. Nothing is cached between requests.
func (h *Handler) resolve(ctx context.Context, accountID string) (entitlements.View, *entitlements.Usage) {
	sub, usage := h.accounts.Snapshot(ctx, accountID)
	v, drift := entitlements.ResolveChecked(sub, usage)
	if drift != nil {
		planDrift.Inc()
		h.logger.Error("subscription references unknown plan; serving free", "err", drift, "account_id", accountID)
	}
	return v, usage
}

func callerAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := httpx.IdentityFromRequest(r).AccountID
	if accountID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing account context")
		return "", false
	}
	return accountID, true
}

type featureRefusal struct {
	Error        string   `json:"error"`
	Feature      string   `json:"feature"`
	RequiredPlan plans.ID `json:"required_plan"`
}

type limitRefusal struct {
	Error     string `json:"error"`
	Limit     int    `json:"limit"`
	Requested int    `json:"requested"`
}

type quotaRefusal struct {
	Error     string                 `json:"error"`
	Remaining entitlements.Remaining `json:"remaining"`
	ResetDate *time.Time             `json:"reset_date,omitempty"`
}

// requireFeature writes 403 when f is locked for v.
func requireFeature(w http.ResponseWriter, v entitlements.View, f plans.Feature) bool {
	ok := entitlements.CanUseFeature(v, f)
	recordGate(string(f), ok)
	if ok {
		return true
	}
	required, _ := plans.RequiredPlan(f)
	httpx.WriteJSON(w, http.StatusForbidden, featureRefusal{
		Error:        string(f) + " requires the " + string(required) + " plan",
		Feature:      string(f),
		RequiredPlan: required,
	})
	return false
}

// requireCount writes 402 when holding n units of field exceeds v's limit.
func requireCount(w http.ResponseWriter, v entitlements.View, field plans.LimitField, n int) bool {
	ok := entitlements.WithinLimit(v, field, n)
	recordGate(string(field), ok)
	if ok {
		return true
	}
	limit, _ := v.Limits.Value(field)
	httpx.WriteJSON(w, http.StatusPaymentRequired, limitRefusal{
		Error:     string(field) + " limit reached for the " + string(v.EffectivePlan) + " plan",
		Limit:     limit,
		Requested: n,
	})
	return false
}
