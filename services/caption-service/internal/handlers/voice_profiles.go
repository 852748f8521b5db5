package handlers

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
	"github.com/google/uuid"
)

type voiceProfileRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type voiceProfilesResponse struct {
	Profiles  []storage.VoiceProfile `json:"profiles"`
	Remaining entitlements.Remaining `json:"remaining"`
}

// VoiceProfiles lists (GET) or creates (POST) the caller's voice profiles. Creation is
// limited by the plan's voice profile count.
func (h *Handler) VoiceProfiles(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.listVoiceProfiles(w, r, accountID)
	case http.MethodPost:
		h.createVoiceProfile(w, r, accountID)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) listVoiceProfiles(w http.ResponseWriter, r *http.Request, accountID string) {
	ctx := r.Context()
	profiles, err := h.store.ListVoiceProfiles(ctx, accountID)
	if err != nil {
		h.logger.Error("failed to list voice profiles", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to list voice profiles")
		return
	}
	v, _ := h.resolve(ctx, accountID)
	httpx.WriteJSON(w, http.StatusOK, voiceProfilesResponse{
		Profiles:  profiles,
		Remaining: entitlements.RemainingCount(v, plans.VoiceProfiles, len(profiles)),
	})
}

func (h *Handler) createVoiceProfile(w http.ResponseWriter, r *http.Request, accountID string) {
	var req voiceProfileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if req.Name == "" || utf8.RuneCountInString(req.Name) > 80 {
		httpx.WriteError(w, http.StatusBadRequest, "name is required (max 80 characters)")
		return
	}
	if utf8.RuneCountInString(req.Description) > 2000 {
		httpx.WriteError(w, http.StatusBadRequest, "description must be at most 2000 characters")
		return
	}

	ctx := r.Context()
	v, _ := h.resolve(ctx, accountID)
	held := 0
	vp, err := h.store.CreateVoiceProfile(ctx, storage.VoiceProfile{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Name:        req.Name,
		Description: req.Description,
	}, func(n int) bool {
		held = n
		return entitlements.WithinLimit(v, plans.VoiceProfiles, n+1)
	})
	switch {
	case errors.Is(err, storage.ErrLimitReached):
		requireCount(w, v, plans.VoiceProfiles, held+1)
		return
	case errors.Is(err, storage.ErrDuplicate):
		httpx.WriteError(w, http.StatusConflict, "a voice profile with this name already exists")
		return
	case err != nil:
		h.logger.Error("failed to create voice profile", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to create voice profile")
		return
	}
	recordGate(string(plans.VoiceProfiles), true)
	httpx.WriteJSON(w, http.StatusCreated, vp)
}

// VoiceProfile handles DELETE /api/v1/captions/voice-profiles/{id}.
func (h *Handler) VoiceProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/captions/voice-profiles/"), "/")
	if id == "" || strings.Contains(id, "/") {
		httpx.WriteError(w, http.StatusNotFound, "voice profile not found")
		return
	}
	err := h.store.DeleteVoiceProfile(r.Context(), accountID, id)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "voice profile not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete voice profile", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to delete voice profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
