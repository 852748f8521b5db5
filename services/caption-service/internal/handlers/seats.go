package handlers

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
	"github.com/google/uuid"
)

type seatRequest struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type seatsResponse struct {
	Seats     []storage.Seat         `json:"seats"`
	Remaining entitlements.Remaining `json:"remaining"`
}

// Seats lists (GET) or invites (POST) team members. Both need the team workspace
// feature; invites are also limited by the plan's seat count.
func (h *Handler) Seats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	v, _ := h.resolve(ctx, accountID)
	if !requireFeature(w, v, plans.FeatureTeamWorkspace) {
		return
	}

	if r.Method == http.MethodGet {
		seats, err := h.store.ListSeats(ctx, accountID)
		if err != nil {
			h.logger.Error("failed to list seats", "err", err, "account_id", accountID)
			httpx.WriteError(w, http.StatusInternalServerError, "failed to list seats")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, seatsResponse{
			Seats:     seats,
			Remaining: entitlements.RemainingCount(v, plans.TeamSeats, len(seats)),
		})
		return
	}

	var req seatRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	switch role {
	case "":
		role = "member"
	case "member", "editor", "admin":
	default:
		httpx.WriteError(w, http.StatusBadRequest, "role must be member, editor or admin")
		return
	}

	held := 0
	seat, err := h.store.CreateSeat(ctx, storage.Seat{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Email:     strings.ToLower(addr.Address),
		Role:      role,
		InvitedBy: httpx.IdentityFromRequest(r).UserID,
	}, func(n int) bool {
		held = n
		return entitlements.WithinLimit(v, plans.TeamSeats, n+1)
	})
	switch {
	case errors.Is(err, storage.ErrLimitReached):
		requireCount(w, v, plans.TeamSeats, held+1)
		return
	case errors.Is(err, storage.ErrDuplicate):
		httpx.WriteError(w, http.StatusConflict, "this member already has a seat")
		return
	case err != nil:
		h.logger.Error("failed to create seat", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to invite member")
		return
	}
	recordGate(string(plans.TeamSeats), true)
	httpx.WriteJSON(w, http.StatusCreated, seat)
}
