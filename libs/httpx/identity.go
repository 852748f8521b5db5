package httpx

import (
	"net/http"
	"strings"
)

// Identity headers are set by the gateway after verifying the caller's token.
// Services behind the gateway trust them; the gateway strips any client-supplied copies.
const (
	HeaderAccountID = "X-Account-Id"
	HeaderUserID    = "X-User-Id"
	HeaderRole      = "X-Role"
)

const RoleAdmin = "admin"

type Identity struct {
	AccountID string
	UserID    string
	Role      string
}

func IdentityFromRequest(r *http.Request) Identity {
	return Identity{
		AccountID: strings.TrimSpace(r.Header.Get(HeaderAccountID)),
		UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:      strings.TrimSpace(r.Header.Get(HeaderRole)),
	}
}

func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// CanActFor reports whether the caller may read or change accountID.
func (id Identity) CanActFor(accountID string) bool {
	if id.IsAdmin() {
		return true
	}
	return id.AccountID != "" && id.AccountID == accountID
}

// StripIdentity removes identity headers supplied by the client. The gateway runs it
// first so only its own auth middleware can set them.
func StripIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderAccountID)
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderRole)
		next.ServeHTTP(w, r)
	})
}
