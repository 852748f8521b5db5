package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/captionforge/captionforge/libs/auth"
	"github.com/captionforge/captionforge/libs/httpx"
)

func TestRequireRole(t *testing.T) {
	h := requireRole(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), httpx.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set(httpx.HeaderRole, "member")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}

	reqOK := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqOK.Header.Set(httpx.HeaderRole, httpx.RoleAdmin)
	rwOK := httptest.NewRecorder()
	h.ServeHTTP(rwOK, reqOK)
	if rwOK.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rwOK.Code)
	}
}

func TestRequireAuthHS256(t *testing.T) {
	secret := "test-secret"
	claims := auth.NewClaims("user-1", "acct-1", "owner", time.Hour)
	token, err := auth.SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}

	h := requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := httpx.IdentityFromRequest(r)
		if id.UserID != "user-1" || id.AccountID != "acct-1" || id.Role != "owner" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), secret)

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}

	reqBad := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqBad.Header.Set("Authorization", "Bearer badtoken")
	rwBad := httptest.NewRecorder()
	h.ServeHTTP(rwBad, reqBad)
	if rwBad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rwBad.Code)
	}
}

func TestSpoofedIdentityIsReplaced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"account_id": r.Header.Get(httpx.HeaderAccountID),
			"role":       r.Header.Get(httpx.HeaderRole),
			"path":       r.URL.Path,
		})
	}))
	defer upstream.Close()

	mux := http.NewServeMux()
	registerRoutes(mux, routeConfig{BillingURL: upstream.URL, CaptionURL: upstream.URL, JWTSecret: "s"})
	handler := httpx.Chain(mux, httpx.StripIdentity)

	token, err := auth.SignHS256(auth.NewClaims("u", "acct-real", "owner", time.Hour), "s")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/captions/entitlements", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(httpx.HeaderAccountID, "acct-victim")
	req.Header.Set(httpx.HeaderRole, httpx.RoleAdmin)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	body := rw.Body.String()
	if rw.Code != http.StatusOK || !strings.Contains(body, `"account_id":"acct-real"`) || !strings.Contains(body, `"role":"owner"`) {
		t.Fatalf("identity not enforced: %d %s", rw.Code, body)
	}

	anon := httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil)
	anon.Header.Set(httpx.HeaderAccountID, "acct-victim")
	rw = httptest.NewRecorder()
	handler.ServeHTTP(rw, anon)
	if rw.Code != http.StatusOK || !strings.Contains(rw.Body.String(), `"account_id":""`) {
		t.Fatalf("anonymous catalog request kept a client identity: %s", rw.Body.String())
	}

	unauth := httptest.NewRequest(http.MethodGet, "/api/v1/billing/usage", nil)
	rw = httptest.NewRecorder()
	handler.ServeHTTP(rw, unauth)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestLocalWebhookIsAdminOnly(t *testing.T) {
	mux := http.NewServeMux()
	registerRoutes(mux, routeConfig{BillingURL: "http://127.0.0.1:1", CaptionURL: "http://127.0.0.1:1", JWTSecret: "s"})

	token, _ := auth.SignHS256(auth.NewClaims("u", "acct", "owner", time.Hour), "s")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/local", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}
}

func TestReturnPageEscapesQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/billing/success?session_id=%3Cscript%3E&state=s", nil)
	rw := httptest.NewRecorder()
	renderCheckoutReturnPage(rw, req, "Payment successful", "success")
	if strings.Contains(rw.Body.String(), "<script>alert") || strings.Contains(rw.Body.String(), "<code><script>") {
		t.Fatalf("session id not escaped: %s", rw.Body.String())
	}
}
