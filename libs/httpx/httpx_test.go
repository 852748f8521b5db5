package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "a,b,handler" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestWithRequestIDEchoesHeader(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if seen != "req-1" || rw.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seen, rw.Header().Get(RequestIDHeader))
	}

	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rw.Header().Get(RequestIDHeader)) != 32 {
		t.Fatalf("expected generated hex id, got %q", rw.Header().Get(RequestIDHeader))
	}
}

func TestRateLimiterPerAccount(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(account string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderAccountID, account)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		return rw.Code
	}

	if call("a") != http.StatusOK || call("a") != http.StatusOK {
		t.Fatal("first two calls should pass")
	}
	if code := call("a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("b"); code != http.StatusOK {
		t.Fatalf("other account should not be limited, got %d", code)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	if _, ok := rl.allow("k"); !ok {
		t.Fatal("first call should pass")
	}
	if _, ok := rl.allow("k"); ok {
		t.Fatal("second call in window should fail")
	}
	now = now.Add(61 * time.Second)
	if _, ok := rl.allow("k"); !ok {
		t.Fatal("call after window should pass")
	}
}

func TestStripIdentityAndCanActFor(t *testing.T) {
	var got Identity
	h := StripIdentity(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = IdentityFromRequest(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAccountID, "spoofed")
	req.Header.Set(HeaderRole, RoleAdmin)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got.AccountID != "" || got.Role != "" {
		t.Fatalf("identity headers should be stripped: %+v", got)
	}

	id := Identity{AccountID: "acct-1", Role: "owner"}
	if !id.CanActFor("acct-1") || id.CanActFor("acct-2") {
		t.Fatal("owner should only act for own account")
	}
	if !(Identity{Role: RoleAdmin}).CanActFor("acct-2") {
		t.Fatal("admin should act for any account")
	}
}

func TestWriteError(t *testing.T) {
	rw := httptest.NewRecorder()
	WriteError(rw, http.StatusPaymentRequired, "quota exhausted")
	if rw.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rw.Code)
	}
	if strings.TrimSpace(rw.Body.String()) != `{"error":"quota exhausted"}` {
		t.Fatalf("unexpected body: %s", rw.Body.String())
	}
}
