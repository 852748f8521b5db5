package accountclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchSubscriptionNullIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(httpx.HeaderAccountID); got != "acct-1" {
			t.Errorf("account header = %q", got)
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("expected no-cache request")
		}
		httpx.WriteJSON(w, http.StatusOK, nil)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, quietLogger())
	sub, err := c.FetchSubscription(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != nil {
		t.Fatalf("expected nil subscription, got %+v", sub)
	}
}

func TestSnapshotFetchesBoth(t *testing.T) {
	reset := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/billing/subscription", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("account_id") != "acct-2" {
			t.Errorf("missing account_id query")
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"account_id": "acct-2", "plan": "pro", "status": "past_due"})
	})
	mux.HandleFunc("/api/v1/billing/usage", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"account_id": "acct-2", "captions_used": 42, "reset_date": reset})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub, usage := New(srv.URL, time.Second, quietLogger()).Snapshot(context.Background(), "acct-2")
	if sub == nil || sub.Plan != "pro" || sub.Status != entitlements.StatusPastDue {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if usage == nil || usage.CaptionsUsed != 42 || !usage.ResetDate.Equal(reset) {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestSnapshotFailureIsRestrictive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/billing/subscription", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"plan": "enterprise", "status": "active"})
	})
	mux.HandleFunc("/api/v1/billing/usage", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load usage")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub, usage := New(srv.URL, time.Second, quietLogger()).Snapshot(context.Background(), "acct-3")
	if sub == nil || sub.Plan != "enterprise" {
		t.Fatalf("expected subscription to survive, got %+v", sub)
	}
	if usage != nil {
		t.Fatalf("expected nil usage, got %+v", usage)
	}

	v := entitlements.Resolve(nil, usage)
	if entitlements.CanPerformQuotaLimitedAction(v, usage, plans.CaptionsPerMonth) {
		t.Fatal("free account with unknown usage must be refused")
	}
}

func TestFetchUsageUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusBadGateway, "upstream down")
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, quietLogger()).FetchUsage(context.Background(), "acct-4")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "upstream down" {
		t.Fatalf("expected status error with body text, got %v", err)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["plan"] != "pro" || body["billing_cycle"] != "yearly" {
			t.Errorf("unexpected body: %v", body)
		}
		httpx.WriteJSON(w, http.StatusOK, CheckoutSession{
			SessionID:    "cs_test_1",
			URL:          "https://checkout.stripe.test/cs_test_1",
			Plan:         plans.Pro,
			BillingCycle: plans.Yearly,
			Amount:       190,
		})
	}))
	defer srv.Close()

	cs, err := New(srv.URL, time.Second, quietLogger()).CreateCheckoutSession(context.Background(), "acct-5", plans.Pro, plans.Yearly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.SessionID != "cs_test_1" || cs.Amount != 190 {
		t.Fatalf("unexpected session: %+v", cs)
	}
}

func TestCreateCheckoutSessionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusConflict, "yearly billing for enterprise is arranged with sales")
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, quietLogger()).CreateCheckoutSession(context.Background(), "acct-6", plans.Enterprise, plans.Yearly)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict {
		t.Fatalf("expected 409 status error, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("4xx must not be reported as unavailable")
	}
}

func TestMissingAccountID(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second, quietLogger())
	if _, err := c.FetchSubscription(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank account id")
	}
}
