// Command stripe-webhook-sim posts a signed Stripe event to the gateway so checkout and
// subscription lifecycle flows can be exercised without a Stripe account.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/config"
	"github.com/stripe/stripe-go/v79/webhook"
)

type eventOptions struct {
	EventID   string
	Type      string
	Created   time.Time
	AccountID string
	Plan      string
	Cycle     string
	Status    string
	Customer  string
	SessionID string
	SubID     string
}

func main() {
	var (
		baseURL  = flag.String("base-url", config.String("BASE_URL", "http://localhost:8080"), "gateway base url")
		evtType  = flag.String("type", config.String("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		account  = flag.String("account-id", config.String("ACCOUNT_ID", ""), "account_id metadata")
		plan     = flag.String("plan", config.String("PLAN", "pro"), "plan metadata (pro|enterprise)")
		cycle    = flag.String("billing-cycle", config.String("BILLING_CYCLE", "monthly"), "billing_cycle metadata")
		status   = flag.String("status", config.String("STRIPE_SUB_STATUS", "active"), "subscription status for customer.subscription.* events")
		customer = flag.String("customer", config.String("STRIPE_CUSTOMER", "cus_test_123"), "stripe customer id")
		secret   = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*account) == "" {
		fatal("ACCOUNT_ID is required")
	}

	now := time.Now().UTC()
	payload, err := buildEventJSON(eventOptions{
		EventID:   fmt.Sprintf("evt_test_%d", now.UnixNano()),
		Type:      *evtType,
		Created:   now,
		AccountID: *account,
		Plan:      *plan,
		Cycle:     *cycle,
		Status:    *status,
		Customer:  *customer,
		SessionID: fmt.Sprintf("cs_test_%d", now.Unix()),
		SubID:     "sub_test_" + *account,
	})
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func buildEventJSON(o eventOptions) ([]byte, error) {
	metadata := map[string]any{
		"account_id":    o.AccountID,
		"plan":          o.Plan,
		"billing_cycle": o.Cycle,
	}
	var object map[string]any
	switch o.Type {
	case "checkout.session.completed", "checkout.session.expired":
		object = map[string]any{
			"id":           o.SessionID,
			"object":       "checkout.session",
			"mode":         "subscription",
			"customer":     o.Customer,
			"subscription": o.SubID,
			"metadata":     metadata,
		}
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		status := o.Status
		if o.Type == "customer.subscription.deleted" {
			status = "canceled"
		}
		start := o.Created.Truncate(time.Hour)
		object = map[string]any{
			"id":                   o.SubID,
			"object":               "subscription",
			"status":               status,
			"customer":             o.Customer,
			"current_period_start": start.Unix(),
			"current_period_end":   start.AddDate(0, 1, 0).Unix(),
			"metadata":             metadata,
		}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", o.Type)
	}
	return json.Marshal(map[string]any{
		"id":          o.EventID,
		"object":      "event",
		"created":     o.Created.Unix(),
		"type":        o.Type,
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
