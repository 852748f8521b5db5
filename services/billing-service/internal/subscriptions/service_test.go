package subscriptions

import (
	"testing"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/events"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
)

func TestChanged(t *testing.T) {
	prev := &storage.Subscription{Plan: "pro", Status: "active"}
	if Changed(prev, plans.Pro, entitlements.StatusActive) {
		t.Fatal("same plan and status should not fan out")
	}
	if !Changed(prev, plans.Pro, entitlements.StatusPastDue) {
		t.Fatal("status change should fan out")
	}
	if !Changed(prev, plans.Enterprise, entitlements.StatusActive) {
		t.Fatal("plan change should fan out")
	}
	if !Changed(nil, plans.Free, entitlements.StatusActive) {
		t.Fatal("first record should fan out")
	}
}

func TestTopicFor(t *testing.T) {
	cases := map[entitlements.Status]string{
		entitlements.StatusActive:   events.TopicSubscriptionActivated,
		entitlements.StatusPastDue:  events.TopicSubscriptionPastDue,
		entitlements.StatusCanceled: events.TopicSubscriptionCanceled,
	}
	for status, want := range cases {
		if got := TopicFor(status); got != want {
			t.Fatalf("%s: want %s, got %s", status, want, got)
		}
	}
}

func TestEventPayloadCarriesEffectivePlan(t *testing.T) {
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c := Change{AccountID: "acct-1", Plan: plans.Enterprise, Cycle: plans.Yearly, OccurredAt: at}

	p := EventPayload(c, entitlements.StatusCanceled)
	if p.Plan != "enterprise" || p.EffectivePlan != "free" || p.Status != "canceled" {
		t.Fatalf("unexpected canceled payload %+v", p)
	}
	p = EventPayload(c, entitlements.StatusPastDue)
	if p.EffectivePlan != "enterprise" || p.BillingCycle != "yearly" || !p.OccurredAt.Equal(at) {
		t.Fatalf("unexpected past_due payload %+v", p)
	}
}

func TestStatusFromStripe(t *testing.T) {
	cases := []struct {
		in   stripe.SubscriptionStatus
		want entitlements.Status
		ok   bool
	}{
		{stripe.SubscriptionStatusActive, entitlements.StatusActive, true},
		{stripe.SubscriptionStatusTrialing, entitlements.StatusActive, true},
		{stripe.SubscriptionStatusPastDue, entitlements.StatusPastDue, true},
		{stripe.SubscriptionStatusUnpaid, entitlements.StatusPastDue, true},
		{stripe.SubscriptionStatusCanceled, entitlements.StatusCanceled, true},
		{stripe.SubscriptionStatusIncomplete, "", false},
	}
	for _, tc := range cases {
		got, ok := StatusFromStripe(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: got (%s, %v)", tc.in, got, ok)
		}
	}
}
