package reconcile

import (
	"testing"
	"time"

	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
)

func TestChangeForKeepsStoredPlanWithoutMetadata(t *testing.T) {
	stored := storage.Subscription{AccountID: "acct-1", Plan: "pro"}
	c := ChangeFor(stored, &stripe.Subscription{ID: "sub_1", Customer: &stripe.Customer{ID: "cus_1"}})
	if c.Plan != plans.Pro || c.StripeCustomerID != "cus_1" || c.Provider != "stripe" {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestChangeForUsesMetadataAndCancelTime(t *testing.T) {
	canceled := time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)
	c := ChangeFor(storage.Subscription{AccountID: "acct-1", Plan: "pro"}, &stripe.Subscription{
		ID:         "sub_1",
		CanceledAt: canceled.Unix(),
		Metadata:   map[string]string{"plan": "enterprise"},
	})
	if c.Plan != plans.Enterprise || !c.OccurredAt.Equal(canceled) {
		t.Fatalf("unexpected change %+v", c)
	}
}
