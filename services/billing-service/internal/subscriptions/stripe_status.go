package subscriptions

import (
	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/stripe/stripe-go/v79"
)

// StatusFromStripe maps a Stripe subscription status onto ours. ok is false for states
// that do not change entitlements yet (incomplete checkouts, paused trials).
func StatusFromStripe(s stripe.SubscriptionStatus) (entitlements.Status, bool) {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return entitlements.StatusActive, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return entitlements.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return entitlements.StatusCanceled, true
	default:
		return "", false
	}
}
