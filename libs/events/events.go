// Package events holds the Kafka topics and payloads shared between services.
package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	TopicSubscriptionActivated = "billing.subscription.activated.v1"
	TopicSubscriptionPastDue   = "billing.subscription.past_due.v1"
	TopicSubscriptionCanceled  = "billing.subscription.canceled.v1"
	TopicCaptionsGenerated     = "captions.generated.v1"
)

// SubscriptionChanged is published whenever an account's plan or billing status changes.
type SubscriptionChanged struct {
	AccountID     string    `json:"account_id"`
	Plan          string    `json:"plan"`
	Status        string    `json:"status"`
	EffectivePlan string    `json:"effective_plan"`
	BillingCycle  string    `json:"billing_cycle,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// CaptionsGenerated is published by caption-service after a successful generation and
// consumed by billing-service to advance the usage counter.
type CaptionsGenerated struct {
	AccountID   string    `json:"account_id"`
	CaptionID   string    `json:"caption_id"`
	Count       int       `json:"count"`
	GeneratedAt time.Time `json:"generated_at"`
}

var ErrInvalidEvent = errors.New("invalid event payload")

func DecodeCaptionsGenerated(b []byte) (CaptionsGenerated, error) {
	var evt CaptionsGenerated
	if err := json.Unmarshal(b, &evt); err != nil {
		return CaptionsGenerated{}, errors.Join(ErrInvalidEvent, err)
	}
	evt.AccountID = strings.TrimSpace(evt.AccountID)
	if evt.AccountID == "" || evt.Count <= 0 {
		return CaptionsGenerated{}, ErrInvalidEvent
	}
	if evt.GeneratedAt.IsZero() {
		evt.GeneratedAt = time.Now().UTC()
	}
	return evt, nil
}
