// Package entitlements derives what an account may do from its subscription, its usage
// counters and the plan catalog.
//
// Everything here is a pure function of its inputs. Missing records resolve to the most
// restrictive view so callers can always gate safely while data is loading or a fetch failed.
package entitlements

import (
	"time"

	"github.com/captionforge/captionforge/libs/plans"
)

// Status is the billing status of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
)

// Subscription is the record owned by the billing service.
type Subscription struct {
	Plan   string `json:"plan"`
	Status Status `json:"status"`
}

// Usage holds the counters for the current period.
type Usage struct {
	CaptionsUsed int       `json:"captions_used"`
	ResetDate    time.Time `json:"reset_date"`
}

// View is the derived entitlement state. It has no lifecycle of its own: build a new one
// with Resolve whenever either input changes.
type View struct {
	Plan   plans.ID `json:"plan"`
	Status Status   `json:"status,omitempty"`

	IsFree       bool `json:"is_free"`
	IsPro        bool `json:"is_pro"`
	IsEnterprise bool `json:"is_enterprise"`
	IsActive     bool `json:"is_active"`

	// EffectivePlan governs limits and feature locks. It differs from Plan when billing
	// status no longer entitles the account to its plan.
	EffectivePlan plans.ID     `json:"effective_plan"`
	Limits        plans.Limits `json:"limits"`

	CaptionsUsed int        `json:"captions_used"`
	UsageKnown   bool       `json:"usage_known"`
	ResetDate    *time.Time `json:"reset_date,omitempty"`

	// UnknownPlan carries a foreign plan id that was replaced by free.
	UnknownPlan string `json:"unknown_plan,omitempty"`
}

// Resolve builds the view for sub and usage. It never fails.
func Resolve(sub *Subscription, usage *Usage) View {
	v, _ := ResolveChecked(sub, usage)
	return v
}

// ResolveChecked is Resolve that also reports catalog drift. The returned view is always
// usable; a non-nil error is a *plans.UnknownPlanError that callers should log.
func ResolveChecked(sub *Subscription, usage *Usage) (View, error) {
	v := View{Plan: plans.Free}
	var drift error

	if sub != nil {
		v.Status = sub.Status
		v.IsActive = sub.Status == StatusActive
		id, err := plans.Parse(sub.Plan)
		if err != nil {
			v.UnknownPlan = sub.Plan
			drift = err
			id = plans.Free
		}
		v.Plan = id
	}

	v.IsFree = v.Plan == plans.Free
	v.IsPro = v.Plan == plans.Pro
	v.IsEnterprise = v.Plan == plans.Enterprise

	v.EffectivePlan = plans.Free
	if sub != nil && statusEntitles(sub.Status) {
		v.EffectivePlan = v.Plan
	}
	v.Limits = plans.MustGet(v.EffectivePlan).Limits

	if usage != nil {
		v.UsageKnown = true
		v.CaptionsUsed = usage.CaptionsUsed
		if v.CaptionsUsed < 0 {
			v.CaptionsUsed = 0
		}
		if !usage.ResetDate.IsZero() {
			rd := usage.ResetDate.UTC()
			v.ResetDate = &rd
		}
	}
	return v, drift
}

// statusEntitles: past_due keeps the plan during the payment retry window.
func statusEntitles(s Status) bool {
	return s == StatusActive || s == StatusPastDue
}

// HasAccess reports whether the subscribed tier ranks at or above required.
// It looks at the tier only; combine with billing status through CanUseFeature.
func HasAccess(v View, required plans.ID) bool {
	if !plans.Known(required) {
		return false
	}
	return plans.Compare(v.Plan, required) >= 0
}

// CanUseFeature is the feature-lock check: the tier must reach the feature's minimum plan
// and billing status must still entitle the account to that tier.
func CanUseFeature(v View, f plans.Feature) bool {
	required, ok := plans.RequiredPlan(f)
	if !ok {
		return false
	}
	if required == plans.Free {
		return true
	}
	return HasAccess(v, required) && plans.Compare(v.EffectivePlan, required) >= 0
}

// Features returns the lock state of every gated feature.
func Features(v View) map[plans.Feature]bool {
	out := make(map[plans.Feature]bool, len(plans.Features()))
	for _, f := range plans.Features() {
		out[f] = CanUseFeature(v, f)
	}
	return out
}
