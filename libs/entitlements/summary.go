package entitlements

import "github.com/captionforge/captionforge/libs/plans"

// Summary is the view plus the derived numbers a client needs to render quota and locks.
// It is what the entitlements endpoints and the gRPC service return.
type Summary struct {
	View                 View                   `json:"view"`
	CaptionsRemaining    Remaining              `json:"captions_remaining"`
	CaptionsUsagePercent int                    `json:"captions_usage_percent"`
	CanGenerate          bool                   `json:"can_generate"`
	Features             map[plans.Feature]bool `json:"features"`
}

func Summarize(sub *Subscription, usage *Usage) Summary {
	return SummarizeView(Resolve(sub, usage), usage)
}

func SummarizeView(v View, usage *Usage) Summary {
	return Summary{
		View:                 v,
		CaptionsRemaining:    RemainingQuota(v, usage, plans.CaptionsPerMonth),
		CaptionsUsagePercent: UsagePercentage(v, usage, plans.CaptionsPerMonth),
		CanGenerate:          CanPerformQuotaLimitedAction(v, usage, plans.CaptionsPerMonth),
		Features:             Features(v),
	}
}
