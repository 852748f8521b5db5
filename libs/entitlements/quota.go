package entitlements

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/captionforge/captionforge/libs/plans"
)

// Remaining is a quota balance. Unlimited balances carry no count, so the plan sentinel
// never reaches display arithmetic.
type Remaining struct {
	Count     int
	Unlimited bool
}

func (r Remaining) String() string {
	if r.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(r.Count)
}

// MarshalJSON encodes a count as a number and an unlimited balance as "unlimited".
func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(r.Count)), nil
}

func (r *Remaining) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid remaining quota %q", s)
		}
		*r = Remaining{Unlimited: true}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	*r = Remaining{Count: n}
	return nil
}

// CanPerformQuotaLimitedAction reports whether one more metered action fits in the
// period. An unlimited limit always allows it; otherwise the usage record must be known
// and strictly below the limit, so the action at used == limit is refused.
func CanPerformQuotaLimitedAction(v View, usage *Usage, field plans.LimitField) bool {
	limit, ok := v.Limits.Value(field)
	if !ok {
		return false
	}
	if plans.IsUnlimited(limit) {
		return true
	}
	if usage == nil {
		return false
	}
	return usedCount(usage) < limit
}

// WithinLimit reports whether holding or requesting n units stays inside field's limit.
func WithinLimit(v View, field plans.LimitField, n int) bool {
	limit, ok := v.Limits.Value(field)
	if !ok {
		return false
	}
	if plans.IsUnlimited(limit) {
		return true
	}
	return n <= limit
}

// RemainingQuota is what is left of field for the period. With no usage record the
// balance is reported as zero rather than guessed.
func RemainingQuota(v View, usage *Usage, field plans.LimitField) Remaining {
	limit, ok := v.Limits.Value(field)
	if !ok {
		return Remaining{}
	}
	if plans.IsUnlimited(limit) {
		return Remaining{Unlimited: true}
	}
	if usage == nil {
		return Remaining{}
	}
	left := limit - usedCount(usage)
	if left < 0 {
		left = 0
	}
	return Remaining{Count: left}
}

// RemainingCount is what is left of a count limit (voice profiles, seats) when held
// units are already in use. A field the plan does not carry has nothing left.
func RemainingCount(v View, field plans.LimitField, held int) Remaining {
	limit, ok := v.Limits.Value(field)
	if !ok {
		return Remaining{}
	}
	if plans.IsUnlimited(limit) {
		return Remaining{Unlimited: true}
	}
	left := limit - held
	if left < 0 {
		left = 0
	}
	return Remaining{Count: left}
}

// UsagePercentage is the share of field consumed, clamped to [0, 100]. Usage can run past
// the limit briefly because counters are updated asynchronously.
func UsagePercentage(v View, usage *Usage, field plans.LimitField) int {
	limit, ok := v.Limits.Value(field)
	if !ok || plans.IsUnlimited(limit) {
		return 0
	}
	if usage == nil || limit == 0 {
		return 100
	}
	used := usedCount(usage)
	if used == 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(used) / float64(limit)))
	if pct > 100 {
		return 100
	}
	return pct
}

// usedCount clamps a counter that went negative to zero, matching the view.
func usedCount(usage *Usage) int {
	if usage.CaptionsUsed < 0 {
		return 0
	}
	return usage.CaptionsUsed
}
