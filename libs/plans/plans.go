// Package plans is the compiled-in subscription catalog.
//
// The catalog is total over free, pro and enterprise. Every limit is either a
// non-negative count or the Unlimited sentinel; callers check IsUnlimited before
// doing any arithmetic with a limit.
package plans

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ID identifies a plan tier.
type ID string

const (
	Free       ID = "free"
	Pro        ID = "pro"
	Enterprise ID = "enterprise"
)

// Unlimited is the only sentinel for "no limit" in Limits.
const Unlimited = -1

// IsUnlimited reports whether a limit value is the unlimited sentinel.
func IsUnlimited(v int) bool {
	return v == Unlimited
}

// UnknownPlanError is returned when a plan id is not in the catalog. Seeing one at
// runtime means the catalog and the account service have drifted apart.
type UnknownPlanError struct {
	ID string
}

func (e *UnknownPlanError) Error() string {
	return fmt.Sprintf("unknown plan %q", e.ID)
}

// ErrCustomPricing is returned when a price is requested that a custom-priced plan does not have.
var ErrCustomPricing = errors.New("plan has custom pricing")

// LimitField names one quota in Limits.
type LimitField string

const (
	CaptionsPerMonth        LimitField = "captions_per_month"
	VariationsPerGeneration LimitField = "variations_per_generation"
	VoiceProfiles           LimitField = "voice_profiles"
	TeamSeats               LimitField = "team_seats"
)

// Limits is the machine-readable quota table of a plan.
type Limits struct {
	CaptionsPerMonth        int  `json:"captions_per_month"`
	VariationsPerGeneration int  `json:"variations_per_generation"`
	VoiceProfiles           int  `json:"voice_profiles"`
	TeamSeats               *int `json:"team_seats,omitempty"` // nil: not offered on this plan
}

// Value returns the raw limit for field. ok is false when the plan does not offer the
// feature at all (team seats below enterprise) or the field is not known.
func (l Limits) Value(field LimitField) (int, bool) {
	switch field {
	case CaptionsPerMonth:
		return l.CaptionsPerMonth, true
	case VariationsPerGeneration:
		return l.VariationsPerGeneration, true
	case VoiceProfiles:
		return l.VoiceProfiles, true
	case TeamSeats:
		if l.TeamSeats == nil {
			return 0, false
		}
		return *l.TeamSeats, true
	default:
		return 0, false
	}
}

func (l Limits) clone() Limits {
	out := l
	if l.TeamSeats != nil {
		v := *l.TeamSeats
		out.TeamSeats = &v
	}
	return out
}

// Cycle is a billing interval offered at checkout.
type Cycle string

const (
	Monthly Cycle = "monthly"
	Yearly  Cycle = "yearly"
)

// ParseCycle accepts "monthly" or "yearly" (case-insensitive). Empty means monthly.
func ParseCycle(s string) (Cycle, error) {
	switch Cycle(strings.ToLower(strings.TrimSpace(s))) {
	case "", Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	default:
		return "", fmt.Errorf("unsupported billing cycle %q", s)
	}
}

// yearlyDiscountPercent applies to priced plans only.
const yearlyDiscountPercent = 20

// Definition is one catalog entry.
type Definition struct {
	ID            ID       `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Price         int      `json:"price"`
	CustomPricing bool     `json:"custom_pricing"`
	Features      []string `json:"features"`
	Limits        Limits   `json:"limits"`
}

// PriceFor returns the price charged per cycle. Custom-priced plans are never discounted:
// they report their nominal monthly price and ErrCustomPricing for any other cycle.
func (d Definition) PriceFor(cycle Cycle) (int, error) {
	switch cycle {
	case Monthly:
		return d.Price, nil
	case Yearly:
		if d.CustomPricing {
			return d.Price, ErrCustomPricing
		}
		full := 12 * d.Price
		return int(math.Round(float64(full) * float64(100-yearlyDiscountPercent) / 100)), nil
	default:
		return 0, fmt.Errorf("unsupported billing cycle %q", cycle)
	}
}

func (d Definition) clone() Definition {
	out := d
	out.Limits = d.Limits.clone()
	out.Features = append([]string(nil), d.Features...)
	return out
}

func seats(n int) *int { return &n }

// catalog is ordered by rank.
var catalog = [...]Definition{
	{
		ID:          Free,
		Name:        "Free",
		Description: "Try caption generation on a handful of posts each month.",
		Price:       0,
		Features: []string{
			"10 captions per month",
			"3 variations per generation",
			"1 voice profile",
		},
		Limits: Limits{
			CaptionsPerMonth:        10,
			VariationsPerGeneration: 3,
			VoiceProfiles:           1,
		},
	},
	{
		ID:          Pro,
		Name:        "Pro",
		Description: "Unlimited captions for creators and small brands.",
		Price:       19,
		Features: []string{
			"Unlimited captions",
			"10 variations per generation",
			"5 voice profiles",
			"Hashtag suggestions",
			"Bulk generation",
			"Analytics",
		},
		Limits: Limits{
			CaptionsPerMonth:        Unlimited,
			VariationsPerGeneration: 10,
			VoiceProfiles:           5,
		},
	},
	{
		ID:            Enterprise,
		Name:          "Enterprise",
		Description:   "Shared workspaces, API access and custom terms for teams.",
		Price:         99,
		CustomPricing: true,
		Features: []string{
			"Everything in Pro",
			"Unlimited variations and voice profiles",
			"10 team seats",
			"API access",
		},
		Limits: Limits{
			CaptionsPerMonth:        Unlimited,
			VariationsPerGeneration: Unlimited,
			VoiceProfiles:           Unlimited,
			TeamSeats:               seats(10),
		},
	},
}

// Get returns the definition for id, or *UnknownPlanError.
func Get(id ID) (Definition, error) {
	for _, d := range catalog {
		if d.ID == id {
			return d.clone(), nil
		}
	}
	return Definition{}, &UnknownPlanError{ID: string(id)}
}

// MustGet is Get for compiled-in ids.
func MustGet(id ID) Definition {
	d, err := Get(id)
	if err != nil {
		panic(err)
	}
	return d
}

// All returns the catalog ordered free, pro, enterprise.
func All() []Definition {
	out := make([]Definition, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d.clone())
	}
	return out
}

// Parse normalises s into a known ID.
func Parse(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if !Known(id) {
		return "", &UnknownPlanError{ID: s}
	}
	return id, nil
}

// Known reports whether id is in the catalog.
func Known(id ID) bool {
	return Rank(id) >= 0
}

// Rank is the capability rank: free=0, pro=1, enterprise=2, and -1 for foreign ids.
func Rank(id ID) int {
	switch id {
	case Free:
		return 0
	case Pro:
		return 1
	case Enterprise:
		return 2
	default:
		return -1
	}
}

// Compare returns -1, 0 or 1 as a ranks below, equal to, or above b.
func Compare(a, b ID) int {
	ra, rb := Rank(a), Rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}
