package plans

// Feature is a capability locked behind a minimum plan.
type Feature string

const (
	FeatureCaptionGeneration  Feature = "caption_generation"
	FeatureHashtagSuggestions Feature = "hashtag_suggestions"
	FeatureBrandVoice         Feature = "brand_voice"
	FeatureBulkGeneration     Feature = "bulk_generation"
	FeatureAnalytics          Feature = "analytics"
	FeatureTeamWorkspace      Feature = "team_workspace"
	FeatureAPIAccess          Feature = "api_access"
)

var featureMinimum = map[Feature]ID{
	FeatureCaptionGeneration:  Free,
	FeatureHashtagSuggestions: Pro,
	FeatureBrandVoice:         Pro,
	FeatureBulkGeneration:     Pro,
	FeatureAnalytics:          Pro,
	FeatureTeamWorkspace:      Enterprise,
	FeatureAPIAccess:          Enterprise,
}

// RequiredPlan returns the lowest plan that unlocks f. Unknown features report false
// and must be treated as locked.
func RequiredPlan(f Feature) (ID, bool) {
	id, ok := featureMinimum[f]
	return id, ok
}

// Features lists every gated feature.
func Features() []Feature {
	return []Feature{
		FeatureCaptionGeneration,
		FeatureHashtagSuggestions,
		FeatureBrandVoice,
		FeatureBulkGeneration,
		FeatureAnalytics,
		FeatureTeamWorkspace,
		FeatureAPIAccess,
	}
}
