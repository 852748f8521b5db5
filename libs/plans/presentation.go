package plans

// Presentation wraps a Definition with display-only fields for pricing pages.
// It is built per request; the catalog itself is never modified.
type Presentation struct {
	Definition
	ButtonText string `json:"button_text"`
	Current    bool   `json:"current"`
	Highlight  bool   `json:"highlight"`
	Upgrade    bool   `json:"upgrade"`
}

// Decorate renders the catalog for a viewer currently on plan current.
// A foreign current id is shown as free.
func Decorate(current ID) []Presentation {
	if !Known(current) {
		current = Free
	}
	defs := All()
	out := make([]Presentation, 0, len(defs))
	for _, d := range defs {
		p := Presentation{
			Definition: d,
			Current:    d.ID == current,
			Highlight:  d.ID == Pro,
			Upgrade:    Compare(d.ID, current) > 0,
		}
		switch {
		case p.Current:
			p.ButtonText = "Current plan"
		case d.CustomPricing:
			p.ButtonText = "Contact sales"
		case p.Upgrade:
			p.ButtonText = "Upgrade to " + d.Name
		default:
			p.ButtonText = "Switch to " + d.Name
		}
		out = append(out, p)
	}
	return out
}
