package browser

import "sync"

// Colours is the subscription colour rotation.
var Colours = []string{
	"#9e0505", "#06941b", "#0f05a1", "#999c03", "#048c85",
	"#5d047a", "#7a3f04", "#3b9669", "#b88511", "#1a5e99",
}

// Palette hands out subscription colours, preferring a colour saved in the
// profile store and otherwise cycling through Colours.
type Palette struct {
	mu     sync.Mutex
	next   int
	source ColourSource
}

// NewPalette creates a palette. source may be nil.
func NewPalette(source ColourSource) *Palette {
	return &Palette{source: source}
}

// Colour returns the colour for topic under profile.
func (p *Palette) Colour(profile, topic string) string {
	if p.source != nil {
		if c, ok := p.source.SubscriptionColour(profile, topic); ok {
			return c
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c := Colours[p.next]
	p.next = (p.next + 1) % len(Colours)
	return c
}
