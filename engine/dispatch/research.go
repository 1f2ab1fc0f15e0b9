package dispatch

import "github.com/quietwire/poisson/engine/models"

// researchCategories restricts the research engine to the categories spec
// §4.6 names ("privacy, legal, government sites"), reusing browseLike's
// land/follow_link mechanics unchanged.
var researchCategories = []string{"privacy_tools", "legal", "government"}

// NewResearch constructs the research engine (spec §4.6, default OFF:
// "allowed_by_safety_default": false for anything beyond search/browse/dns).
func NewResearch(sites SiteProvider, weight float64, estimatedBytes int64) Engine {
	name := models.EngineResearch
	return &browseLike{
		name:       name,
		spec:       models.NewEngineSpec(name, weight, estimatedBytes),
		sites:      sites,
		categories: researchCategories,
	}
}
