// Package persona implements the sticky, rebalancing persona pool and
// fingerprint-matching policy of spec §4.3, grounded on the weighted
// selection idiom used throughout engine/timing and engine/topic.
package persona

import (
	"sync"
	"time"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/internal/rng"
)

// usageWindow is the rolling window over which the empirical persona mix
// is compared against configured weights for soft rebalancing (spec §4.3:
// "rolling window (>= 2h)").
const usageWindow = 2 * time.Hour

// overuseFactor: a persona used more than this multiple of its weight
// share is suppressed for new selections until the window rolls past it.
const overuseFactor = 1.5

// minMatchedShare is the floor on how often the fingerprint-matched
// persona must be chosen, spec §4.3: "used for >= 30% of sessions".
const minMatchedShare = 0.30

// mobileShareTarget and mobileShareTolerance enforce the registry-level
// mobile/desktop soft ratio (spec §3, §4.3: personas are "partitioned into
// mobile and desktop pools" preserving a default 30/70 split), independent
// of whatever arbitrary Weight values happen to be configured per persona.
const (
	mobileShareTarget    = 0.30
	mobileShareTolerance = 0.05
)

type usageRecord struct {
	at   time.Time
	name string
}

// Registry owns the persona pool and sticky-assignment bookkeeping. One
// owning component per spec §5 ("single owning component that mediates
// writes").
type Registry struct {
	mu       sync.Mutex
	personas []*models.Persona
	byName   map[string]*models.Persona
	usage    []usageRecord
	matched  *models.Persona

	rng rng.Source
}

func New(personas []*models.Persona, source rng.Source) *Registry {
	r := &Registry{byName: make(map[string]*models.Persona), rng: source}
	r.SetPersonas(personas)
	return r
}

// SetPersonas replaces the pool, used by datafiles hot reload. A
// previously fingerprint-matched persona's identity is preserved by name
// if it still exists in the new pool.
func (r *Registry) SetPersonas(personas []*models.Persona) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prevMatchedName := ""
	if r.matched != nil {
		prevMatchedName = r.matched.Name
	}
	r.personas = personas
	r.byName = make(map[string]*models.Persona, len(personas))
	r.matched = nil
	for _, p := range personas {
		r.byName[p.Name] = p
		if p.Name == prevMatchedName {
			r.matched = p
		}
	}
}

// AlignFingerprint permanently aligns one desktop persona with the
// operator-reported bundle (spec §4.3). Prefers the current persona with
// the largest viewport among non-mobile personas, mutating it in place so
// existing pointers (live sessions) observe the same identity except for
// the newly aligned fields; future sessions pick it up as "matched".
func (r *Registry) AlignFingerprint(bundle models.FingerprintBundle) *models.Persona {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *models.Persona
	for _, p := range r.personas {
		if p.Mobile {
			continue
		}
		if target == nil || p.ViewportWidth*p.ViewportHeight > target.ViewportWidth*target.ViewportHeight {
			target = p
		}
	}
	if target == nil && len(r.personas) > 0 {
		target = r.personas[0]
	}
	if target == nil {
		return nil
	}

	fp := bundle
	target.Fingerprint = &fp
	target.ViewportWidth = bundle.ScreenWidth
	target.ViewportHeight = bundle.ScreenHeight
	target.Matched = true
	r.matched = target
	return target
}

// Matched reports the currently fingerprint-aligned persona, if any.
func (r *Registry) Matched() (*models.Persona, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matched, r.matched != nil
}

// Select performs sticky assignment for one new session: pick a persona
// from the pool weighted by its configured Weight, suppressing any
// persona currently over-used relative to its share in the rolling
// window, and forcing the matched persona often enough to satisfy its
// floor share.
func (r *Registry) Select(now time.Time) *models.Persona {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictStaleUsage(now)

	if r.matched != nil && r.matchedShareLocked() < minMatchedShare {
		r.recordUsageLocked(now, r.matched.Name)
		return r.matched
	}

	candidates := r.unsuppressedLocked()
	if len(candidates) == 0 {
		candidates = r.personas
	}
	if len(candidates) == 0 {
		return nil
	}

	if pooled := r.applyMobileRatioLocked(candidates); len(pooled) > 0 {
		candidates = pooled
	}

	chosen := r.weightedPickLocked(candidates)
	r.recordUsageLocked(now, chosen.Name)
	return chosen
}

func (r *Registry) evictStaleUsage(now time.Time) {
	cutoff := now.Add(-usageWindow)
	i := 0
	for i < len(r.usage) && r.usage[i].at.Before(cutoff) {
		i++
	}
	r.usage = r.usage[i:]
}

func (r *Registry) recordUsageLocked(at time.Time, name string) {
	r.usage = append(r.usage, usageRecord{at: at, name: name})
}

func (r *Registry) matchedShareLocked() float64 {
	if r.matched == nil || len(r.usage) == 0 {
		return 0
	}
	var matches int
	for _, u := range r.usage {
		if u.name == r.matched.Name {
			matches++
		}
	}
	return float64(matches) / float64(len(r.usage))
}

// unsuppressedLocked returns personas whose observed share in the rolling
// window does not exceed overuseFactor times their configured weight
// share (spec §4.3 soft rebalancing).
func (r *Registry) unsuppressedLocked() []*models.Persona {
	if len(r.usage) == 0 || len(r.personas) == 0 {
		return r.personas
	}
	var totalWeight float64
	for _, p := range r.personas {
		totalWeight += p.Weight
	}
	if totalWeight <= 0 {
		return r.personas
	}

	counts := make(map[string]int, len(r.personas))
	for _, u := range r.usage {
		counts[u.name]++
	}
	total := len(r.usage)

	out := make([]*models.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		expectedShare := p.Weight / totalWeight
		observedShare := float64(counts[p.Name]) / float64(total)
		if observedShare > expectedShare*overuseFactor {
			continue
		}
		out = append(out, p)
	}
	return out
}

// applyMobileRatioLocked narrows candidates to whichever of the mobile or
// desktop pool is currently underrepresented relative to the registry's
// soft ratio target, mirroring unsuppressedLocked's overuse-suppression
// shape but tracked on the mobile/desktop split rather than per-persona
// weight share. Within mobileShareTolerance of the target, both pools stay
// eligible; an empty result (e.g. the underrepresented pool has no
// candidates left after suppression) lets the caller fall back to the
// unrestricted set.
func (r *Registry) applyMobileRatioLocked(candidates []*models.Persona) []*models.Persona {
	if len(r.usage) == 0 {
		return candidates
	}
	diff := r.observedMobileShareLocked() - mobileShareTarget
	var wantMobile bool
	switch {
	case diff < -mobileShareTolerance:
		wantMobile = true // mobile underrepresented
	case diff > mobileShareTolerance:
		wantMobile = false // desktop underrepresented
	default:
		return candidates // within tolerance of the target ratio
	}

	out := make([]*models.Persona, 0, len(candidates))
	for _, p := range candidates {
		if p.Mobile == wantMobile {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) observedMobileShareLocked() float64 {
	if len(r.usage) == 0 {
		return 0
	}
	var mobile int
	for _, u := range r.usage {
		if p, ok := r.byName[u.name]; ok && p.Mobile {
			mobile++
		}
	}
	return float64(mobile) / float64(len(r.usage))
}

func (r *Registry) weightedPickLocked(candidates []*models.Persona) *models.Persona {
	var total float64
	for _, p := range candidates {
		total += p.Weight
	}
	if total <= 0 {
		return candidates[0]
	}
	u := r.rng.Float64() * total
	var cumulative float64
	for _, p := range candidates {
		cumulative += p.Weight
		if u <= cumulative {
			return p
		}
	}
	return candidates[len(candidates)-1]
}

// Snapshot returns the live pool for read-only inspection (e.g. /status).
func (r *Registry) Snapshot() []models.Persona {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Persona, len(r.personas))
	for i, p := range r.personas {
		out[i] = *p
	}
	return out
}
