// Package topic implements the per-session topic draw and the multi-day
// "obsession" bias described in spec §4.2, grounded on the same weighted
// sampling idiom as engine/timing's Markov transitions.
package topic

import (
	"strings"
	"sync"
	"time"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/internal/rng"
)

// Draw is the result of next_topic: a category plus optional query hints.
type Draw struct {
	Category        string
	QueryHint       string
	FollowUpQueries []string
	FromObsession   bool
}

// EngineEnabled reports whether the engine a profile requires is currently
// enabled, so gated categories (e.g. privacy_tools -> research) are only
// drawn when their engine is live.
type EngineEnabled func(models.EngineName) bool

// Model holds the topic pool, the current obsession (if any), and the
// per-category query wordlists (spec §4.2, §6 data files).
type Model struct {
	mu         sync.Mutex
	profiles   []models.TopicProfile
	wordlists  map[string][]string
	obsession  *models.Obsession

	obsessionProbability float64 // default 0.02
	pObsessionActive     float64 // P(returning the obsession | it's live), spec's "p_obsession_active"
	multiQueryProbability float64

	rng rng.Source
}

const (
	defaultObsessionProbability  = 0.02
	defaultPObsessionActive      = 0.6
	defaultMultiQueryProbability = 0.08
)

func New(profiles []models.TopicProfile, wordlists map[string][]string, source rng.Source) *Model {
	return &Model{
		profiles:              profiles,
		wordlists:             wordlists,
		obsessionProbability:  defaultObsessionProbability,
		pObsessionActive:      defaultPObsessionActive,
		multiQueryProbability: defaultMultiQueryProbability,
		rng:                   source,
	}
}

// SetProfiles replaces the category pool, used by datafiles hot reload.
func (m *Model) SetProfiles(profiles []models.TopicProfile, wordlists map[string][]string) {
	m.mu.Lock()
	m.profiles = profiles
	m.wordlists = wordlists
	m.mu.Unlock()
}

// Obsession returns a copy of the current obsession, or nil if none is live.
func (m *Model) Obsession(now time.Time) *models.Obsession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.obsession == nil || !m.obsession.Live(now) {
		return nil
	}
	cp := *m.obsession
	return &cp
}

// ClearObsession drops any active obsession (control-plane testing hook,
// spec §4.2 "Obsessions can be manually cleared via the control plane").
func (m *Model) ClearObsession() {
	m.mu.Lock()
	m.obsession = nil
	m.mu.Unlock()
}

// rollObsession applies spec §4.2's lifecycle: on each session start, with
// probability obsessionProbability, replace any existing obsession with a
// fresh one over the live category pool.
func (m *Model) rollObsession(now time.Time, enabled EngineEnabled) {
	if m.rng.Float64() >= m.obsessionProbability {
		return
	}
	candidates := m.liveProfiles(enabled)
	if len(candidates) == 0 {
		return
	}
	cat := m.weightedPick(candidates)
	horizonHours := candidates[0].ObsessionHorizon.Hours()
	_ = horizonHours // category-specific horizon is advisory; window below is spec's fixed 6-72h
	minExpire := 6 * time.Hour
	maxExpire := 72 * time.Hour
	delta := minExpire + time.Duration(m.rng.Float64()*float64(maxExpire-minExpire))
	strength := betaSkewed(m.rng)
	m.obsession = &models.Obsession{Category: cat, ExpiresAt: now.Add(delta), Strength: strength}
}

// betaSkewed approximates a Beta distribution skewed toward 0.4-0.8 by
// averaging two uniform draws and rescaling, avoiding a full Beta sampler
// for a bias the spec only asks to be "skewed", not exact.
func betaSkewed(source rng.Source) float64 {
	avg := (source.Float64() + source.Float64()) / 2
	return 0.4 + avg*0.4
}

// liveProfiles returns the subset of profiles whose required engine (if
// any) is currently enabled.
func (m *Model) liveProfiles(enabled EngineEnabled) []models.TopicProfile {
	out := make([]models.TopicProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		if p.RequiresEngine != "" && enabled != nil && !enabled(p.RequiresEngine) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (m *Model) weightedPick(profiles []models.TopicProfile) string {
	var total float64
	for _, p := range profiles {
		total += p.Weight
	}
	if total <= 0 {
		return profiles[0].Category
	}
	u := m.rng.Float64() * total
	var cumulative float64
	for _, p := range profiles {
		cumulative += p.Weight
		if u <= cumulative {
			return p.Category
		}
	}
	return profiles[len(profiles)-1].Category
}

// Next implements next_topic(session_start_time) (spec §4.2).
func (m *Model) Next(now time.Time, enabled EngineEnabled) Draw {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollObsession(now, enabled)

	if m.obsession != nil && m.obsession.Live(now) {
		if m.rng.Float64() < m.pObsessionActive*m.obsession.Strength {
			return m.buildDraw(m.obsession.Category, true)
		}
	}

	candidates := m.liveProfiles(enabled)
	if len(candidates) == 0 {
		return Draw{}
	}
	cat := m.weightedPick(candidates)
	return m.buildDraw(cat, false)
}

func (m *Model) buildDraw(category string, fromObsession bool) Draw {
	hint := m.pickQuery(category)
	draw := Draw{Category: category, QueryHint: hint, FromObsession: fromObsession}
	if m.rng.Float64() < m.multiQueryProbability {
		n := 3 + int(m.rng.Int64N(6)) // 3-8 related queries
		draw.FollowUpQueries = m.relatedQueries(category, n)
	}
	return draw
}

func (m *Model) pickQuery(category string) string {
	words := m.wordlists[category]
	if len(words) == 0 {
		return strings.ReplaceAll(category, "_", " ")
	}
	idx := int(m.rng.Int64N(int64(len(words))))
	return words[idx]
}

func (m *Model) relatedQueries(category string, n int) []string {
	words := m.wordlists[category]
	if len(words) == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := int(m.rng.Int64N(int64(len(words))))
		out = append(out, words[idx])
	}
	return out
}
