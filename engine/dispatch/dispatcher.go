// Package dispatch implements the per-engine capability contract and the
// anti-mode-collapse weighted selector of spec §4.6, grounded on the
// teacher's polymorphic strategy-selection shape (engine/strategies.go
// picks among interchangeable strategies by weighted rotation) adapted
// from asset-fetch strategies to traffic-generating engines.
package dispatch

import (
	"sync"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// Scratch is per-session mutable memory an engine needs across Markov
// states within one session (e.g. the current page's URL, how many
// follow-links have been taken), owned by SessionTaskSource rather than
// the shared Engine instance, since one Engine serves every session
// concurrently.
type Scratch struct {
	LastURL     string
	FollowCount int
	MaxFollows  int
	QueriesUsed int
}

// Engine is the common capability every traffic-generating engine
// implements (spec §4.6: produce_task / on_complete).
type Engine interface {
	Name() models.EngineName
	Spec() *models.EngineSpec
	// ProduceTask returns a concrete task for the given Markov state and
	// session context, or ok=false if this state produces no action for
	// this engine (e.g. most engines are silent outside land/follow_link).
	ProduceTask(state timing.State, draw topic.Draw, persona *models.Persona, source rng.Source, scratch *Scratch) (models.Task, bool)
	OnComplete(task models.Task, outcome models.Outcome, bytes int64)
}

// recentWindow bounds how many past selections feed the anti-mode-collapse
// recent_share term (spec §4.6: "weight × (1 − recent_share)").
const recentWindow = 40

// Dispatcher selects an engine at each session start, weighted to avoid
// over-favoring any single enabled engine (spec §4.6).
type Dispatcher struct {
	mu      sync.Mutex
	engines map[models.EngineName]Engine
	order   []models.EngineName
	recent  []models.EngineName
	rng     rng.Source
}

func New(engines []Engine, source rng.Source) *Dispatcher {
	d := &Dispatcher{engines: make(map[models.EngineName]Engine, len(engines)), rng: source}
	for _, e := range engines {
		d.engines[e.Name()] = e
		d.order = append(d.order, e.Name())
	}
	return d
}

func (d *Dispatcher) Engine(name models.EngineName) (Engine, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.engines[name]
	return e, ok
}

// All returns every registered engine, for the /engines endpoint.
func (d *Dispatcher) All() []Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Engine, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.engines[name])
	}
	return out
}

// Select draws one enabled engine weighted by weight × (1 − recent_share)
// (spec §4.6). hasFreeSlot gates engines that RequiresBrowser: without a
// free concurrency slot, only non-browser engines (dns) are eligible.
func (d *Dispatcher) Select(hasFreeSlot bool) (Engine, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	type candidate struct {
		engine Engine
		score  float64
	}
	var candidates []candidate
	var total float64

	shareOf := d.recentShareLocked()
	for _, name := range d.order {
		e := d.engines[name]
		spec := e.Spec()
		if !spec.Enabled() {
			continue
		}
		if spec.RequiresBrowser && !hasFreeSlot {
			continue
		}
		score := spec.Weight() * (1 - shareOf[name])
		if score <= 0 {
			score = 0.0001 // keep every enabled engine selectable, never fully starved
		}
		candidates = append(candidates, candidate{engine: e, score: score})
		total += score
	}
	if len(candidates) == 0 {
		return nil, false
	}

	u := d.rng.Float64() * total
	var cumulative float64
	for _, c := range candidates {
		cumulative += c.score
		if u <= cumulative {
			d.recordSelectionLocked(c.engine.Name())
			return c.engine, true
		}
	}
	last := candidates[len(candidates)-1].engine
	d.recordSelectionLocked(last.Name())
	return last, true
}

func (d *Dispatcher) recordSelectionLocked(name models.EngineName) {
	d.recent = append(d.recent, name)
	if len(d.recent) > recentWindow {
		d.recent = d.recent[len(d.recent)-recentWindow:]
	}
}

func (d *Dispatcher) recentShareLocked() map[models.EngineName]float64 {
	shares := make(map[models.EngineName]float64, len(d.order))
	if len(d.recent) == 0 {
		return shares
	}
	counts := make(map[models.EngineName]int)
	for _, n := range d.recent {
		counts[n]++
	}
	for name, c := range counts {
		shares[name] = float64(c) / float64(len(d.recent))
	}
	return shares
}

// SessionTaskSource adapts one Engine plus a fixed per-session topic draw
// into the session.TaskSource contract (session/manager.go), without
// dispatch importing the session package — the method set alone satisfies
// it structurally.
type SessionTaskSource struct {
	Eng     Engine
	Draw    topic.Draw
	RNG     rng.Source
	scratch Scratch
}

func NewSessionTaskSource(eng Engine, draw topic.Draw, source rng.Source, maxFollows int) *SessionTaskSource {
	return &SessionTaskSource{Eng: eng, Draw: draw, RNG: source, scratch: Scratch{MaxFollows: maxFollows}}
}

func (s *SessionTaskSource) ProduceTask(state timing.State, sess *models.Session) (models.Task, bool) {
	return s.Eng.ProduceTask(state, s.Draw, sess.Persona, s.RNG, &s.scratch)
}

func (s *SessionTaskSource) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	s.Eng.OnComplete(task, outcome, bytes)
}
