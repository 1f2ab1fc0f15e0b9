package timing

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/quietwire/poisson/internal/rng"
)

// State is one stage of intra-session browsing behavior (spec §4.1).
type State string

const (
	StateLand         State = "land"
	StateSkim         State = "skim"
	StateRead         State = "read"
	StateFollowLink   State = "follow_link"
	StateSearchRefine State = "search_refine"
	StateAdGlance     State = "ad_glance"
	StateIdle         State = "idle"
	StateLeave        State = "leave" // absorbing
)

// LogNormalParams parametrize a dwell-time draw by (approximate) median and
// a fixed shape; spec §4.1 gives dwell medians per state (e.g. read: 40s,
// skim: 8s).
type LogNormalParams struct {
	MedianSeconds float64
	Sigma         float64
}

// defaultDwell mirrors spec §4.1's named examples and fills in the
// remaining states with comparable, narrative-consistent medians.
var defaultDwell = map[State]LogNormalParams{
	StateLand:         {MedianSeconds: 4, Sigma: 0.5},
	StateSkim:         {MedianSeconds: 8, Sigma: 0.6},
	StateRead:         {MedianSeconds: 40, Sigma: 0.7},
	StateFollowLink:   {MedianSeconds: 3, Sigma: 0.4},
	StateSearchRefine: {MedianSeconds: 6, Sigma: 0.5},
	StateAdGlance:     {MedianSeconds: 2, Sigma: 0.4},
	StateIdle:         {MedianSeconds: 15, Sigma: 0.8},
	StateLeave:        {MedianSeconds: 0, Sigma: 0},
}

// defaultTransitions is the default Markov transition matrix; each row
// sums to 1 and `leave` is absorbing (spec §4.1).
var defaultTransitions = map[State]map[State]float64{
	StateLand:         {StateSkim: 0.55, StateRead: 0.20, StateSearchRefine: 0.10, StateLeave: 0.15},
	StateSkim:         {StateRead: 0.35, StateFollowLink: 0.25, StateAdGlance: 0.05, StateIdle: 0.05, StateLeave: 0.30},
	StateRead:         {StateFollowLink: 0.25, StateSkim: 0.15, StateSearchRefine: 0.10, StateIdle: 0.10, StateLeave: 0.40},
	StateFollowLink:   {StateSkim: 0.40, StateRead: 0.30, StateAdGlance: 0.05, StateLeave: 0.25},
	StateSearchRefine: {StateSkim: 0.45, StateRead: 0.20, StateLeave: 0.35},
	StateAdGlance:     {StateSkim: 0.40, StateLeave: 0.60},
	StateIdle:         {StateSkim: 0.30, StateRead: 0.20, StateLeave: 0.50},
	StateLeave:        {StateLeave: 1.0},
}

// Chain drives one session's intra-session state transitions and dwell
// sampling (spec §4.1). Transition rows and dwell params may be overridden
// (e.g. by engine-specific flavors); defaults above are used otherwise.
type Chain struct {
	transitions map[State]map[State]float64
	dwell       map[State]LogNormalParams
	rng         rng.Source
}

func NewChain(source rng.Source) *Chain {
	return &Chain{transitions: defaultTransitions, dwell: defaultDwell, rng: source}
}

// WithTransitions returns a copy of the chain using a custom transition
// matrix (each row must sum to ~1); used by engines whose page shape
// differs, e.g. search's higher follow-link probability.
func (c *Chain) WithTransitions(t map[State]map[State]float64) *Chain {
	return &Chain{transitions: t, dwell: c.dwell, rng: c.rng}
}

// Next samples the next state given the current one.
func (c *Chain) Next(current State) State {
	row, ok := c.transitions[current]
	if !ok || current == StateLeave {
		return StateLeave
	}
	u := c.rng.Float64()
	var cumulative float64
	var last State = StateLeave
	for _, s := range orderedStates {
		p, ok := row[s]
		if !ok {
			continue
		}
		cumulative += p
		last = s
		if u <= cumulative {
			return s
		}
	}
	return last
}

// orderedStates fixes iteration order over the transition row so sampling
// is deterministic for a given RNG draw (map iteration order is not).
var orderedStates = []State{
	StateLand, StateSkim, StateRead, StateFollowLink, StateSearchRefine,
	StateAdGlance, StateIdle, StateLeave,
}

// Dwell samples a log-normal dwell duration (in seconds, as a float) for
// the given state using ln-space Box-Muller: ln(dwell) ~ Normal(ln(median), sigma).
func (c *Chain) Dwell(state State) float64 {
	p, ok := c.dwell[state]
	if !ok || p.MedianSeconds <= 0 {
		return 0
	}
	return logNormalSample(c.rng, p.MedianSeconds, p.Sigma)
}

func (c *Chain) normal() float64 {
	return standardNormal(c.rng)
}

// standardNormal draws one sample from the standard normal distribution via
// ln-space Box-Muller (cosine branch).
func standardNormal(source rng.Source) float64 {
	u1 := source.Float64()
	u2 := source.Float64()
	if u1 <= 0 {
		u1 = 1e-12
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// logNormalSample draws ln(x) ~ Normal(ln(median), sigma) and returns x.
// Shared by Chain.Dwell and LogNormalDuration so every log-normal draw in
// the timing package goes through the same Box-Muller code path.
func logNormalSample(source rng.Source, median, sigma float64) float64 {
	if median <= 0 {
		return 0
	}
	z := standardNormal(source)
	return math.Exp(math.Log(median) + sigma*z)
}

// LogNormalDuration draws a log-normal duration with the given median and
// sigma, clamped to [min, max]. Used for spans the spec gives as a wide
// approximate range rather than a per-state dwell (e.g. planned session
// duration: "30s to ~2h, log-normal").
func LogNormalDuration(source rng.Source, median time.Duration, sigma float64, min, max time.Duration) time.Duration {
	seconds := logNormalSample(source, median.Seconds(), sigma)
	d := time.Duration(seconds * float64(time.Second))
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// SeedFromPersonaTopic derives a deterministic per-session seed so the same
// (persona, topic) pair replays identically under a fixed root seed,
// satisfying spec §4.1's reproducibility requirement for tests.
func SeedFromPersonaTopic(personaName, topic string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(personaName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(topic))
	return h.Sum64()
}
