// Package bandwidth implements the rolling-window byte-budget admission
// controller of spec §4.4, grounded on the teacher's adaptive per-domain
// rate limiter (engine/internal/ratelimit): the sliding-window bucket
// structure is reused directly for byte sums instead of request counts,
// while the AIMD token-bucket and circuit breaker — tuned for per-request
// HTTP success/failure feedback that a byte-budget gate never receives —
// are not part of this package (see DESIGN.md; the circuit breaker is
// repurposed for the tor SOCKS health probe instead, where a genuine
// success/failure signal exists).
package bandwidth

import (
	"sync"
	"time"

	"github.com/quietwire/poisson/engine/models"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	Reason   string // non-empty only when Admitted is false
}

const ewmaLambda = 0.3

// Governor holds the rolling byte ledger and per-engine EWMA byte
// estimators. It never blocks (spec §5): Admit only accepts or rejects.
type Governor struct {
	mu       sync.Mutex
	window   *slidingWindow
	capBytes int64
	clock    Clock

	estimates map[models.EngineName]float64
}

// New constructs a governor with the given rolling window duration and
// byte cap.
func New(windowDur time.Duration, capBytes int64, clock Clock) *Governor {
	if windowDur <= 0 {
		windowDur = time.Hour
	}
	bucketDur := windowDur / 120
	if bucketDur <= 0 {
		bucketDur = time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Governor{
		window:    newSlidingWindow(windowDur, bucketDur),
		capBytes:  capBytes,
		clock:     clock,
		estimates: make(map[models.EngineName]float64),
	}
}

// SetCap updates the byte cap live (control-plane intensity/config change).
func (g *Governor) SetCap(capBytes int64) {
	g.mu.Lock()
	g.capBytes = capBytes
	g.mu.Unlock()
}

// EstimatedBytes returns the live EWMA estimate for an engine, falling
// back to the coarse constant seed if no estimate yet exists; that seed
// then becomes the EWMA's starting value.
func (g *Governor) EstimatedBytes(engine models.EngineName, seed int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.estimates[engine]; ok {
		return int64(v)
	}
	g.estimates[engine] = float64(seed)
	return seed
}

// Admit decides whether a candidate task of estimatedBytes may proceed
// (spec §4.4): used = Σ bytes within the rolling window; reject if
// used + estimated > cap.
func (g *Governor) Admit(engine models.EngineName, estimatedBytes int64) Decision {
	now := g.clock.Now()
	used := g.window.sum(now)
	g.mu.Lock()
	cap := g.capBytes
	g.mu.Unlock()

	if cap > 0 && used+estimatedBytes > cap {
		return Decision{Admitted: false, Reason: "bandwidth_cap_exceeded"}
	}
	return Decision{Admitted: true}
}

// RecordActual records bytes actually consumed by a completed task and
// updates that engine's EWMA byte estimate (spec §4.4: "adjusted by an
// EWMA of actual observed bytes per engine", SPEC_FULL supplement).
func (g *Governor) RecordActual(engine models.EngineName, bytes int64) {
	now := g.clock.Now()
	g.window.record(now, bytes)

	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.estimates[engine]
	if !ok {
		g.estimates[engine] = float64(bytes)
		return
	}
	g.estimates[engine] = (1-ewmaLambda)*prev + ewmaLambda*float64(bytes)
}

// Used returns the current rolling-window byte total, for /stats.
func (g *Governor) Used() int64 {
	return g.window.sum(g.clock.Now())
}
