// Package timing implements the inhomogeneous Poisson arrival process that
// drives session starts and any auxiliary event streams (spec §4.1), via
// thinning: draw from a dominating homogeneous process at λ_max and accept
// candidates with probability λ(t)/λ_max. Grounded on the teacher's
// ratelimit.Clock abstraction (engine/bandwidth/clock.go, descended from
// engine/internal/ratelimit/limiter.go's Clock) for deterministic tests.
package timing

import (
	"context"
	"math"
	"time"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/internal/rng"
)

// Clock abstracts wall-clock access and sleeping so tests can run the
// kernel against a fake clock without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// LambdaFunc returns the instantaneous event rate (events/sec) at t.
type LambdaFunc func(t time.Time) float64

// LambdaMaxFunc returns an upper bound on LambdaFunc over [from, from+horizon].
type LambdaMaxFunc func(from time.Time, horizon time.Duration) float64

// GateFunc reports whether events may currently fire (spec §4.7 schedule
// gate, spec §4.1 "λ(t) would go to 0").
type GateFunc func() bool

const minHorizon = 15 * time.Minute

// Kernel produces the monotonic sequence of candidate firing times for one
// logical stream (spec §3 Event.tag, e.g. "session_start" or "dns_tick").
type Kernel struct {
	Tag       string
	Lambda    LambdaFunc
	LambdaMax LambdaMaxFunc
	Horizon   time.Duration
	Clock     Clock
	RNG       rng.Source
	Gate      GateFunc

	// GateWaitCh is closed or re-created by the orchestrator whenever the
	// gate state might have changed, so the kernel does not busy-poll while
	// suspended. A nil channel falls back to a short fixed poll interval.
	GateWaitCh func() <-chan struct{}
}

func New(tag string, lambda LambdaFunc, lambdaMax LambdaMaxFunc, horizon time.Duration, clock Clock, source rng.Source, gate GateFunc) *Kernel {
	if horizon < minHorizon {
		horizon = minHorizon
	}
	return &Kernel{
		Tag:       tag,
		Lambda:    lambda,
		LambdaMax: lambdaMax,
		Horizon:   horizon,
		Clock:     clock,
		RNG:       source,
		Gate:      gate,
	}
}

// Next blocks only while the gate is closed or while λ_max is currently
// zero; the thinning loop itself advances a virtual clock, not wall time,
// so it returns promptly with a future FireAt for the caller to wait on
// (spec §4.1: "yield the accepted time; repeat").
func (k *Kernel) Next(ctx context.Context) (models.Event, error) {
	t := k.Clock.Now()
	for {
		if k.Gate != nil && !k.Gate() {
			if err := k.waitForGate(ctx); err != nil {
				return models.Event{}, err
			}
			t = k.Clock.Now()
			continue
		}

		lambdaMax := k.LambdaMax(t, k.Horizon)
		if lambdaMax <= 0 {
			// No arrivals possible over the lookahead window; re-evaluate
			// after the horizon elapses rather than spinning.
			if err := k.sleepCtx(ctx, k.Horizon); err != nil {
				return models.Event{}, err
			}
			t = k.Clock.Now()
			continue
		}

		u := k.RNG.Float64()
		if u <= 0 {
			u = math.SmallestNonzeroFloat64
		}
		deltaSeconds := -math.Log(u) / lambdaMax
		candidate := t.Add(time.Duration(deltaSeconds * float64(time.Second)))
		t = candidate

		lambdaAt := k.Lambda(candidate)
		if lambdaAt > lambdaMax {
			lambdaAt = lambdaMax // guard against a stale max estimate
		}
		if k.RNG.Float64() <= lambdaAt/lambdaMax {
			return models.Event{Tag: k.Tag, FireAt: candidate, LambdaAt: lambdaAt}, nil
		}
	}
}

func (k *Kernel) waitForGate(ctx context.Context) error {
	if k.GateWaitCh == nil {
		return k.sleepCtx(ctx, time.Second)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-k.GateWaitCh():
		return nil
	}
}

func (k *Kernel) sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitUntil blocks until fireAt or ctx cancellation, whichever comes
// first, returning nil when fireAt is reached and ctx.Err() otherwise. It
// does not watch the gate-change signal; a gate change during the wait is
// only seen when the caller checks the gate after WaitUntil returns.
func WaitUntil(ctx context.Context, clock Clock, fireAt time.Time) error {
	d := fireAt.Sub(clock.Now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
