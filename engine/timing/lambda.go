package timing

import (
	"math"
	"time"

	"github.com/quietwire/poisson/internal/rng"
)

// DiurnalCurve returns a multiplier for time-of-day: quiet but nonzero
// 01:00-06:00, ramp 06:00-09:00, peak 09:00-22:00, taper 22:00-01:00
// (spec §3 IntensityProfile). Expressed as a handful of linear segments
// over the hour-of-day in the given location.
func DiurnalCurve(loc *time.Location) func(t time.Time) float64 {
	if loc == nil {
		loc = time.Local
	}
	return func(t time.Time) float64 {
		lt := t.In(loc)
		hour := float64(lt.Hour()) + float64(lt.Minute())/60
		switch {
		case hour >= 1 && hour < 6:
			return 0.15
		case hour >= 6 && hour < 9:
			// ramp 0.15 -> 1.0
			return 0.15 + (hour-6)/3*(1.0-0.15)
		case hour >= 9 && hour < 22:
			return 1.0
		case hour >= 22 || hour < 1:
			// taper 1.0 -> 0.15, wrapping midnight
			h := hour
			if h < 1 {
				h += 24
			}
			return 1.0 - (h-22)/3*(1.0-0.15)
		default:
			return 1.0
		}
	}
}

// WeeklyDrift returns a slowly rotating phase multiplier keyed on the ISO
// week number so the same diurnal shape doesn't repeat exactly week over
// week (spec §3). Bounded to [0.85, 1.15].
func WeeklyDrift(t time.Time) float64 {
	_, week := t.ISOWeek()
	phase := float64(week%52) / 52 * 2 * math.Pi
	return 1 + 0.15*math.Sin(phase)
}

// Jitter draws small multiplicative noise, bounded to [0.85, 1.15], from
// the supplied substream so it is deterministic under test seeds.
func Jitter(t time.Time, source rng.Source) float64 {
	return 0.85 + source.Float64()*0.30
}

// IntensityState is the live, control-plane-adjustable input to Lambda.
type IntensityState struct {
	lambdaBase func() float64
	loc        *time.Location
	jitterRNG  rng.Source
}

func NewIntensityState(lambdaBase func() float64, loc *time.Location, jitterRNG rng.Source) *IntensityState {
	return &IntensityState{lambdaBase: lambdaBase, loc: loc, jitterRNG: jitterRNG}
}

// Lambda computes λ(t) in events/sec: λ_base (events/hour) · diurnal(t) ·
// drift(week) · jitter, converted to a per-second rate.
func (s *IntensityState) Lambda(t time.Time) float64 {
	perHour := s.lambdaBase() * DiurnalCurve(s.loc)(t) * WeeklyDrift(t) * Jitter(t, s.jitterRNG)
	if perHour < 0 {
		perHour = 0
	}
	return perHour / 3600
}

// LambdaMax bounds Lambda over the lookahead horizon. Diurnal and drift are
// smooth and slow-moving relative to typical 15-60 minute horizons, so
// sampling at a coarse step and padding for jitter's bounded range is
// sufficient without re-deriving calculus bounds for the curve.
func (s *IntensityState) LambdaMax(from time.Time, horizon time.Duration) float64 {
	const step = 5 * time.Minute
	max := 0.0
	for d := time.Duration(0); d <= horizon; d += step {
		perHour := s.lambdaBase() * DiurnalCurve(s.loc)(from.Add(d)) * WeeklyDrift(from.Add(d))
		if perHour > max {
			max = perHour
		}
	}
	// jitter's upper bound is a fixed 1.15x; pad for it explicitly rather
	// than sampling, since Jitter is stochastic per call.
	return max * 1.15 / 3600
}
