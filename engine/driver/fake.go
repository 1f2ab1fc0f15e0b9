package driver

import (
	"context"
	"time"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/internal/rng"
)

// Fake is a deterministic PageDriver for tests: every call returns
// immediately, with no simulated delay, reporting BytesPerCall bytes
// (jittered by up to ±10% when built with a Source), optionally failing
// every Nth call (spec §8 scenario S4: "page driver fails every third
// call").
type Fake struct {
	BytesPerCall int64
	FailEveryN   int // 0 disables failure injection
	Links        []string

	calls  int
	closed bool
	rngSrc rng.Source
}

func NewFake(bytesPerCall int64, failEveryN int, source rng.Source) *Fake {
	return &Fake{BytesPerCall: bytesPerCall, FailEveryN: failEveryN, rngSrc: source}
}

func (f *Fake) next(ctx context.Context) Result {
	f.calls++
	if f.FailEveryN > 0 && f.calls%f.FailEveryN == 0 {
		return Result{OK: false, Err: errTimeout}
	}
	select {
	case <-ctx.Done():
		return Result{OK: false, Err: ctx.Err()}
	default:
	}
	bytes := f.BytesPerCall
	if f.rngSrc != nil {
		bytes += int64(f.rngSrc.Float64()*0.2*float64(f.BytesPerCall)) - int64(0.1*float64(f.BytesPerCall))
	}
	return Result{BytesRead: bytes, OK: true, Links: f.Links}
}

func (f *Fake) Open(ctx context.Context, url string, persona *models.Persona, timeout time.Duration) Result {
	r := f.next(ctx)
	r.FinalURL = url
	return r
}

func (f *Fake) Follow(ctx context.Context, linkIndex int, timeout time.Duration) Result {
	return f.next(ctx)
}

func (f *Fake) ClickAd(ctx context.Context, timeout time.Duration) Result {
	return f.next(ctx)
}

func (f *Fake) Close() error {
	f.closed = true
	return nil
}

func (f *Fake) Closed() bool { return f.closed }

var errTimeout = fakeTimeoutError{}

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string { return "fake driver: simulated timeout" }
