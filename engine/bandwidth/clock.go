package bandwidth

import "time"

// Clock abstracts time so the governor's rolling window can be tested
// without real sleeps, mirroring the teacher's ratelimit.Clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
