package bandwidth

import (
	"sync"
	"time"
)

// slidingWindow sums bytes consumed over a rolling window using coarse
// time buckets, adapted from the teacher's per-domain request-count
// sliding window (engine/internal/ratelimit, originally total/errors per
// bucket) to a byte sum per bucket.
type slidingWindow struct {
	mu         sync.Mutex
	window     time.Duration
	bucketSize time.Duration
	buckets    map[int64]int64
}

func newSlidingWindow(window, bucket time.Duration) *slidingWindow {
	if bucket <= 0 {
		bucket = time.Second
	}
	if window < bucket {
		window = bucket
	}
	return &slidingWindow{
		window:     window,
		bucketSize: bucket,
		buckets:    make(map[int64]int64),
	}
}

func (sw *slidingWindow) record(now time.Time, bytes int64) {
	if bytes == 0 {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	key := now.Truncate(sw.bucketSize).UnixNano()
	sw.buckets[key] += bytes
	sw.evictLocked(now)
}

// sum returns the total bytes recorded within the window ending at now.
func (sw *slidingWindow) sum(now time.Time) int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.evictLocked(now)

	var total int64
	cutoff := now.Add(-sw.window)
	for key, bytes := range sw.buckets {
		if time.Unix(0, key).Before(cutoff) {
			continue
		}
		total += bytes
	}
	return total
}

func (sw *slidingWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	for key := range sw.buckets {
		if time.Unix(0, key).Before(cutoff) {
			delete(sw.buckets, key)
		}
	}
}
