// Package activity holds the bounded, append-only record of recent network
// actions the control plane surfaces on GET /activity and /activity/chart
// (spec §3, §4.8).
package activity

import (
	"sync"
	"time"

	"github.com/quietwire/poisson/engine/models"
)

// defaultCapacity is the ring's minimum size (spec §3: "capacity >= 200").
const defaultCapacity = 200

// Ring is a fixed-capacity FIFO of ActivityEntry, overwriting the oldest
// entry once full. Writes are serialized by a single mutex (spec §5:
// "Activity ring writes are serialized"), grounded on the teacher's
// single-owner-mediates-writes discipline in
// engine/internal/resources.Manager (one mutex guards the LRU cache and
// its backing map together).
type Ring struct {
	mu       sync.Mutex
	entries  []models.ActivityEntry
	capacity int
	next     int // write cursor
	size     int // number of valid entries, <= capacity
}

func New(capacity int) *Ring {
	if capacity < defaultCapacity {
		capacity = defaultCapacity
	}
	return &Ring{entries: make([]models.ActivityEntry, capacity), capacity: capacity}
}

// Record appends one entry, evicting the oldest if the ring is full.
func (r *Ring) Record(entry models.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Snapshot returns the last n entries (or all if n <= 0 or n > size),
// oldest first.
func (r *Ring) Snapshot(n int) []models.ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]models.ActivityEntry, n)
	// oldest valid index is r.next when full, or 0 when not yet wrapped.
	start := 0
	if r.size == r.capacity {
		start = r.next
	}
	for i := 0; i < n; i++ {
		idx := (start + r.size - n + i) % r.capacity
		out[i] = r.entries[idx]
	}
	return out
}

// Len reports how many valid entries are currently stored.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// ChartBucket is one time-bucketed aggregate for GET /activity/chart
// (spec §4.8: a coarse time series of byte throughput per engine).
type ChartBucket struct {
	BucketStart time.Time
	Bytes       map[models.EngineName]int64
	Count       int
}

// Chart buckets the ring's current contents into fixed-width windows
// ending at `now`, oldest first.
func (r *Ring) Chart(now time.Time, bucketWidth time.Duration, buckets int) []ChartBucket {
	if bucketWidth <= 0 {
		bucketWidth = time.Minute
	}
	if buckets <= 0 {
		buckets = 60
	}
	out := make([]ChartBucket, buckets)
	start := now.Add(-time.Duration(buckets) * bucketWidth)
	for i := range out {
		out[i] = ChartBucket{BucketStart: start.Add(time.Duration(i) * bucketWidth), Bytes: map[models.EngineName]int64{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.size; i++ {
		idx := i
		if r.size == r.capacity {
			idx = (r.next + i) % r.capacity
		}
		e := r.entries[idx]
		if e.Timestamp.Before(start) || e.Timestamp.After(now) {
			continue
		}
		offset := int(e.Timestamp.Sub(start) / bucketWidth)
		if offset < 0 || offset >= buckets {
			continue
		}
		out[offset].Bytes[e.Engine] += e.Bytes
		out[offset].Count++
	}
	return out
}
