package activity

import (
	"testing"
	"time"

	"github.com/quietwire/poisson/engine/models"
)

func entryAt(t time.Time, engine models.EngineName, bytes int64) models.ActivityEntry {
	return models.ActivityEntry{Timestamp: t, Engine: engine, Bytes: bytes, Outcome: models.OutcomeOK}
}

func TestRing_EnforcesMinimumCapacity(t *testing.T) {
	r := New(10)
	if r.capacity != defaultCapacity {
		t.Fatalf("expected capacity floor of %d, got %d", defaultCapacity, r.capacity)
	}
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	capacity := defaultCapacity
	r := New(capacity)
	base := time.Now()
	for i := 0; i < capacity+2; i++ {
		r.Record(entryAt(base.Add(time.Duration(i)*time.Second), models.EngineBrowse, int64(i)))
	}
	if r.Len() != capacity {
		t.Fatalf("expected len capped at capacity %d, got %d", capacity, r.Len())
	}
	snap := r.Snapshot(0)
	if len(snap) != capacity {
		t.Fatalf("expected %d entries in snapshot, got %d", capacity, len(snap))
	}
	// entries 0,1 should have been evicted; the oldest remaining are bytes 2,3,4.
	for i, want := range []int64{2, 3, 4} {
		if snap[i].Bytes != want {
			t.Fatalf("snapshot[%d]=%d, want %d (snapshot=%+v)", i, snap[i].Bytes, want, snap)
		}
	}
}

func TestRing_SnapshotOrderBeforeWraparound(t *testing.T) {
	r := New(defaultCapacity)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Record(entryAt(base.Add(time.Duration(i)*time.Second), models.EngineBrowse, int64(i)))
	}
	snap := r.Snapshot(0)
	if len(snap) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(snap))
	}
	for i, want := range []int64{0, 1, 2, 3, 4} {
		if snap[i].Bytes != want {
			t.Fatalf("snapshot[%d]=%d, want %d", i, snap[i].Bytes, want)
		}
	}
}

func TestRing_SnapshotLimitsToN(t *testing.T) {
	r := New(defaultCapacity)
	base := time.Now()
	for i := 0; i < 10; i++ {
		r.Record(entryAt(base.Add(time.Duration(i)*time.Second), models.EngineBrowse, int64(i)))
	}
	snap := r.Snapshot(3)
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i, want := range []int64{7, 8, 9} {
		if snap[i].Bytes != want {
			t.Fatalf("snapshot[%d]=%d, want %d", i, snap[i].Bytes, want)
		}
	}
}

func TestRing_ChartBucketsByEngine(t *testing.T) {
	r := New(defaultCapacity)
	now := time.Now().Truncate(time.Minute)
	r.Record(entryAt(now.Add(-90*time.Second), models.EngineBrowse, 100))
	r.Record(entryAt(now.Add(-30*time.Second), models.EngineSearch, 200))
	r.Record(entryAt(now.Add(-30*time.Second), models.EngineBrowse, 50))

	buckets := r.Chart(now, time.Minute, 2)
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Bytes[models.EngineBrowse] != 100 {
		t.Fatalf("expected 100 bytes in first bucket for browse, got %+v", buckets[0])
	}
	if buckets[1].Bytes[models.EngineSearch] != 200 || buckets[1].Bytes[models.EngineBrowse] != 50 {
		t.Fatalf("unexpected second bucket: %+v", buckets[1])
	}
}
