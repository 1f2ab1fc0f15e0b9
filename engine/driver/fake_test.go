package driver

import (
	"context"
	"testing"
	"time"

	"github.com/quietwire/poisson/internal/rng"
)

func TestFake_FailsEveryNthCall(t *testing.T) {
	f := NewFake(1000, 3, rng.NewStreams(1).Sub("fake"))
	ctx := context.Background()
	var failures int
	for i := 1; i <= 9; i++ {
		r := f.Open(ctx, "https://example.test/", nil, time.Second)
		if !r.OK {
			failures++
			if i%3 != 0 {
				t.Fatalf("call %d failed unexpectedly", i)
			}
		} else if i%3 == 0 {
			t.Fatalf("call %d should have failed (every 3rd call)", i)
		}
	}
	if failures != 3 {
		t.Fatalf("expected 3 failures across 9 calls, got %d", failures)
	}
}

func TestFake_OpenReturnsRequestedURL(t *testing.T) {
	f := NewFake(500, 0, nil)
	r := f.Open(context.Background(), "https://example.test/page", nil, time.Second)
	if !r.OK || r.FinalURL != "https://example.test/page" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestFake_CloseMarksClosed(t *testing.T) {
	f := NewFake(100, 0, nil)
	if f.Closed() {
		t.Fatalf("expected not closed initially")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Closed() {
		t.Fatalf("expected closed after Close")
	}
}

func TestFake_RespectsCanceledContext(t *testing.T) {
	f := NewFake(100, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := f.Follow(ctx, 0, time.Second)
	if r.OK {
		t.Fatalf("expected failure on an already-canceled context")
	}
}
