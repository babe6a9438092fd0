package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_SpacesStartsGlobally(t *testing.T) {
	l := New(Config{Delay: 100 * time.Millisecond})
	ctx := context.Background()

	// First call should be immediate
	start := time.Now()
	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	// A different host still shares the global bucket.
	start = time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_ZeroDelayNeverBlocks(t *testing.T) {
	l := FromMicros(0)
	ctx := context.Background()

	start := time.Now()
	for range 50 {
		if err := l.Wait(ctx, "https://a.com/"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("zero delay limiter blocked for %v", time.Since(start))
	}
}

func TestLimiter_PerHostDelay(t *testing.T) {
	l := New(Config{PerHostDelay: time.Second})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}
	// Host B should not be blocked by A
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("domain B blocked unexpectedly")
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(Config{Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx, "https://a.com/"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "https://a.com/"); err == nil {
		t.Fatal("expected canceled context to abort the wait")
	}
}
