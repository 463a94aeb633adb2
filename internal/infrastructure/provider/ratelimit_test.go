package provider

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestDelayForPercentIsMonotone(t *testing.T) {
	tests := []struct {
		pct  float64
		want time.Duration
	}{
		{100, 1 * time.Second},
		{51, 1 * time.Second},
		{50, 1500 * time.Millisecond},
		{20, 1500 * time.Millisecond},
		{19.9, 2 * time.Second},
		{10, 2 * time.Second},
		{9.9, 2500 * time.Millisecond},
		{0, 2500 * time.Millisecond},
	}
	prev := time.Duration(0)
	for i := len(tests) - 1; i >= 0; i-- {
		got := delayForPercent(tests[i].pct)
		if got != tests[i].want {
			t.Errorf("delayForPercent(%v) = %v, want %v", tests[i].pct, got, tests[i].want)
		}
		// Walking from 0% upward, the delay must never increase.
		if prev != 0 && got > prev {
			t.Errorf("delay not monotone at %v%%", tests[i].pct)
		}
		prev = got
	}
}

func TestObserveAdjustsDelayFromStandardHeaders(t *testing.T) {
	tracker := NewRateTracker(testLogger(t))

	h := http.Header{}
	h.Set("X-RateLimit-Limit-Requests", "100")
	h.Set("X-RateLimit-Remaining-Requests", "5")
	tracker.Observe(h)

	if got := tracker.MinDelay(); got != 2500*time.Millisecond {
		t.Errorf("MinDelay = %v, want 2.5s at 5%% remaining", got)
	}
}

func TestObserveDerivesPercentFromQuotaHeader(t *testing.T) {
	tracker := NewRateTracker(testLogger(t))

	h := http.Header{}
	h.Set("x-quota-snapshot-premium_models", "ent=300&rem=15")
	tracker.Observe(h)

	if got := tracker.MinDelay(); got != 2*time.Second {
		t.Errorf("MinDelay = %v, want 2s at 15%% remaining", got)
	}
}

func TestRetryAfterSetsDeadline(t *testing.T) {
	tracker := NewRateTracker(testLogger(t))

	h := http.Header{}
	h.Set("Retry-After", "2")
	tracker.Observe(h)

	if wait := tracker.PendingWait(); wait < 1500*time.Millisecond || wait > 2*time.Second {
		t.Errorf("PendingWait = %v, want ~2s", wait)
	}
}

func TestWaitInterruptible(t *testing.T) {
	tracker := NewRateTracker(testLogger(t))
	tracker.SetRetryAfter(10 * time.Second)

	start := time.Now()
	err := tracker.Wait(context.Background(), func() bool { return true })
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("interrupted wait took %v, should return promptly", elapsed)
	}
}

func TestWaitHonorsContextCancel(t *testing.T) {
	tracker := NewRateTracker(testLogger(t))
	tracker.SetRetryAfter(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := tracker.Wait(ctx, nil); err == nil {
		t.Error("expected context error")
	}
}
