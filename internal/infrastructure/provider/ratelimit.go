package provider

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimitSnapshot holds whatever subset of the standard X-RateLimit-*
// headers the provider sent. Zero-valued fields were absent.
type RateLimitSnapshot struct {
	LimitRequests     int
	RemainingRequests int
	ResetRequests     string
	LimitTokens       int
	RemainingTokens   int
	ResetTokens       string
	RetryAfter        time.Duration
	HasRetryAfter     bool
	PercentRemaining  float64
	HasPercent        bool
}

// ParseRateLimit reads the standard headers plus a derived percent-remaining
// from the Copilot quota snapshot when present.
func ParseRateLimit(h http.Header) RateLimitSnapshot {
	var s RateLimitSnapshot
	s.LimitRequests = headerInt(h, "X-RateLimit-Limit-Requests")
	s.RemainingRequests = headerInt(h, "X-RateLimit-Remaining-Requests")
	s.ResetRequests = h.Get("X-RateLimit-Reset-Requests")
	s.LimitTokens = headerInt(h, "X-RateLimit-Limit-Tokens")
	s.RemainingTokens = headerInt(h, "X-RateLimit-Remaining-Tokens")
	s.ResetTokens = h.Get("X-RateLimit-Reset-Tokens")

	if ra := h.Get("Retry-After"); ra != "" {
		if n, err := strconv.Atoi(ra); err == nil && n >= 0 {
			s.RetryAfter = time.Duration(n) * time.Second
			s.HasRetryAfter = true
		}
	}

	if s.LimitRequests > 0 {
		s.PercentRemaining = 100 * float64(s.RemainingRequests) / float64(s.LimitRequests)
		s.HasPercent = true
	} else if snap, ok := ParseQuotaSnapshot(h); ok && !snap.Unlimited() {
		s.PercentRemaining = snap.PercentRemaining
		s.HasPercent = true
	}
	return s
}

func headerInt(h http.Header, name string) int {
	v := h.Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// delayForPercent maps percent-remaining to the minimum inter-request delay.
// The mapping is monotone: less headroom never means a shorter delay.
func delayForPercent(pct float64) time.Duration {
	switch {
	case pct > 50:
		return 1 * time.Second
	case pct >= 20:
		return 1500 * time.Millisecond
	case pct >= 10:
		return 2 * time.Second
	default:
		return 2500 * time.Millisecond
	}
}

// RateTracker paces outgoing requests. It keeps a minimum inter-request
// delay derived from the last rate-limit snapshot and a hard
// rate_limit_until deadline set by Retry-After.
type RateTracker struct {
	logger *zap.Logger

	mu             sync.Mutex
	minDelay       time.Duration
	lastRequest    time.Time
	rateLimitUntil time.Time
}

func NewRateTracker(logger *zap.Logger) *RateTracker {
	return &RateTracker{
		logger:   logger.With(zap.String("component", "rate_tracker")),
		minDelay: 1 * time.Second,
	}
}

// Observe ingests one response's headers.
func (r *RateTracker) Observe(h http.Header) {
	snap := ParseRateLimit(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.HasPercent {
		next := delayForPercent(snap.PercentRemaining)
		if next != r.minDelay {
			r.logger.Debug("Inter-request delay adjusted",
				zap.Float64("percent_remaining", snap.PercentRemaining),
				zap.Duration("delay", next),
			)
		}
		r.minDelay = next
	}

	if snap.HasRetryAfter {
		r.rateLimitUntil = time.Now().Add(snap.RetryAfter)
		r.logger.Warn("Rate limited by provider",
			zap.Duration("retry_after", snap.RetryAfter),
		)
	}
}

// SetRetryAfter sets the hard deadline directly, for 429 responses whose
// delay was extracted from the body rather than the header.
func (r *RateTracker) SetRetryAfter(d time.Duration) {
	r.mu.Lock()
	r.rateLimitUntil = time.Now().Add(d)
	r.mu.Unlock()
}

// MinDelay returns the current pacing floor.
func (r *RateTracker) MinDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay
}

// PendingWait returns how long the next request must wait, combining the
// pacing floor with any rate_limit_until deadline. Zero means go now.
func (r *RateTracker) PendingWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var wait time.Duration

	if !r.lastRequest.IsZero() {
		if since := now.Sub(r.lastRequest); since < r.minDelay {
			wait = r.minDelay - since
		}
	}
	if until := r.rateLimitUntil.Sub(now); until > wait {
		wait = until
	}
	return wait
}

// Wait blocks until the next request may go out, polling the interrupt
// function between short sleeps so a user interrupt cuts the wait short.
// Returns ctx.Err on cancellation and nil otherwise, including when
// interrupted.
func (r *RateTracker) Wait(ctx context.Context, interrupted func() bool) error {
	const pollStep = 100 * time.Millisecond

	for {
		wait := r.PendingWait()
		if wait <= 0 {
			break
		}
		if interrupted != nil && interrupted() {
			return nil
		}
		step := wait
		if step > pollStep {
			step = pollStep
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}

	r.mu.Lock()
	r.lastRequest = time.Now()
	r.mu.Unlock()
	return nil
}
