package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter bounds calls to one dependent system using the generic cell
// rate algorithm: a single theoretical-arrival-time cursor replaces token
// and window counters. The cursor advances one interval per admitted call
// and may run at most the burst allowance ahead of the clock.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration // spacing between calls at the sustained rate
	burst    time.Duration // how far ahead of the clock the cursor may run
	tat      time.Time     // theoretical arrival time of the next call
	drops    metric.Int64Counter
}

// NewRateLimiter builds a limiter sustaining rate calls per second with
// room for burst back-to-back calls.
func NewRateLimiter(rate float64, burst int64) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	interval := time.Duration(float64(time.Second) / rate)
	drops, _ := otel.Meter("workflowengine").Int64Counter("workflowengine_ratelimiter_drops_total")
	return &RateLimiter{
		interval: interval,
		burst:    time.Duration(burst-1) * interval,
		drops:    drops,
	}
}

// Allow reports whether one call may proceed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN admits n calls together when the first of them would be admitted,
// advancing the cursor n intervals.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	tat := r.tat
	if tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > r.burst {
		r.drops.Add(context.Background(), 1)
		return false
	}
	r.tat = tat.Add(time.Duration(n) * r.interval)
	return true
}

// ReserveAfter returns how long until n calls could be admitted. Zero means
// they would be admitted now.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	tat := r.tat
	if tat.Before(now) {
		tat = now
	}
	wait := tat.Sub(now) - r.burst
	if n > 1 {
		wait += time.Duration(n-1) * r.interval
	}
	if wait < 0 {
		return 0
	}
	return wait
}
