// Package backoff computes retry-eligibility deadlines for failed steps:
// exponential backoff with deterministic jitter, or a server-directed
// override when the handler supplied one.
package backoff

import (
	"hash/fnv"
	"time"
)

// Policy holds the tunable backoff parameters.
type Policy struct {
	Base                time.Duration
	Multiplier          float64
	Cap                 time.Duration
	JitterEnabled       bool
	JitterMaxPercentage float64 // e.g. 0.10 for ±10%
}

// DefaultPolicy returns the built-in defaults: base=1s, multiplier=2,
// cap=30s, jitter up to ±10%.
func DefaultPolicy() Policy {
	return Policy{
		Base:                time.Second,
		Multiplier:          2,
		Cap:                 30 * time.Second,
		JitterEnabled:       true,
		JitterMaxPercentage: 0.10,
	}
}

// Compute returns exp_backoff(attempts) = min(base * multiplier^attempts,
// cap), before jitter.
func (p Policy) Compute(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempts; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	result := time.Duration(d)
	if result > p.Cap {
		return p.Cap
	}
	return result
}

// Jittered applies Policy's deterministic jitter to delay, keyed by
// (taskID, stepID) so repeated calls with the same identity and the same
// delay produce the same result.
func (p Policy) Jittered(taskID, stepID string, delay time.Duration) time.Duration {
	if !p.JitterEnabled || p.JitterMaxPercentage <= 0 || delay <= 0 {
		return delay
	}
	frac := signedUnitFraction(taskID, stepID) * p.JitterMaxPercentage
	offset := time.Duration(float64(delay) * frac)
	result := delay + offset
	if result < 0 {
		return 0
	}
	return result
}

// signedUnitFraction deterministically maps (taskID, stepID) to a value in
// [-1, 1) using an FNV-1a hash of the concatenated identity.
func signedUnitFraction(taskID, stepID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(stepID))
	sum := h.Sum32()
	// Map the 32-bit hash into [-1, 1).
	return (float64(sum)/float64(1<<32))*2 - 1
}

// Deadline computes the instant at or after which a failed step becomes
// retry-eligible. When override is non-nil (backoff_request_seconds was set
// by the handler), the deadline is lastAttemptedAt+override and is never
// jittered: a server-directed delay is exact. Otherwise it is
// lastFailureAt + jittered exponential backoff for the given attempt count.
func (p Policy) Deadline(taskID, stepID string, attempts int, lastAttemptedAt, lastFailureAt time.Time, overrideSeconds *int64) time.Time {
	if overrideSeconds != nil {
		return lastAttemptedAt.Add(time.Duration(*overrideSeconds) * time.Second)
	}
	if lastFailureAt.IsZero() {
		return time.Time{}
	}
	// attempts counts completed attempts, so the first retry (attempts=1)
	// waits the base delay, the second twice that, and so on.
	delay := p.Jittered(taskID, stepID, p.Compute(attempts-1))
	return lastFailureAt.Add(delay)
}
