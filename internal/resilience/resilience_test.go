package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAdmitsBurstThenRefuses(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected call %d within the burst to be admitted", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny once the cursor is a full burst ahead")
	}
	// One emission interval (200ms at 5/s) frees one slot.
	time.Sleep(250 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after an interval elapsed")
	}
}

func TestRateLimiterReserveAfter(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	if !rl.Allow() {
		t.Fatalf("expected first call to be admitted")
	}
	wait := rl.ReserveAfter(1)
	if wait <= 0 || wait > 150*time.Millisecond {
		t.Fatalf("expected a wait of roughly one interval, got %s", wait)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, nil, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Fatalf("expected success on the third call, got v=%d calls=%d", v, calls)
	}
}

func TestRetryHaltsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 5, time.Millisecond, func(error) bool { return true }, func() (int, error) {
		calls++
		return 0, errors.New("hopeless")
	})
	if err == nil {
		t.Fatal("expected the classified-permanent error to surface")
	}
	if calls != 1 {
		t.Fatalf("expected no retries after a permanent classification, got %d calls", calls)
	}
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	// 4 failures -> open
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	// wait half-open
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	// after two successful probes the breaker closes again
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}
