package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestChannelPolicyDelays(t *testing.T) {
	p := ChannelPolicy()

	expected := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}

	for attempt, want := range expected {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Delay(%d): expected %v, got %v", attempt, want, got)
		}
	}
}

func TestDelayWithoutCap(t *testing.T) {
	p := Policy{BaseDelay: 800 * time.Millisecond}

	if got := p.Delay(0); got != 800*time.Millisecond {
		t.Errorf("Expected 800ms, got %v", got)
	}
	if got := p.Delay(2); got != 3200*time.Millisecond {
		t.Errorf("Expected 3.2s, got %v", got)
	}
}

func TestDelayHugeAttemptIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute}
	if got := p.Delay(200); got != time.Minute {
		t.Errorf("Expected cap of 1m, got %v", got)
	}
}

func TestJitteredDelay(t *testing.T) {
	p := StatusPolicy()

	got := p.JitteredDelay(1, func(n int64) int64 {
		if n != int64(time.Second) {
			t.Errorf("Expected jitter bound 1s, got %d", n)
		}
		return int64(250 * time.Millisecond)
	})

	if want := 1600*time.Millisecond + 250*time.Millisecond; got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestJitteredDelayRange(t *testing.T) {
	p := StatusPolicy()
	for i := 0; i < 100; i++ {
		d := p.JitteredDelay(0, nil)
		if d < 800*time.Millisecond || d >= 1800*time.Millisecond {
			t.Fatalf("Jittered delay out of range: %v", d)
		}
	}
}

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{
		Policy: StatusPolicy(),
		Sleep:  recordingSleep(&delays),
		Rand:   func(int64) int64 { return 0 },
	}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("server error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != 800*time.Millisecond || delays[1] != 1600*time.Millisecond {
		t.Errorf("Unexpected delays: %v", delays)
	}
}

func TestRetrierExhausted(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{Policy: StatusPolicy(), Sleep: recordingSleep(&delays)}

	calls := 0
	sentinel := errors.New("still failing")
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("Expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetrierShouldRetryFalse(t *testing.T) {
	var delays []time.Duration
	r := &Retrier{
		Policy:      StatusPolicy(),
		Sleep:       recordingSleep(&delays),
		ShouldRetry: func(err error) bool { return false },
	}

	calls := 0
	_ = r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("client error")
	})

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if len(delays) != 0 {
		t.Errorf("Expected no sleeps, got %v", delays)
	}
}

func TestRetrierPermanent(t *testing.T) {
	r := &Retrier{Policy: StatusPolicy(), Sleep: func(context.Context, time.Duration) error { return nil }}

	inner := errors.New("bad request")
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(inner)
	})

	if err != inner {
		t.Errorf("Expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{Policy: StatusPolicy(), Sleep: SleepContext}

	calls := 0
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return context.Canceled
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := SleepContext(ctx, time.Hour); err == nil {
		t.Error("Expected error from cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Error("SleepContext did not return promptly")
	}
}

func TestRetrierRetriesAttemptDeadline(t *testing.T) {
	r := &Retrier{
		Policy: Policy{MaxRetries: 2, BaseDelay: time.Millisecond},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return fmt.Errorf("attempt timed out: %w", context.DeadlineExceeded)
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success after per-attempt timeouts, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}
