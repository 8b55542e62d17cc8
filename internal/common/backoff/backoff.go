// Package backoff provides the exponential retry policies shared by the realtime
// channel and the workflow status client.
package backoff

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
//
// The realtime channel uses a capped policy without jitter and gives up after
// MaxRetries reconnects. The status client uses a small uncapped policy with
// jitter and surfaces the last error once MaxRetries is spent.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration

	// MaxDelay caps the computed delay (0 = no cap)
	MaxDelay time.Duration

	// Jitter is the upper bound of a random duration added to each delay (0 = none)
	Jitter time.Duration
}

// ChannelPolicy returns the realtime reconnect defaults (5 retries, 500ms base, 10s cap)
func ChannelPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// StatusPolicy returns the status check defaults (2 retries, 800ms base, up to 1s jitter)
func StatusPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  800 * time.Millisecond,
		Jitter:     time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based) without jitter:
// min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		// overflow guard for absurd attempt counts
		if d <= 0 {
			if p.MaxDelay > 0 {
				return p.MaxDelay
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// JitteredDelay returns Delay(attempt) plus a random duration in [0, Jitter).
func (p Policy) JitteredDelay(attempt int, rnd func(int64) int64) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Int63n
		}
		d += time.Duration(rnd(int64(p.Jitter)))
	}
	return d
}

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("permanent error")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so that Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retrier runs an operation under a Policy.
type Retrier struct {
	Policy Policy

	// ShouldRetry decides whether a failed attempt is retried. Nil retries everything
	// except permanent errors and context cancellation.
	ShouldRetry func(err error) bool

	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand supplies jitter; defaults to math/rand.
	Rand func(n int64) int64

	// Name is used in log lines.
	Name string
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry budget is
// spent. The last error is returned unchanged (permanent wrappers are removed).
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		if !r.retryable(err) || attempt >= r.Policy.MaxRetries {
			return err
		}

		delay := r.Policy.JitteredDelay(attempt, r.Rand)
		slog.Debug("Retrying after backoff",
			"op", r.Name,
			"attempt", attempt+1,
			"backoff", delay,
			"error", err)

		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func (r *Retrier) retryable(err error) bool {
	// per-attempt deadlines are retried; the caller's own deadline was checked in Do
	if errors.Is(err, context.Canceled) {
		return false
	}
	if r.ShouldRetry == nil {
		return true
	}
	return r.ShouldRetry(err)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
