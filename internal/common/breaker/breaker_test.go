package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var errUpstream = errors.New("upstream down")

func TestNewDisabled(t *testing.T) {
	if cb := New("disabled", Config{}, nil); cb != nil {
		t.Error("Expected nil breaker when disabled")
	}
}

func TestBreakerTripsAfterFailures(t *testing.T) {
	cb := New("test-trip", Config{
		Enabled:     true,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		MinRequests: 3,
		Ratio:       0.5,
	}, nil)

	for i := 0; i < 3; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	}

	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("Expected breaker open, got %s", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if !IsOpen(err) {
		t.Errorf("Expected open state error, got %v", err)
	}
}

func TestIsSuccessfulExcludesErrors(t *testing.T) {
	errClient := errors.New("bad request")
	cb := New("test-success", Config{
		Enabled:     true,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		MinRequests: 2,
		Ratio:       0.5,
	}, func(err error) bool { return err == nil || errors.Is(err, errClient) })

	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errClient })
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("Expected breaker to stay closed for client errors, got %s", cb.State())
	}
}

func TestIsOpen(t *testing.T) {
	if IsOpen(errUpstream) {
		t.Error("Expected plain error not to be an open state error")
	}
	if !IsOpen(gobreaker.ErrTooManyRequests) {
		t.Error("Expected ErrTooManyRequests to count as open")
	}
}
