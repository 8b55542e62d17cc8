// Package breaker builds circuit breakers for calls to the workflow runtime with
// state changes exported as metrics.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
)

// Config holds circuit breaker settings
type Config struct {
	Enabled     bool
	MaxRequests uint32        // Requests allowed while half-open
	Interval    time.Duration // Stats window while closed
	Timeout     time.Duration // Time in open state before half-open
	MinRequests uint32        // Min requests before evaluating ratio
	Ratio       float64       // Failure ratio to trip
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		MinRequests: 10,
		Ratio:       0.5,
	}
}

// New creates a circuit breaker, or nil when disabled. isSuccessful decides
// which errors do not count as failures (nil counts every error).
func New(name string, cfg Config, isSuccessful func(err error) bool) *gobreaker.CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.Ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.RuntimeCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.RuntimeCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	}
	if isSuccessful != nil {
		settings.IsSuccessful = isSuccessful
	}

	metrics.RuntimeCircuitBreakerState.WithLabelValues(name).Set(float64(metrics.CircuitBreakerClosed))
	return gobreaker.NewCircuitBreaker(settings)
}

// IsOpen reports whether err was returned because the breaker rejected the call
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
