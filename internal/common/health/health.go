// Package health aggregates liveness and readiness checks for the gateway and
// serves them under /q/health.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is the result of a single health check
type Check struct {
	Name   string                 `json:"name"`
	Status Status                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// HealthResponse represents the health endpoint response
type HealthResponse struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc performs a health check. ctx carries the per-check timeout.
type CheckFunc func(ctx context.Context) Check

// Checker manages health checks for the application
type Checker struct {
	mu              sync.RWMutex
	livenessChecks  []CheckFunc
	readinessChecks []CheckFunc
	timeout         time.Duration
}

// NewChecker creates a health checker. Each check gets timeout to finish
// (default 2s); a check that overruns is reported DOWN.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout}
}

// AddLivenessCheck adds a liveness check
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livenessChecks = append(c.livenessChecks, check)
}

// AddReadinessCheck adds a readiness check
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks = append(c.readinessChecks, check)
}

// runChecks runs checks concurrently and keeps their registration order
func (c *Checker) runChecks(ctx context.Context, checks []CheckFunc) HealthResponse {
	response := HealthResponse{
		Status: StatusUp,
		Checks: make([]Check, len(checks)),
	}

	var wg sync.WaitGroup
	for i, fn := range checks {
		wg.Add(1)
		go func(i int, fn CheckFunc) {
			defer wg.Done()
			response.Checks[i] = c.runOne(ctx, fn)
		}(i, fn)
	}
	wg.Wait()

	for _, check := range response.Checks {
		if check.Status == StatusDown {
			response.Status = StatusDown
		}
	}
	return response
}

func (c *Checker) runOne(ctx context.Context, fn CheckFunc) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan Check, 1)
	go func() { done <- fn(ctx) }()

	select {
	case check := <-done:
		return check
	case <-ctx.Done():
		return Check{
			Name:   "TimedOut",
			Status: StatusDown,
			Data:   map[string]interface{}{"error": "health check timed out"},
		}
	}
}

func (c *Checker) snapshot(live, ready bool) []CheckFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CheckFunc
	if live {
		out = append(out, c.livenessChecks...)
	}
	if ready {
		out = append(out, c.readinessChecks...)
	}
	return out
}

// GetLiveness returns the liveness status
func (c *Checker) GetLiveness(ctx context.Context) HealthResponse {
	return c.runChecks(ctx, c.snapshot(true, false))
}

// GetReadiness returns the readiness status
func (c *Checker) GetReadiness(ctx context.Context) HealthResponse {
	return c.runChecks(ctx, c.snapshot(false, true))
}

// GetHealth returns the combined health status
func (c *Checker) GetHealth(ctx context.Context) HealthResponse {
	return c.runChecks(ctx, c.snapshot(true, true))
}

// HandleHealth handles /q/health
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetHealth(r.Context()))
}

// HandleLive handles /q/health/live
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetLiveness(r.Context()))
}

// HandleReady handles /q/health/ready
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetReadiness(r.Context()))
}

func writeResponse(w http.ResponseWriter, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// PingCheck reports DOWN when ping fails. It covers the runtime upstream and
// every transport that can ping its backend (NATS, Redis, Mongo, SQS).
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{
				Name:   name,
				Status: StatusDown,
				Data:   map[string]interface{}{"error": err.Error()},
			}
		}
		return Check{Name: name, Status: StatusUp}
	}
}

// RuntimeCheck probes the runtime's health endpoint with a GET
func RuntimeCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return PingCheck("Runtime", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "runtime returned " + http.StatusText(e.code)
}

// BreakerCheck reports DOWN while the breaker is open. A nil breaker is UP.
func BreakerCheck(name string, cb *gobreaker.CircuitBreaker) CheckFunc {
	return func(context.Context) Check {
		if cb == nil {
			return Check{Name: name, Status: StatusUp, Data: map[string]interface{}{"breaker": "disabled"}}
		}
		state := cb.State()
		status := StatusUp
		if state == gobreaker.StateOpen {
			status = StatusDown
		}
		counts := cb.Counts()
		return Check{
			Name:   name,
			Status: status,
			Data: map[string]interface{}{
				"state":               state.String(),
				"requests":            counts.Requests,
				"consecutiveFailures": counts.ConsecutiveFailures,
			},
		}
	}
}

// StreamsCheck reports open realtime event streams; it never goes DOWN
func StreamsCheck(active func() int) CheckFunc {
	return func(context.Context) Check {
		return Check{
			Name:   "RealtimeStreams",
			Status: StatusUp,
			Data:   map[string]interface{}{"active": active()},
		}
	}
}
