package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/breaker"
)

// ErrMalformedResponse is returned when a 2xx body is not valid JSON
var ErrMalformedResponse = errors.New("malformed status response")

// APIError is a non-2xx response from the status endpoint
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status request failed with HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("status request failed with HTTP %d: %s", e.StatusCode, e.Message)
}

// IsClientError reports a 4xx response
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Kind is the user-facing category of a failed status check
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindRateLimited  Kind = "rate_limited"
	KindClient       Kind = "client"
	KindServer       Kind = "server"
	KindNetwork      Kind = "network"
	KindMalformed    Kind = "malformed"
)

// Classification is the stable, displayable description of a failed check
type Classification struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (c *Classification) Error() string {
	return c.Message
}

// Retryable reports whether the failure class is retried by the client
func (c *Classification) Retryable() bool {
	switch c.Kind {
	case KindServer, KindNetwork, KindMalformed:
		return true
	default:
		return false
	}
}

const serverMessage = "The status service failed to respond. Please try again shortly."

// Classify maps a Check error to a user-facing classification. Malformed
// responses are reported like server errors.
func Classify(err error) *Classification {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr)
	}

	if errors.Is(err, ErrMalformedResponse) {
		return &Classification{Kind: KindMalformed, Message: serverMessage}
	}

	if breaker.IsOpen(err) {
		return &Classification{Kind: KindServer, Message: "The status service is temporarily unavailable. Please try again shortly."}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || isDialError(err) {
		return &Classification{Kind: KindNetwork, Message: "Could not reach the status service. Check your connection and try again."}
	}

	return &Classification{Kind: KindServer, Message: serverMessage}
}

func classifyStatus(e *APIError) *Classification {
	c := &Classification{StatusCode: e.StatusCode}

	switch {
	case e.StatusCode == http.StatusBadRequest:
		c.Kind = KindBadRequest
		c.Message = "The status request was rejected as invalid."
		if e.Message != "" {
			c.Message = "The status request was rejected: " + e.Message
		}
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		c.Kind = KindUnauthorized
		c.Message = "Not authorized to check this workflow. Check the selected CI/CD secret."
	case e.StatusCode == http.StatusNotFound:
		c.Kind = KindNotFound
		c.Message = "Workflow not found. Check the workflow ID and secret name."
	case e.StatusCode == http.StatusTooManyRequests:
		c.Kind = KindRateLimited
		c.Message = "Too many status checks. Please wait a moment and try again."
	case e.IsClientError():
		c.Kind = KindClient
		c.Message = fmt.Sprintf("The status request failed (HTTP %d).", e.StatusCode)
	default:
		c.Kind = KindServer
		c.Message = serverMessage
	}
	return c
}

func isDialError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dial tcp")
}
