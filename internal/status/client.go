package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/backoff"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/breaker"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
)

// Request is the body of a workflow status check
type Request struct {
	CICDSecretID string `json:"cicd_secret_id"`
	SearchKey    string `json:"search_key"`
	WorkflowID   string `json:"workflow_id"`
	SourceCode   string `json:"source_code,omitempty"`
}

// Result is the status payload as returned by the server
type Result = json.RawMessage

// Checker performs a single logical status check, retries included
type Checker interface {
	Check(ctx context.Context, req Request) (Result, error)
}

// ClientConfig configures the HTTP status client
type ClientConfig struct {
	// BaseURL is the gateway origin, e.g. http://localhost:8080
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// APIKey is sent as X-API-Key when set
	APIKey string

	// Timeout bounds each HTTP attempt (0 = no per-attempt timeout)
	Timeout time.Duration

	// Retry is the retry policy (default backoff.StatusPolicy)
	Retry *backoff.Policy

	// Breaker guards the upstream; disabled unless Enabled is set
	Breaker breaker.Config

	// HTTPClient overrides the default client
	HTTPClient *http.Client
}

// Client calls POST {base}/api/workflows/{id}/status
type Client struct {
	baseURL string
	token   string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	retrier *backoff.Retrier
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a status client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("status: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("status: invalid base URL: %w", err)
	}

	policy := backoff.StatusPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    httpClient,
		retrier: &backoff.Retrier{
			Policy:      policy,
			ShouldRetry: shouldRetry,
			Name:        "workflow-status",
		},
		breaker: breaker.New("workflow-status", cfg.Breaker, countsAsSuccess),
	}, nil
}

// shouldRetry short-circuits client errors and an open breaker
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsClientError() {
		return false
	}
	return !breaker.IsOpen(err)
}

// countsAsSuccess keeps 4xx responses from tripping the breaker
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsClientError() {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Check posts req and returns the raw status JSON. Client errors fail after one
// request; server, network and malformed responses are retried per policy.
func (c *Client) Check(ctx context.Context, req Request) (Result, error) {
	if req.WorkflowID == "" {
		return nil, errors.New("status: workflow id is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status request: %w", err)
	}

	var result Result
	err = c.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		res, err := c.attempt(ctx, req.WorkflowID, body, attempt)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) attempt(ctx context.Context, workflowID string, body []byte, attempt int) (Result, error) {
	if c.breaker == nil {
		return c.do(ctx, workflowID, body, attempt)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, workflowID, body, attempt)
	})
	if err != nil {
		return nil, err
	}
	return out.(Result), nil
}

func (c *Client) do(ctx context.Context, workflowID string, body []byte, attempt int) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL + "/api/workflows/" + url.PathEscape(workflowID) + "/status"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	slog.Debug("Checking workflow status",
		"workflowId", workflowID,
		"attempt", attempt+1)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.StatusHTTPDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StatusHTTPRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	metrics.StatusHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if !json.Valid(data) {
		return nil, ErrMalformedResponse
	}
	return Result(data), nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from a failure body
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
		return ""
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
