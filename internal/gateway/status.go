package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/breaker"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/secrets"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/status"
)

// maxBodyBytes bounds request and upstream response bodies
const maxBodyBytes = 1 << 20

// TokenResolver maps a CI/CD secret id to a runtime API token
type TokenResolver interface {
	Resolve(ctx context.Context, cicdSecretID string) (string, error)
}

// errUpstream marks a 5xx answer so the breaker counts it as a failure while
// the response is still relayed to the caller
type errUpstream struct {
	resp *upstreamResponse
}

func (e *errUpstream) Error() string {
	return fmt.Sprintf("runtime returned %d", e.resp.statusCode)
}

type upstreamResponse struct {
	statusCode  int
	contentType string
	body        []byte
}

// StatusProxy forwards workflow status checks to the runtime
type StatusProxy struct {
	runtimeURL string
	resolver   TokenResolver
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewStatusProxy creates a proxy to runtimeURL. cb may be nil.
func NewStatusProxy(runtimeURL string, resolver TokenResolver, client *http.Client, cb *gobreaker.CircuitBreaker) *StatusProxy {
	if client == nil {
		client = http.DefaultClient
	}
	return &StatusProxy{
		runtimeURL: strings.TrimRight(runtimeURL, "/"),
		resolver:   resolver,
		http:       client,
		breaker:    cb,
	}
}

// Breaker returns the runtime circuit breaker (nil when disabled)
func (p *StatusProxy) Breaker() *gobreaker.CircuitBreaker {
	return p.breaker
}

// HandleStatus handles POST /api/workflows/{workflowId}/status
func (p *StatusProxy) HandleStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowId")

	var req status.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkflowID == "" {
		req.WorkflowID = workflowID
	}
	if req.WorkflowID != workflowID {
		WriteError(w, http.StatusBadRequest, "workflow_id does not match the path")
		return
	}
	req.SearchKey = strings.TrimSpace(req.SearchKey)
	if req.SearchKey == "" {
		WriteError(w, http.StatusBadRequest, "search_key is required")
		return
	}
	if req.CICDSecretID == "" {
		WriteError(w, http.StatusBadRequest, "cicd_secret_id is required")
		return
	}

	token, err := p.resolver.Resolve(r.Context(), req.CICDSecretID)
	switch {
	case errors.Is(err, secrets.ErrInvalidSecretID):
		WriteError(w, http.StatusBadRequest, "Invalid cicd_secret_id")
		return
	case errors.Is(err, secrets.ErrSecretNotFound):
		WriteError(w, http.StatusNotFound, "CI/CD secret not found")
		return
	case err != nil:
		slog.Error("Failed to resolve CI/CD secret", "error", err, "workflowId", workflowID)
		WriteError(w, http.StatusInternalServerError, "Failed to resolve CI/CD secret")
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to encode request")
		return
	}

	resp, err := p.forward(r.Context(), workflowID, token, body)
	if err != nil {
		var upstream *errUpstream
		switch {
		case errors.As(err, &upstream):
			resp = upstream.resp
		case breaker.IsOpen(err):
			WriteError(w, http.StatusServiceUnavailable, "Runtime temporarily unavailable")
			return
		case r.Context().Err() != nil:
			return
		default:
			slog.Warn("Runtime unreachable", "error", err, "workflowId", workflowID)
			WriteError(w, http.StatusBadGateway, "Runtime unreachable")
			return
		}
	}

	if resp.contentType != "" {
		w.Header().Set("Content-Type", resp.contentType)
	}
	w.WriteHeader(resp.statusCode)
	w.Write(resp.body)
}

func (p *StatusProxy) forward(ctx context.Context, workflowID, token string, body []byte) (*upstreamResponse, error) {
	if p.breaker == nil {
		return p.do(ctx, workflowID, token, body)
	}
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.do(ctx, workflowID, token, body)
	})
	if err != nil {
		return nil, err
	}
	return out.(*upstreamResponse), nil
}

func (p *StatusProxy) do(ctx context.Context, workflowID, token string, body []byte) (*upstreamResponse, error) {
	endpoint := p.runtimeURL + "/workflows/" + url.PathEscape(workflowID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	out := &upstreamResponse{
		statusCode:  resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}
	if resp.StatusCode >= 500 {
		return nil, &errUpstream{resp: out}
	}
	return out, nil
}

// runtimeSuccess keeps client cancellations from tripping the breaker
func runtimeSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
