package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
)

var secretIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidSecretID reports whether id can name a CI/CD secret
func ValidSecretID(id string) bool {
	return secretIDPattern.MatchString(id)
}

// KeyFor returns the provider key that holds the CI/CD secret id
func KeyFor(cicdSecretID string) string {
	return "cicd/" + cicdSecretID
}

// Resolver turns CI/CD secret ids into runtime API tokens
type Resolver struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// NewResolver creates a resolver. ttl <= 0 disables caching.
func NewResolver(provider Provider, ttl time.Duration) *Resolver {
	return &Resolver{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedToken),
	}
}

// Provider returns the backing provider
func (r *Resolver) Provider() Provider {
	return r.provider
}

// Resolve returns the token stored for cicdSecretID. Unknown ids return
// ErrSecretNotFound; malformed ids return ErrInvalidSecretID without
// touching the provider.
func (r *Resolver) Resolve(ctx context.Context, cicdSecretID string) (string, error) {
	if !ValidSecretID(cicdSecretID) {
		return "", ErrInvalidSecretID
	}
	name := r.provider.Name()

	if token, ok := r.cached(cicdSecretID); ok {
		metrics.SecretLookups.WithLabelValues(name, "cached").Inc()
		return token, nil
	}

	raw, err := r.provider.Get(ctx, KeyFor(cicdSecretID))
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			metrics.SecretLookups.WithLabelValues(name, "not_found").Inc()
			return "", ErrSecretNotFound
		}
		metrics.SecretLookups.WithLabelValues(name, "error").Inc()
		slog.Error("CI/CD secret lookup failed", "provider", name, "secretId", cicdSecretID, "error", err)
		return "", err
	}

	token := ExtractToken(raw)
	if token == "" {
		metrics.SecretLookups.WithLabelValues(name, "not_found").Inc()
		return "", ErrSecretNotFound
	}
	metrics.SecretLookups.WithLabelValues(name, "hit").Inc()
	r.store(cicdSecretID, token)
	return token, nil
}

// Invalidate drops a cached token, e.g. after the runtime rejected it
func (r *Resolver) Invalidate(cicdSecretID string) {
	r.mu.Lock()
	delete(r.cache, cicdSecretID)
	r.mu.Unlock()
}

func (r *Resolver) cached(id string) (string, bool) {
	if r.ttl <= 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[id]
	if !ok {
		return "", false
	}
	if !r.now().Before(c.expires) {
		delete(r.cache, id)
		return "", false
	}
	return c.token, true
}

func (r *Resolver) store(id, token string) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[id] = cachedToken{token: token, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

// ExtractToken accepts either a bare token or a JSON object carrying it under
// "token", "api_key" or "value"
func ExtractToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return raw
	}
	for _, field := range []string{"token", "api_key", "value"} {
		if s, ok := obj[field].(string); ok && s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
