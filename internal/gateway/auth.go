package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrInvalidIssuer = errors.New("invalid issuer")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// ContextKey is a type for context keys
type ContextKey string

// ContextKeySubject holds the authenticated subject (JWT sub or "api-key")
const ContextKeySubject ContextKey = "subject"

// AuthConfig configures the Authenticator
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string

	// APIKeyHashes are bcrypt hashes of accepted X-API-Key values
	APIKeyHashes []string
}

// Authenticator accepts HS256 bearer tokens or bcrypt-hashed API keys
type Authenticator struct {
	enabled bool
	secret  []byte
	issuer  string
	hashes  [][]byte
}

// NewAuthenticator creates an authenticator. A disabled authenticator lets
// every request through.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(cfg.JWTSecret),
		issuer:  cfg.Issuer,
	}
	for _, h := range cfg.APIKeyHashes {
		a.hashes = append(a.hashes, []byte(h))
	}
	return a
}

// IssueToken signs an HS256 token for subject valid for ttl
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("JWT secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken validates a bearer token and returns its subject
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", ErrInvalidIssuer
	}
	return claims.Subject, nil
}

// ValidateAPIKey matches key against the configured hashes
func (a *Authenticator) ValidateAPIKey(key string) error {
	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidAPIKey
}

// RequireAuth rejects requests without a valid bearer token or API key
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	if !a.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subject string

		if token := extractBearerToken(r); token != "" {
			sub, err := a.ValidateToken(token)
			if err != nil {
				slog.Debug("Token validation failed", "error", err)
				WriteError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			subject = sub
		} else if key := r.Header.Get("X-API-Key"); key != "" {
			if err := a.ValidateAPIKey(key); err != nil {
				WriteError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			subject = "api-key"
		} else {
			WriteError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject returns the authenticated subject, or "" when auth is disabled
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ContextKeySubject).(string)
	return s
}

// extractBearerToken reads the Authorization header, falling back to the
// access_token query parameter (EventSource cannot set headers)
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return r.URL.Query().Get("access_token")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
