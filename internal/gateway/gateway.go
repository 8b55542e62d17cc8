// Package gateway serves the HTTP surface in front of the workflow runtime:
// status check proxying, execution event streams, health and metrics.
package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/breaker"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/health"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// Config holds gateway settings
type Config struct {
	RuntimeURL     string
	RuntimeTimeout time.Duration
	RuntimeBreaker breaker.Config
	CORSOrigins    []string
	Auth           AuthConfig

	// Channel carries schema, tables and retry tuning for event streams
	Channel realtime.Options
}

// Gateway wires the route handlers together
type Gateway struct {
	cfg     Config
	auth    *Authenticator
	status  *StatusProxy
	streams *EventStreams
	health  *health.Checker
}

// New creates a gateway. transport may be nil, in which case the event stream
// route is not mounted.
func New(cfg Config, resolver TokenResolver, transport realtime.Transport, checker *health.Checker) *Gateway {
	client := &http.Client{Timeout: cfg.RuntimeTimeout}
	cb := breaker.New("runtime", cfg.RuntimeBreaker, runtimeSuccess)

	gw := &Gateway{
		cfg:    cfg,
		auth:   NewAuthenticator(cfg.Auth),
		status: NewStatusProxy(cfg.RuntimeURL, resolver, client, cb),
		health: checker,
	}
	if transport != nil {
		gw.streams = NewEventStreams(transport, cfg.Channel)
	}
	return gw
}

// SetHealth sets the checker served under /q/health. Call before Routes.
func (g *Gateway) SetHealth(checker *health.Checker) {
	g.health = checker
}

// Authenticator returns the request authenticator
func (g *Gateway) Authenticator() *Authenticator {
	return g.auth
}

// StatusProxy returns the runtime status proxy
func (g *Gateway) StatusProxy() *StatusProxy {
	return g.status
}

// ActiveStreams returns the number of open event streams
func (g *Gateway) ActiveStreams() int {
	if g.streams == nil {
		return 0
	}
	return g.streams.Active()
}

// CloseStreams ends all open event streams
func (g *Gateway) CloseStreams() {
	if g.streams != nil {
		g.streams.CloseAll()
	}
}

// Routes builds the HTTP router
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if g.health != nil {
		r.Get("/q/health", g.health.HandleHealth)
		r.Get("/q/health/live", g.health.HandleLive)
		r.Get("/q/health/ready", g.health.HandleReady)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(recordMetrics)
		r.Use(g.auth.RequireAuth)

		r.With(middleware.Timeout(60*time.Second)).
			Post("/workflows/{workflowId}/status", g.status.HandleStatus)

		if g.streams != nil {
			r.Get("/executions/{executionId}/events", g.streams.HandleEvents)
		}
	})

	return r
}

// recordMetrics counts requests by route pattern and status code
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.GatewayRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		metrics.GatewayRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
