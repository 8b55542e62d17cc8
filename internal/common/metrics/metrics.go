package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime channel metrics

	// RealtimeEventsDispatched tracks change events forwarded to channel callbacks
	RealtimeEventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "realtime",
			Name:      "events_dispatched_total",
			Help:      "Total change events dispatched to channel callbacks",
		},
		[]string{"table", "event_type"},
	)

	// RealtimeEventsDropped tracks events that matched no watched table or arrived after teardown
	RealtimeEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Total change events not dispatched",
		},
		[]string{"reason"}, // reason: unknown_table, closed, stale
	)

	// RealtimeTransportStatus tracks transport status signals
	RealtimeTransportStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "realtime",
			Name:      "transport_status_total",
			Help:      "Total transport status signals received",
		},
		[]string{"transport", "status"},
	)

	// RealtimeReconnects tracks scheduled reconnect attempts
	RealtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts scheduled",
		},
		[]string{"transport"},
	)

	// RealtimeGiveUps tracks channels that exhausted their retry budget
	RealtimeGiveUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "realtime",
			Name:      "give_ups_total",
			Help:      "Total channels that stopped reconnecting after max retries",
		},
		[]string{"transport"},
	)

	// RealtimeActiveChannels tracks channels that are currently subscribed
	RealtimeActiveChannels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hsemu",
			Subsystem: "realtime",
			Name:      "active_channels",
			Help:      "Number of channels in the subscribed state",
		},
		[]string{"transport"},
	)

	// Status poller metrics

	// StatusChecks tracks status checks by outcome
	StatusChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "status",
			Name:      "checks_total",
			Help:      "Total workflow status checks",
		},
		[]string{"result"}, // result: success, failed, rate_limited, skipped, cancelled
	)

	// StatusHTTPRequests tracks HTTP requests made by the status client
	StatusHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "status",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the status client",
		},
		[]string{"status_code"},
	)

	// StatusHTTPDuration tracks status request duration
	StatusHTTPDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hsemu",
			Subsystem: "status",
			Name:      "http_duration_seconds",
			Help:      "Status request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Runtime upstream metrics

	// RuntimeCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	RuntimeCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hsemu",
			Subsystem: "runtime",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// RuntimeCircuitBreakerTrips tracks circuit breaker trip events
	RuntimeCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "runtime",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"name"},
	)

	// SecretLookups tracks CI/CD secret resolution by provider and outcome
	SecretLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "secrets",
			Name:      "lookups_total",
			Help:      "Total CI/CD secret lookups",
		},
		[]string{"provider", "result"}, // result: hit, cached, not_found, error
	)

	// Gateway metrics

	// GatewayRequests tracks gateway HTTP requests
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsemu",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total gateway HTTP requests",
		},
		[]string{"route", "status_code"},
	)

	// GatewayRequestDuration tracks gateway request duration
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hsemu",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// GatewayEventStreams tracks open server-sent event streams
	GatewayEventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hsemu",
			Subsystem: "gateway",
			Name:      "event_streams",
			Help:      "Number of open execution event streams",
		},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
