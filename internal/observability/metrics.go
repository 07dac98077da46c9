package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "mode_transitions_total", Help: "Session mode transitions"},
		[]string{"from", "to"},
	)
	MarkersTracked  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_session", Name: "driver_markers", Help: "Driver markers currently tracked"})
	MarkerEvictions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "driver_marker_evictions_total", Help: "Driver markers evicted as stale"})
	StaleResponses  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "stale_responses_dropped_total", Help: "Async results dropped because a newer request superseded them"},
		[]string{"kind"},
	)
	RoutePlans = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "route_plans_total", Help: "Route plan outcomes"},
		[]string{"outcome"},
	)
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ride_session", Name: "provider_latency_seconds", Help: "Search and routing provider latency", Buckets: prometheus.DefBuckets},
		[]string{"kind"},
	)
	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "trip_transitions_total", Help: "Trip state transitions applied"},
		[]string{"state"},
	)
	ComponentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "component_errors_total", Help: "Errors surfaced to the orchestrator"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_session",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
