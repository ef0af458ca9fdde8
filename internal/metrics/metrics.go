package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_dispatch"

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_total", Help: "Dispatch attempts by strategy and outcome"},
		[]string{"strategy", "outcome"},
	)
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_duration_seconds", Help: "Time spent selecting and reserving a driver", Buckets: prometheus.DefBuckets},
		[]string{"strategy"},
	)
	ProposalRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proposal_rounds_total", Help: "Proposal rounds by result"},
		[]string{"result"},
	)
	ReservationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "reservation_conflicts_total", Help: "Driver reservations lost to a concurrent dispatch"},
	)
	DriversAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Drivers in the presence registry at the last listing"},
	)

	GeoFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "geo_fallback_total", Help: "Geo provider failures answered with a haversine estimate"},
		[]string{"operation"},
	)

	DeliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "delivery_transitions_total", Help: "Committed delivery status transitions"},
		[]string{"status"},
	)
	DeliveryEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "delivery_effects_total", Help: "Post-commit delivery effects by kind and result"},
		[]string{"kind", "result"},
	)

	OrderGatewayRetries = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "order_gateway_retries_total", Help: "Retry attempts performed against the order service"},
	)

	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connections", Help: "Open realtime connections"},
	)
	RealtimeDropped = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_events_dropped_total", Help: "Realtime events dropped because a client buffer was full"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_runs_total", Help: "Scheduled sweep runs by job and result"},
		[]string{"job", "result"},
	)
	JobItems = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_items_total", Help: "Records processed by scheduled sweeps"},
		[]string{"job"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency distribution", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)
)
