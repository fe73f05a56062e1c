package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted for dispatch"})
	RidesAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_accepted_total", Help: "Total successful ride acceptances"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the assignment race"})
	InvalidMoves    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "invalid_transitions_total", Help: "Lifecycle actions rejected by the transition table"})

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_delivered_total", Help: "Ride and location events delivered to sessions"},
		[]string{"path"}, // push | poll
	)
	PollersActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "fallback_pollers_active", Help: "Fallback pollers currently running"})

	LocationsPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "locations_published_total", Help: "Driver location samples published"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	OffersPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_published_total", Help: "New-ride events fanned out to driver topics"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
