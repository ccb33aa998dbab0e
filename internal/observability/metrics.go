package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rounds_total", Help: "Dispatch rounds by outcome"},
		[]string{"outcome"},
	)
	OffersSentTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Ride offers broadcast to candidates"})
	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Acceptance attempts that lost the assignment race"})
	NotifyFailuresTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notify_failures_total", Help: "Best-effort notifications that could not be delivered"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently reporting presence"})

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
