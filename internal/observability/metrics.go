package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchPassesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "match_passes_total", Help: "Matching passes executed"})
	MatchEmptyTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "match_empty_total", Help: "Matching passes that found no candidates"})

	AssignWinsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "assign_wins_total", Help: "Successful runner bindings"})
	AssignConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "assign_conflicts_total", Help: "Accept attempts lost to another runner"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "transitions_total", Help: "Applied lifecycle transitions"},
		[]string{"to"},
	)
	TransitionsRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "transitions_rejected_total", Help: "Transition requests with no table entry"})

	TrackerBroadcasts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "tracker_broadcasts_total", Help: "Location/status deltas broadcast to parties"})
	TrackerDegraded   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "errand_dispatch", Name: "tracker_degraded", Help: "Trackers running change-feed-only after losing the bus"})

	RunnersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "errand_dispatch", Name: "runners_online", Help: "Runner availability toggles currently on"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "errand_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "errand_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
