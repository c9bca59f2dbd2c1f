package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Player metrics
var (
	// LoadsTotal counts load attempts by outcome (loaded, cached, failed).
	LoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "player",
			Name:      "loads_total",
			Help:      "Total number of load attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LoadErrors counts classified load failures.
	LoadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "player",
			Name:      "load_errors_total",
			Help:      "Total number of load failures by category",
		},
		[]string{"category"},
	)

	// Retries counts automatic retries issued after a failure.
	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "player",
			Name:      "retries_total",
			Help:      "Total number of automatic load retries",
		},
	)

	// RetriesExhausted counts sources that ended in a terminal error.
	RetriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "player",
			Name:      "terminal_errors_total",
			Help:      "Total number of sources left in a terminal error state",
		},
		[]string{"category"},
	)

	// TimeToFirstFrame tracks how long a load takes to settle.
	TimeToFirstFrame = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reel",
			Subsystem: "player",
			Name:      "time_to_first_frame_seconds",
			Help:      "Time from load issue to loaded state",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
	)

	// ActiveControllers tracks live playback controllers.
	ActiveControllers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reel",
			Subsystem: "player",
			Name:      "active_controllers",
			Help:      "Number of playback controllers not yet closed",
		},
	)
)

// Comment API metrics
var (
	// CommentRequests counts comment API calls by operation and status class.
	CommentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "comments",
			Name:      "requests_total",
			Help:      "Total number of comment API requests",
		},
		[]string{"op", "status"},
	)

	// CommentRequestDuration tracks comment API latency.
	CommentRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reel",
			Subsystem: "comments",
			Name:      "request_duration_seconds",
			Help:      "Comment API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Probe metrics
var (
	// ProbeRuns counts feed probe runs by result.
	ProbeRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "probe",
			Name:      "runs_total",
			Help:      "Total number of feed probe runs",
		},
		[]string{"status"},
	)

	// ProbeItems counts probed feed items by outcome.
	ProbeItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "probe",
			Name:      "items_total",
			Help:      "Total number of probed feed items by outcome",
		},
		[]string{"outcome"},
	)

	// ProbeRunDuration tracks how long a probe run takes.
	ProbeRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reel",
			Subsystem: "probe",
			Name:      "run_duration_seconds",
			Help:      "Time taken to probe a feed page",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// EventsPublished counts QoE events sent to the queue.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "telemetry",
			Name:      "events_published_total",
			Help:      "Total number of playback events published",
		},
		[]string{"status"},
	)
)

// RecordLoad records a settled load and its time to first frame.
func RecordLoad(outcome string, seconds float64) {
	LoadsTotal.WithLabelValues(outcome).Inc()
	TimeToFirstFrame.Observe(seconds)
}

// RecordLoadError records a classified load failure.
func RecordLoadError(category string) {
	LoadsTotal.WithLabelValues("failed").Inc()
	LoadErrors.WithLabelValues(category).Inc()
}
