package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tablealloc"

var (
	once sync.Once

	allocationResult = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_result_total",
			Help:      "Count of allocation transactions by outcome kind.",
		},
		[]string{"kind"},
	)

	allocationSeating = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_seating_total",
			Help:      "Count of successful allocations by seating shape.",
		},
		[]string{"seating"},
	)

	allocationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_retries_total",
			Help:      "Count of allocation attempts retried after a retryable failure.",
		},
	)

	allocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Wall time of a full allocation transaction.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring the allocation lock by result.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 3},
		},
		[]string{"result"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transition_total",
			Help:      "Count of reservation status transitions.",
		},
		[]string{"status"},
	)

	availabilityCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_cache_total",
			Help:      "Availability cache lookups by result.",
		},
		[]string{"result"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			allocationResult, allocationSeating, allocationRetries, allocationDuration,
			lockWait, statusTransitions, availabilityCache, rateLimited,
		)
	})
}

func IncAllocationResult(kind string) {
	allocationResult.WithLabelValues(kind).Inc()
}

func IncAllocationSeating(seating string) {
	allocationSeating.WithLabelValues(seating).Inc()
}

func IncAllocationRetry() {
	allocationRetries.Inc()
}

func ObserveAllocationDuration(d time.Duration) {
	allocationDuration.Observe(d.Seconds())
}

func IncStatusTransition(status string) {
	statusTransitions.WithLabelValues(status).Inc()
}

func IncAvailabilityCache(result string) {
	availabilityCache.WithLabelValues(result).Inc()
}

func IncRateLimited() {
	rateLimited.Inc()
}

// LockObserver feeds lock acquisition outcomes into the lock_wait histogram.
type LockObserver struct{}

func (LockObserver) ObserveLockWait(result string, wait time.Duration) {
	lockWait.WithLabelValues(result).Observe(wait.Seconds())
}
