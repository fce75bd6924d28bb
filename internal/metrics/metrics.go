package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coworking"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	holdRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hold_requests_total",
			Help:      "Hold requests by outcome.",
		},
		[]string{"outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transitions_total",
			Help:      "Reservation state transitions by target state and reason.",
		},
		[]string{"state", "reason"},
	)

	sweeperExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_total",
			Help:      "Holds expired by the sweeper.",
		},
	)

	broadcasterDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcaster_dropped_events_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		},
		[]string{"scope"},
	)

	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Failed deliveries to external event sinks.",
		},
		[]string{"sink"},
	)

	activeTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hold_timers_active",
			Help:      "Hold expiration timers currently armed.",
		},
	)

	storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_seconds",
			Help:      "Slot store operation latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			holdRequests,
			transitions,
			sweeperExpired,
			broadcasterDrops,
			sinkFailures,
			activeTimers,
			storeLatency,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncHoldRequest(outcome string) {
	holdRequests.WithLabelValues(outcome).Inc()
}

func IncTransition(state, reason string) {
	transitions.WithLabelValues(state, reason).Inc()
}

func AddSweeperExpired(n int) {
	sweeperExpired.Add(float64(n))
}

func IncBroadcasterDrop(scope string) {
	broadcasterDrops.WithLabelValues(scope).Inc()
}

func IncSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

func SetActiveTimers(n int) {
	activeTimers.Set(float64(n))
}

// ObserveStore records the duration of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
