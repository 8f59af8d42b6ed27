package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of successful lock claims.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagelock_acquire_total",
		Help: "Total number of successful lock claims",
	})
	// ContentionCounter tracks claims refused because another holder exists.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagelock_contention_total",
		Help: "Total number of lock claims lost to another holder",
	})
	// ReleaseCounter tracks the number of unlock operations.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagelock_release_total",
		Help: "Total number of unlock operations",
	})
	// RetryCounter tracks store operations retried after a transient failure.
	RetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagelock_retry_total",
		Help: "Total number of store operation retries",
	})
	// HeldGauge reports the number of paths currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagelock_held_locks",
		Help: "Current number of locked paths held by this process",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers pagelock core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContentionCounter, ReleaseCounter, RetryCounter, HeldGauge)
}
