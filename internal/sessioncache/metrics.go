package sessioncache

import "github.com/prometheus/client_golang/prometheus"

var (
	persistFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eightsleep_session_persist_failure_total",
			Help: "Failed session persistence attempts by target",
		},
		[]string{"target"},
	)
	cacheHit = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eightsleep_session_cache_hit_total",
			Help: "Sessions restored from the cache by source",
		},
		[]string{"source"},
	)
	persistOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eightsleep_session_persist_ok",
			Help: "Session persistence health (1=ok, 0=error)",
		},
	)
)

// MetricsCollectors exposes the shared session cache collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		persistFailure,
		cacheHit,
		persistOK,
	}
}
