package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_cache_bytes",
			Help: "Aggregate size of all dependency cache entries, in bytes.",
		},
	)

	cacheLimitBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_cache_limit_bytes",
			Help: "Configured dependency cache ceiling, in bytes.",
		},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_cache_entries",
			Help: "Number of dependency cache entries.",
		},
	)

	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cache_evictions_total",
			Help: "Total number of cache entries evicted to stay under the ceiling.",
		},
	)

	cacheOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cache_overruns_total",
			Help: "Eviction passes that ended over the ceiling because every entry was in use.",
		},
	)

	evictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_cache_eviction_seconds",
			Help:    "Duration of an eviction pass, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(cacheBytes)
	prometheus.MustRegister(cacheLimitBytes)
	prometheus.MustRegister(cacheEntries)
	prometheus.MustRegister(cacheEvictions)
	prometheus.MustRegister(cacheOverruns)
	prometheus.MustRegister(evictionDuration)
}
