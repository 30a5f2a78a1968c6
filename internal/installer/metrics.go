package installer

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cache_hits_total",
			Help: "Installs satisfied entirely from an existing cache entry.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cache_misses_total",
			Help: "Installs that had to fetch at least one package.",
		},
	)

	packagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_installer_packages_fetched_total",
			Help: "Requested packages fetched, by fetcher.",
		},
		[]string{"fetcher"},
	)

	installFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_installer_failures_total",
			Help: "Failed installs, by fetcher.",
		},
		[]string{"fetcher"},
	)

	installDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_installer_install_seconds",
			Help:    "Duration of installs that fetched packages, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(packagesFetched)
	prometheus.MustRegister(installFailures)
	prometheus.MustRegister(installDuration)
}
