package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Run outcomes.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusKilled    = "killed"
)

var (
	vmBootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runbox_firecracker_vm_boot_seconds",
		Help:    "Time from VM start until the guest agent accepted the connection.",
		Buckets: prometheus.DefBuckets,
	})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runbox_firecracker_active_vms",
		Help: "Number of running microVMs.",
	})

	bundleBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runbox_firecracker_bundle_bytes",
		Help:    "Size of the compressed bundle sent to the guest.",
		Buckets: prometheus.ExponentialBuckets(16<<10, 4, 8),
	})

	vmCleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runbox_firecracker_vm_cleanup_seconds",
		Help:    "Duration of VM shutdown and cleanup.",
		Buckets: prometheus.DefBuckets,
	})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runbox_firecracker_runs_total",
		Help: "Script runs handled by the microVM sandbox.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(vmBootDuration, activeVMs, bundleBytes, vmCleanupDuration, runsTotal)
	for _, s := range []string{statusCompleted, statusFailed, statusKilled} {
		runsTotal.WithLabelValues(s)
	}
}
