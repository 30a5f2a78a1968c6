package cache

import (
	"os"
	"time"
)

// EvictionReport describes one eviction pass.
type EvictionReport struct {
	Evicted    []string `json:"evicted"`
	FreedBytes int64    `json:"freed_bytes"`
	TotalBytes int64    `json:"total_bytes"`
	LimitBytes int64    `json:"limit_bytes"`
	// Overrun is set when the pass ended over the ceiling because no
	// remaining entry could be evicted.
	Overrun bool     `json:"overrun"`
	Failed  []string `json:"failed,omitempty"`
}

// EvictIfOverLimit evicts idle entries, least recently used first, until the
// aggregate size is within the ceiling. Entries with equal last-access times
// are taken in key order. Entries in use are never evicted; if only such
// entries remain the pass stops and reports the overrun.
func (r *Registry) EvictIfOverLimit() EvictionReport {
	start := time.Now()

	r.mu.Lock()
	var (
		report  EvictionReport
		trashed []string
		skip    = make(map[string]bool)
	)
	for r.totalBytes > r.maxBytes {
		e := r.oldestIdleLocked(skip)
		if e == nil {
			report.Overrun = true
			r.overruns++
			break
		}
		trash, err := r.moveToTrashLocked(e)
		if err != nil {
			r.logger.Error("cache: evict entry", "key", e.key, "error", err)
			report.Failed = append(report.Failed, e.key)
			skip[e.key] = true
			continue
		}
		delete(r.entries, e.key)
		r.totalBytes -= e.size
		r.evictions++
		report.Evicted = append(report.Evicted, e.key)
		report.FreedBytes += e.size
		trashed = append(trashed, trash)
	}
	report.TotalBytes = r.totalBytes
	report.LimitBytes = r.maxBytes
	r.publishLocked()
	r.mu.Unlock()

	for _, dir := range trashed {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("cache: delete evicted directory", "dir", dir, "error", err)
		}
	}

	if n := len(report.Evicted); n > 0 {
		cacheEvictions.Add(float64(n))
		r.logger.Info("cache: evicted",
			"entries", report.Evicted,
			"freed_bytes", report.FreedBytes,
			"total_bytes", report.TotalBytes,
			"limit_bytes", report.LimitBytes,
		)
	}
	if report.Overrun {
		cacheOverruns.Inc()
		r.logger.Warn("cache: over ceiling with every remaining entry in use",
			"total_bytes", report.TotalBytes,
			"limit_bytes", report.LimitBytes,
		)
	}
	evictionDuration.Observe(time.Since(start).Seconds())
	return report
}

// oldestIdleLocked returns the idle entry with the oldest last access, ties
// broken by key, or nil when every entry is in use or skipped.
func (r *Registry) oldestIdleLocked(skip map[string]bool) *entry {
	var victim *entry
	for _, e := range r.entries {
		if e.users > 0 || skip[e.key] {
			continue
		}
		if victim == nil ||
			e.lastAccess.Before(victim.lastAccess) ||
			(e.lastAccess.Equal(victim.lastAccess) && e.key < victim.key) {
			victim = e
		}
	}
	return victim
}
