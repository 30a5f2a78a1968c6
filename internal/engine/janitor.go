package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/sandbox"
	"github.com/seantiz/runbox/internal/store"
)

// DefaultJanitorSchedule runs maintenance every ten minutes.
const DefaultJanitorSchedule = "@every 10m"

// brokerRetention is how long finished executions stay subscribable.
const brokerRetention = 5 * time.Minute

// JanitorConfig configures periodic maintenance.
type JanitorConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string
	// ExecDir is swept for scratch directories left by crashed runs.
	ExecDir string
	// ScratchMaxAge is how old a scratch directory must be before it is
	// considered abandoned.
	ScratchMaxAge time.Duration
	// Retention bounds the execution history. Zero keeps everything.
	Retention time.Duration
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	ScratchRemoved int
	Pruned         int64
	Forgotten      int
	Eviction       cache.EvictionReport
}

// Janitor runs scheduled maintenance: it removes abandoned sandbox scratch
// directories, prunes old history, forgets finished console streams and runs
// a synchronous eviction pass.
type Janitor struct {
	cfg    JanitorConfig
	cache  *cache.Registry
	store  store.Store
	broker *LogBroker
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time
}

// NewJanitor validates the schedule and creates a stopped janitor.
func NewJanitor(cfg JanitorConfig, reg *cache.Registry, s store.Store, broker *LogBroker, logger *slog.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultJanitorSchedule
	}
	if cfg.ScratchMaxAge <= 0 {
		cfg.ScratchMaxAge = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	j := &Janitor{
		cfg:    cfg,
		cache:  reg,
		store:  s,
		broker: broker,
		logger: logger,
		now:    time.Now,
	}

	cl := cronLogger{logger}
	j.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := j.cron.AddFunc(cfg.Schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start begins running the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", "schedule", j.cfg.Schedule)
}

// Stop halts the schedule and waits for a running sweep, up to ctx's
// deadline.
func (j *Janitor) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop janitor: %w", ctx.Err())
	}
}

// Sweep runs every maintenance task once. Failures are logged and do not
// stop the remaining tasks.
func (j *Janitor) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport

	n, err := j.sweepScratch()
	if err != nil {
		j.logger.Error("janitor: sweep scratch dirs", "dir", j.cfg.ExecDir, "error", err)
	}
	rep.ScratchRemoved = n

	if j.cfg.Retention > 0 && j.store != nil {
		pruned, err := j.store.PruneExecutions(ctx, j.now().Add(-j.cfg.Retention))
		if err != nil {
			j.logger.Error("janitor: prune history", "error", err)
		}
		rep.Pruned = pruned
	}

	if j.broker != nil {
		rep.Forgotten = j.broker.Prune(brokerRetention)
	}

	if j.cache != nil {
		rep.Eviction = j.cache.EvictIfOverLimit()
		if rep.Eviction.Overrun {
			j.logger.Warn("janitor: cache over ceiling with nothing evictable",
				"total_bytes", rep.Eviction.TotalBytes,
				"limit_bytes", rep.Eviction.LimitBytes,
			)
		}
	}

	j.logger.Info("janitor: sweep complete",
		"scratch_removed", rep.ScratchRemoved,
		"pruned", rep.Pruned,
		"forgotten", rep.Forgotten,
		"evicted", len(rep.Eviction.Evicted),
	)
	return rep
}

// sweepScratch removes run directories older than ScratchMaxAge. Younger
// ones may belong to a run in progress.
func (j *Janitor) sweepScratch() (int, error) {
	if j.cfg.ExecDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.cfg.ExecDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.cfg.ScratchMaxAge)
	removed := 0
	for _, de := range entries {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), sandbox.ScratchPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(j.cfg.ExecDir, de.Name())
		if err := os.RemoveAll(dir); err != nil {
			j.logger.Warn("janitor: remove scratch dir", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
