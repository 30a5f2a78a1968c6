// Package installer fills cache entries with the npm packages a script
// needs.
//
// Ensure runs under the entry's exclusive lock. Missing packages are fetched
// into a staging directory as one unit, merged into a fresh generation built
// from the live one, and committed through the cache registry. Nothing a
// running script can observe changes until the commit succeeds.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/model"
)

// DefaultTimeout bounds a single install.
const DefaultTimeout = 5 * time.Minute

// maxEnsureAttempts bounds how often EnsureShared reinstalls after another
// request changed the entry between the install and the shared lock.
const maxEnsureAttempts = 3

// Report describes what Ensure did.
type Report struct {
	// UsedCache is true when nothing was fetched and the entry existed before
	// this request.
	UsedCache bool
	Forced    bool
	Fetched   []string
	// Resolved maps each requested package to its installed version.
	Resolved map[string]string
	Duration time.Duration
}

// Installer fetches missing packages into cache entries.
type Installer struct {
	reg     *cache.Registry
	fetcher Fetcher
	logger  *slog.Logger
	timeout time.Duration

	// afterEnsure runs between the exclusive and the shared lock in
	// EnsureShared. Tests use it to change the entry in that window.
	afterEnsure func()
}

// Option configures an Installer.
type Option func(*Installer)

// WithTimeout bounds each install. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(i *Installer) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// New creates an Installer.
func New(reg *cache.Registry, fetcher Fetcher, logger *slog.Logger, opts ...Option) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Installer{
		reg:     reg,
		fetcher: fetcher,
		logger:  logger,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Fetcher returns the name of the configured fetcher.
func (i *Installer) Fetcher() string { return i.fetcher.Name() }

// Ensure makes the leased entry satisfy deps. With force the entry is wiped
// first and every package is fetched again.
//
// Concurrent callers on the same entry serialize on its lock; a caller that
// waited for another's install finds its packages present and fetches
// nothing. On error the entry keeps its previous manifest and generation,
// unless force had already wiped it.
func (i *Installer) Ensure(ctx context.Context, lease *cache.Lease, deps model.DependencySet, force bool) (Report, error) {
	lease.Lock()
	defer lease.Unlock()
	start := time.Now()

	report := Report{Forced: force}
	log := i.logger.With("cache_key", lease.Key())

	if force {
		if err := i.reg.Reset(lease); err != nil {
			return report, err
		}
	}

	m := lease.Manifest()
	missing := Missing(m, deps)
	if len(missing) == 0 {
		report.UsedCache = !lease.Created() && !force
		report.Resolved = resolvedFrom(m, deps)
		report.Duration = time.Since(start)
		if report.UsedCache {
			cacheHits.Inc()
		}
		log.Debug("installer: dependencies satisfied", "packages", len(deps), "used_cache", report.UsedCache)
		return report, nil
	}

	cacheMisses.Inc()
	fetched, err := i.install(ctx, lease, m, deps, missing)
	if err != nil {
		installFailures.WithLabelValues(i.fetcher.Name()).Inc()
		log.Error("installer: install failed", "missing", specNames(missing), "error", err)
		return report, err
	}

	report.Fetched = specNames(missing)
	report.Resolved = resolvedFrom(lease.Manifest(), deps)
	report.Duration = time.Since(start)
	packagesFetched.WithLabelValues(i.fetcher.Name()).Add(float64(len(fetched)))
	installDuration.Observe(report.Duration.Seconds())

	log.Info("installer: installed",
		"fetcher", i.fetcher.Name(),
		"packages", fetched,
		"forced", force,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

// EnsureShared is Ensure for callers that go on to read the entry. It
// returns with the entry's shared lock held and deps present in the live
// generation; the caller must RUnlock. If another request reset or replaced
// the entry after the install, the install is repeated without force.
// On error no lock is held.
func (i *Installer) EnsureShared(ctx context.Context, lease *cache.Lease, deps model.DependencySet, force bool) (Report, error) {
	var total Report
	for attempt := range maxEnsureAttempts {
		report, err := i.Ensure(ctx, lease, deps, force && attempt == 0)
		total.Forced = total.Forced || report.Forced
		total.Fetched = append(total.Fetched, report.Fetched...)
		total.Duration += report.Duration
		total.Resolved = report.Resolved
		if err != nil {
			return total, err
		}
		if i.afterEnsure != nil {
			i.afterEnsure()
		}

		lease.RLock()
		m := lease.Manifest()
		if len(Missing(m, deps)) == 0 {
			total.UsedCache = report.UsedCache && len(total.Fetched) == 0
			total.Resolved = resolvedFrom(m, deps)
			return total, nil
		}
		lease.RUnlock()
		i.logger.Warn("installer: entry changed before run, installing again",
			"cache_key", lease.Key(),
			"attempt", attempt+1,
		)
	}
	return total, apperr.Cache(
		fmt.Errorf("entry changed %d times while installing", maxEnsureAttempts),
		"prepare dependencies",
	)
}

func (i *Installer) install(ctx context.Context, lease *cache.Lease, m cache.Manifest, deps model.DependencySet, missing []model.PackageSpec) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	gen, err := i.reg.NewGeneration(lease)
	if err != nil {
		return nil, err
	}

	fetched, err := i.fetcher.Fetch(ctx, gen.Stage, missing)
	if err != nil {
		i.reg.Abort(lease, gen)
		if ctx.Err() != nil {
			return nil, apperr.Dependency(err, fmt.Sprintf("install timed out after %s", i.timeout))
		}
		return nil, apperr.Dependency(err, "install dependencies")
	}

	if gen.Base != "" {
		if err := linkTree(gen.Base, gen.ModulesDir()); err != nil {
			i.reg.Abort(lease, gen)
			return nil, apperr.Cache(err, "copy installed packages")
		}
	}

	requested := make(map[string]bool, len(missing))
	for _, s := range missing {
		requested[s.Name] = true
	}
	if err := mergeStaged(filepath.Join(gen.Stage, "node_modules"), gen.ModulesDir(), requested); err != nil {
		i.reg.Abort(lease, gen)
		return nil, apperr.Cache(err, "merge fetched packages")
	}

	packages := maps.Clone(m.Packages)
	if packages == nil {
		packages = make(map[string]cache.Package)
	}
	for _, s := range missing {
		version, ok := fetched[s.Name]
		if !ok {
			i.reg.Abort(lease, gen)
			return nil, apperr.Dependency(&FetchError{Package: s.Name, Err: fmt.Errorf("fetcher returned no version")}, "install dependencies")
		}
		constraint := deps[s.Name]
		if constraint == "" {
			constraint = model.LatestConstraint
		}
		packages[s.Name] = cache.Package{Version: version, Constraint: constraint}
	}

	if err := i.reg.Commit(lease, gen, packages); err != nil {
		return nil, err
	}
	return fetched, nil
}

func resolvedFrom(m cache.Manifest, deps model.DependencySet) map[string]string {
	out := make(map[string]string, len(deps))
	for name := range deps {
		if pkg, ok := m.Packages[name]; ok {
			out[name] = pkg.Version
		}
	}
	return out
}

func specNames(specs []model.PackageSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
