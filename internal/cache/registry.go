// Package cache owns the on-disk dependency cache.
//
// Each cache key maps to an entry directory holding a manifest and the
// current generation of node_modules. The Registry is the only component
// that deletes entry directories. Installs replace a generation wholesale and
// commit it by renaming a new manifest into place, so a failed or interrupted
// install never changes what later runs observe.
//
// Locking: the registry mutex guards the entry map, sizes, last-access times
// and in-use counts. Each entry also has an RWMutex; installs hold it
// exclusively and sandbox runs hold it shared. Entries with a nonzero in-use
// count are never evicted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/model"
)

const (
	trashDir    = ".trash"
	genPrefix   = "gen-"
	stagePrefix = ".stage-"
	modulesDir  = "node_modules"
	dirPerm     = 0o755
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("cache registry closed")

	// ErrEntryBusy is returned by Purge when the entry is in use.
	ErrEntryBusy = errors.New("cache entry in use")

	// ErrNotFound is returned by Purge for an unknown key.
	ErrNotFound = errors.New("cache entry not found")
)

// Config configures a Registry.
type Config struct {
	Root     string
	MaxBytes int64
	Logger   *slog.Logger
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type entry struct {
	key  string
	dir  string
	lock sync.RWMutex

	// Guarded by Registry.mu.
	manifest   Manifest
	size       int64
	lastAccess time.Time
	users      int
}

// Registry tracks cache entries, their sizes and their users.
type Registry struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	totalBytes int64
	closed     bool
	evictions  int64
	overruns   int64

	leases  sync.WaitGroup
	evictCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// Open creates the cache root if needed and loads every committed entry
// found in it. Leftovers from interrupted installs and evictions are removed.
func Open(cfg Config) (*Registry, error) {
	if cfg.Root == "" {
		return nil, errors.New("cache root is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache ceiling must be positive, got %d", cfg.MaxBytes)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(cfg.Root, dirPerm); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	r := &Registry{
		root:     cfg.Root,
		maxBytes: cfg.MaxBytes,
		logger:   logger,
		now:      now,
		entries:  make(map[string]*entry),
		evictCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}

	cacheLimitBytes.Set(float64(r.maxBytes))
	r.publishLocked()
	return r, nil
}

func (r *Registry) load() error {
	os.RemoveAll(filepath.Join(r.root, trashDir))

	dirents, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("read cache root: %w", err)
	}
	for _, d := range dirents {
		if !d.IsDir() || isHidden(d.Name()) {
			continue
		}
		dir := filepath.Join(r.root, d.Name())

		m, err := readManifest(dir)
		if err != nil || m.Key == "" || dirName(m.Key) != d.Name() {
			// Never committed, or not ours.
			r.logger.Warn("cache: discarding uncommitted entry", "dir", dir, "error", err)
			os.RemoveAll(dir)
			continue
		}
		r.sweepEntryDir(dir, m.Generation)

		var size int64
		if m.Generation != "" {
			if size, err = DirSize(filepath.Join(dir, m.Generation)); err != nil {
				r.logger.Warn("cache: discarding unreadable entry", "key", m.Key, "error", err)
				os.RemoveAll(dir)
				continue
			}
		}
		lastAccess := m.UpdatedAt
		if info, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
			lastAccess = info.ModTime()
		}

		m.SizeBytes = size
		r.entries[m.Key] = &entry{
			key:        m.Key,
			dir:        dir,
			manifest:   m,
			size:       size,
			lastAccess: lastAccess,
		}
		r.totalBytes += size
	}

	r.logger.Info("cache: loaded",
		"root", r.root,
		"entries", len(r.entries),
		"total_bytes", r.totalBytes,
		"limit_bytes", r.maxBytes,
	)
	return nil
}

// sweepEntryDir removes everything in dir except the manifest and the live
// generation.
func (r *Registry) sweepEntryDir(dir, generation string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, d := range dirents {
		if d.Name() == manifestFile || (generation != "" && d.Name() == generation) {
			continue
		}
		os.RemoveAll(filepath.Join(dir, d.Name()))
	}
}

// Start runs the eviction loop until ctx is done or Close is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-r.evictCh:
				r.EvictIfOverLimit()
			}
		}
	}()
}

// Close stops new acquisitions, waits for outstanding leases to be released
// and stops the eviction loop.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	released := make(chan struct{})
	go func() {
		r.leases.Wait()
		close(released)
	}()

	var err error
	select {
	case <-released:
	case <-ctx.Done():
		err = fmt.Errorf("wait for cache leases: %w", ctx.Err())
	}

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
	return err
}

// Acquire returns a lease on the entry for key, creating the entry if it
// does not exist. An empty key selects the shared entry. Acquire never waits
// on another entry's lock; the caller must Release the lease.
func (r *Registry) Acquire(ctx context.Context, key string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		key = model.SharedCacheKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperr.Cache(ErrClosed, "acquire "+key)
	}

	e, ok := r.entries[key]
	if !ok {
		dir := filepath.Join(r.root, dirName(key))
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, apperr.Cache(err, "create cache entry")
		}
		e = &entry{
			key:      key,
			dir:      dir,
			manifest: emptyManifest(key),
		}
		r.entries[key] = e
		r.publishLocked()
	}

	e.users++
	e.lastAccess = r.now()
	r.leases.Add(1)

	return &Lease{reg: r, e: e, created: !ok}, nil
}

// Touch refreshes the entry's last-access time.
func (r *Registry) Touch(l *Lease) {
	r.mu.Lock()
	l.e.lastAccess = r.now()
	r.mu.Unlock()
}

func (r *Registry) release(l *Lease) {
	r.mu.Lock()
	l.e.users--
	l.e.lastAccess = r.now()
	over := r.totalBytes > r.maxBytes
	r.mu.Unlock()

	r.leases.Done()
	if over {
		r.signalEvict()
	}
}

func (r *Registry) signalEvict() {
	select {
	case r.evictCh <- struct{}{}:
	default:
	}
}

// Generation is an uncommitted node_modules tree being assembled for an entry.
type Generation struct {
	Name string
	// Dir is the generation root; its node_modules becomes live on Commit.
	Dir string
	// Stage is scratch space for fetchers, discarded on Commit or Abort.
	Stage string
	// Base is the live node_modules the generation starts from, or "" when
	// the entry has no packages yet.
	Base string
}

// ModulesDir is the node_modules directory inside the generation.
func (g *Generation) ModulesDir() string { return filepath.Join(g.Dir, modulesDir) }

// NewGeneration creates the directories for a new generation of the
// leased entry. The caller must hold the entry's exclusive lock.
func (r *Registry) NewGeneration(l *Lease) (*Generation, error) {
	id := strings.ToLower(model.NewID())
	g := &Generation{
		Name:  genPrefix + id,
		Dir:   filepath.Join(l.e.dir, genPrefix+id),
		Stage: filepath.Join(l.e.dir, stagePrefix+id),
	}
	if err := os.MkdirAll(g.ModulesDir(), dirPerm); err != nil {
		return nil, apperr.Cache(err, "create generation")
	}
	if err := os.MkdirAll(g.Stage, dirPerm); err != nil {
		os.RemoveAll(g.Dir)
		return nil, apperr.Cache(err, "create staging directory")
	}

	r.mu.Lock()
	if cur := l.e.manifest.Generation; cur != "" {
		g.Base = filepath.Join(l.e.dir, cur, modulesDir)
	}
	r.mu.Unlock()
	return g, nil
}

// Abort discards an uncommitted generation.
func (r *Registry) Abort(l *Lease, g *Generation) {
	for _, dir := range []string{g.Stage, g.Dir} {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("cache: remove aborted generation", "key", l.e.key, "dir", dir, "error", err)
		}
	}
}

// Commit makes g the entry's live generation with the given package set.
// The manifest rename is the commit point; the previous generation is
// removed afterwards. The caller must hold the entry's exclusive lock.
func (r *Registry) Commit(l *Lease, g *Generation, packages map[string]Package) error {
	os.RemoveAll(g.Stage)

	size, err := DirSize(g.Dir)
	if err != nil {
		r.Abort(l, g)
		return apperr.Cache(err, "measure generation")
	}

	m := Manifest{
		Key:        l.e.key,
		Generation: g.Name,
		Packages:   packages,
		SizeBytes:  size,
		UpdatedAt:  r.now().UTC(),
	}
	if err := writeManifest(l.e.dir, m); err != nil {
		r.Abort(l, g)
		return apperr.Cache(err, "commit manifest")
	}

	r.mu.Lock()
	previous := l.e.manifest.Generation
	l.e.manifest = m.clone()
	r.totalBytes += size - l.e.size
	l.e.size = size
	l.e.lastAccess = r.now()
	over := r.totalBytes > r.maxBytes
	r.publishLocked()
	r.mu.Unlock()

	if previous != "" && previous != g.Name {
		if err := os.RemoveAll(filepath.Join(l.e.dir, previous)); err != nil {
			r.logger.Warn("cache: remove previous generation", "key", l.e.key, "error", err)
		}
	}

	r.logger.Debug("cache: committed",
		"key", l.e.key,
		"generation", g.Name,
		"packages", len(packages),
		"size_bytes", size,
	)
	if over {
		r.signalEvict()
	}
	return nil
}

// Reset empties the leased entry: its manifest and every generation are
// deleted. The caller must hold the entry's exclusive lock. The entry is
// accounted as empty before anything is removed, so a failed removal never
// leaves the registry describing a half-deleted generation.
func (r *Registry) Reset(l *Lease) error {
	r.mu.Lock()
	r.totalBytes -= l.e.size
	l.e.size = 0
	l.e.manifest = emptyManifest(l.e.key)
	r.publishLocked()
	r.mu.Unlock()

	dirents, err := os.ReadDir(l.e.dir)
	if err != nil && !os.IsNotExist(err) {
		return apperr.Cache(err, "read cache entry")
	}
	// The manifest goes first so a crash mid-reset leaves an entry that is
	// discarded on the next load.
	if err := os.Remove(filepath.Join(l.e.dir, manifestFile)); err != nil && !os.IsNotExist(err) {
		return apperr.Cache(err, "remove manifest")
	}
	for _, d := range dirents {
		if d.Name() == manifestFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.e.dir, d.Name())); err != nil {
			return apperr.Cache(err, "clear cache entry")
		}
	}
	if err := os.MkdirAll(l.e.dir, dirPerm); err != nil {
		return apperr.Cache(err, "recreate cache entry")
	}

	r.logger.Info("cache: reset", "key", l.e.key)
	return nil
}

// Purge removes an idle entry.
func (r *Registry) Purge(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.users > 0 {
		r.mu.Unlock()
		return ErrEntryBusy
	}
	trash, err := r.moveToTrashLocked(e)
	if err != nil {
		r.mu.Unlock()
		return apperr.Cache(err, "purge "+key)
	}
	delete(r.entries, key)
	r.totalBytes -= e.size
	r.publishLocked()
	r.mu.Unlock()

	if err := os.RemoveAll(trash); err != nil {
		r.logger.Warn("cache: remove purged entry", "key", key, "error", err)
	}
	r.logger.Info("cache: purged", "key", key, "size_bytes", e.size)
	return nil
}

// moveToTrashLocked renames an entry directory out of the cache namespace
// so that deletion can happen without holding r.mu.
func (r *Registry) moveToTrashLocked(e *entry) (string, error) {
	trashRoot := filepath.Join(r.root, trashDir)
	if err := os.MkdirAll(trashRoot, dirPerm); err != nil {
		return "", err
	}
	dst := filepath.Join(trashRoot, filepath.Base(e.dir)+"-"+strings.ToLower(model.NewID()))
	if err := os.Rename(e.dir, dst); err != nil {
		if os.IsNotExist(err) {
			return dst, nil
		}
		return "", err
	}
	return dst, nil
}

func (r *Registry) publishLocked() {
	cacheBytes.Set(float64(r.totalBytes))
	cacheEntries.Set(float64(len(r.entries)))
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Entries    int   `json:"entries"`
	InUse      int   `json:"in_use"`
	TotalBytes int64 `json:"total_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
	Evictions  int64 `json:"evictions"`
	Overruns   int64 `json:"overruns"`
}

// Stats returns current registry totals.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Entries:    len(r.entries),
		TotalBytes: r.totalBytes,
		LimitBytes: r.maxBytes,
		Evictions:  r.evictions,
		Overruns:   r.overruns,
	}
	for _, e := range r.entries {
		if e.users > 0 {
			s.InUse++
		}
	}
	return s
}

// EntryInfo describes one cache entry.
type EntryInfo struct {
	Key        string             `json:"key"`
	SizeBytes  int64              `json:"size_bytes"`
	LastAccess time.Time          `json:"last_access"`
	InUse      int                `json:"in_use"`
	Packages   map[string]Package `json:"packages"`
}

// Entries lists all entries ordered by key.
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	infos := make([]EntryInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, EntryInfo{
			Key:        e.key,
			SizeBytes:  e.size,
			LastAccess: e.lastAccess,
			InUse:      e.users,
			Packages:   e.manifest.clone().Packages,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}
