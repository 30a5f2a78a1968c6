package cache

import (
	"path/filepath"
	"sync/atomic"
)

// Lease marks an entry in use. While any lease on an entry is outstanding
// the entry is not evicted. Callers defer Release.
type Lease struct {
	reg      *Registry
	e        *entry
	created  bool
	released atomic.Bool
}

// Key returns the entry's cache key.
func (l *Lease) Key() string { return l.e.key }

// Dir returns the entry's directory.
func (l *Lease) Dir() string { return l.e.dir }

// Created reports whether the entry was created by this acquisition.
func (l *Lease) Created() bool { return l.created }

// Lock takes the entry's exclusive lock, for installs and resets.
func (l *Lease) Lock() { l.e.lock.Lock() }

// Unlock releases the exclusive lock.
func (l *Lease) Unlock() { l.e.lock.Unlock() }

// RLock takes the entry's shared lock, for sandbox runs.
func (l *Lease) RLock() { l.e.lock.RLock() }

// RUnlock releases the shared lock.
func (l *Lease) RUnlock() { l.e.lock.RUnlock() }

// Manifest returns a copy of the entry's committed manifest.
func (l *Lease) Manifest() Manifest {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	return l.e.manifest.clone()
}

// Size returns the entry's committed size in bytes.
func (l *Lease) Size() int64 {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	return l.e.size
}

// ModulesDir returns the live node_modules directory. It may not exist when
// nothing has been installed yet.
func (l *Lease) ModulesDir() string {
	l.reg.mu.Lock()
	gen := l.e.manifest.Generation
	l.reg.mu.Unlock()

	if gen == "" {
		return filepath.Join(l.e.dir, modulesDir)
	}
	return filepath.Join(l.e.dir, gen, modulesDir)
}

// Release ends the lease and refreshes the entry's last access. Calling it
// more than once is a no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.reg.release(l)
}
