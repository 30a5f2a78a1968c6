package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// SharedCacheKey is the cache key used when a request does not name one.
const SharedCacheKey = "__global__"

// Invocation modes.
const (
	ModeBatch   = "runOnceForAllItems"
	ModePerItem = "runOnceForEachItem"
)

// LatestConstraint is the constraint recorded for a package referenced
// without a version.
const LatestConstraint = "latest"

// Options are the per-request execution knobs.
type Options struct {
	// Timeout in milliseconds. Zero selects the configured default.
	Timeout     int    `json:"timeout,omitempty"`
	ForceUpdate bool   `json:"forceUpdate,omitempty"`
	Debug       bool   `json:"debug,omitempty"`
	Console     bool   `json:"console,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Sandbox     string `json:"sandbox,omitempty"`
}

// ExecutionRequest is a script submission. It is not modified after the
// engine accepts it.
type ExecutionRequest struct {
	ID       string          `json:"-"`
	Code     string          `json:"code"`
	Items    json.RawMessage `json:"items,omitempty"`
	CacheKey string          `json:"cacheKey,omitempty"`
	Options  Options         `json:"options"`
}

// EffectiveCacheKey returns the cache key, substituting the shared key when
// none was given.
func (r *ExecutionRequest) EffectiveCacheKey() string {
	if r.CacheKey == "" {
		return SharedCacheKey
	}
	return r.CacheKey
}

// EffectiveMode returns the invocation mode, defaulting to batch.
func (r *ExecutionRequest) EffectiveMode() string {
	if r.Options.Mode == "" {
		return ModeBatch
	}
	return r.Options.Mode
}

// Inputs returns the argument for each invocation of the script. Batch mode
// yields a single argument holding the whole payload (an empty array when no
// items were sent). Per-item mode yields one argument per array element; a
// non-array payload counts as a single item.
func (r *ExecutionRequest) Inputs() ([]json.RawMessage, error) {
	items := bytes.TrimSpace(r.Items)
	if len(items) == 0 || bytes.Equal(items, []byte("null")) {
		items = []byte("[]")
	}
	if !json.Valid(items) {
		return nil, fmt.Errorf("items is not valid JSON")
	}

	if r.EffectiveMode() == ModeBatch {
		return []json.RawMessage{json.RawMessage(items)}, nil
	}

	if items[0] != '[' {
		return []json.RawMessage{json.RawMessage(items)}, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(items, &elems); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if elems == nil {
		elems = []json.RawMessage{}
	}
	return elems, nil
}

// DependencySet maps package names to version constraints.
type DependencySet map[string]string

// Names returns the package names in lexicographic order.
func (d DependencySet) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PackageSpec is a single package requirement.
type PackageSpec struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint"`
}

// String renders the package in npm install form, e.g. lodash@^4.
func (p PackageSpec) String() string {
	if p.Constraint == "" {
		return p.Name + "@" + LatestConstraint
	}
	return p.Name + "@" + p.Constraint
}

// Specs returns the set as package specs ordered by name.
func (d DependencySet) Specs() []PackageSpec {
	specs := make([]PackageSpec, 0, len(d))
	for _, name := range d.Names() {
		specs = append(specs, PackageSpec{Name: name, Constraint: d[name]})
	}
	return specs
}
