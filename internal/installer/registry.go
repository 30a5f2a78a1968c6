package installer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/runbox/internal/archive"
	"github.com/seantiz/runbox/internal/model"
)

// DefaultRegistryURL is the public npm registry.
const DefaultRegistryURL = "https://registry.npmjs.org"

const (
	// Abbreviated packuments carry only what installs need.
	packumentAccept = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8"

	maxResolvedPackages = 5000
	maxTarballBytes     = 256 << 20
)

// ErrIntegrity is returned when a downloaded tarball does not match the
// registry's checksum.
var ErrIntegrity = errors.New("tarball integrity check failed")

// RegistryOptions configure a RegistryFetcher.
type RegistryOptions struct {
	// Concurrency caps parallel registry requests. Zero means 8.
	Concurrency int
	Retries     int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// RegistryFetcher installs packages by talking to an npm registry directly,
// without the npm CLI. It resolves the full dependency tree, hoisting each
// package to the top level unless a conflicting version already sits on the
// resolution path, in which case it is nested under its dependent.
type RegistryFetcher struct {
	client      *resty.Client
	concurrency int
	logger      *slog.Logger
}

// NewRegistryFetcher creates a fetcher for the registry at baseURL.
func NewRegistryFetcher(baseURL string, opts RegistryOptions) *RegistryFetcher {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "runbox").
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(250 * time.Millisecond)

	return &RegistryFetcher{
		client:      client,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// Name implements Fetcher.
func (f *RegistryFetcher) Name() string { return "registry" }

type packument struct {
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags"`
	Versions map[string]packageManifest `json:"versions"`
}

type packageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
	Dist         struct {
		Tarball   string `json:"tarball"`
		Shasum    string `json:"shasum"`
		Integrity string `json:"integrity"`
	} `json:"dist"`
}

// Fetch implements Fetcher.
func (f *RegistryFetcher) Fetch(ctx context.Context, dir string, specs []model.PackageSpec) (map[string]string, error) {
	tree, err := f.resolve(ctx, specs)
	if err != nil {
		return nil, err
	}

	modules := filepath.Join(dir, "node_modules")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, path := range tree.paths() {
		pkg := tree.placed[path]
		g.Go(func() error {
			if err := f.download(gctx, pkg, filepath.Join(modules, filepath.FromSlash(path))); err != nil {
				return &FetchError{Package: pkg.Name + "@" + pkg.Version, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f.logger.Debug("registry: fetched", "requested", len(specs), "packages", len(tree.placed))

	out := make(map[string]string, len(specs))
	for _, s := range specs {
		out[s.Name] = tree.placed[s.Name].Version
	}
	return out, nil
}

// depTree maps install paths, relative to node_modules and slash separated
// (e.g. "a/node_modules/b"), to the package version placed there.
type depTree struct {
	placed map[string]*packageManifest
}

func (t *depTree) paths() []string {
	paths := make([]string, 0, len(t.placed))
	for p := range t.placed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// lookup finds where Node would resolve name from a package installed at
// parent: parent's own node_modules first, then each ancestor's, then the
// top level.
func (t *depTree) lookup(parent, name string) (string, bool) {
	dir := parent
	for {
		candidate := name
		if dir != "" {
			candidate = dir + "/node_modules/" + name
		}
		if _, ok := t.placed[candidate]; ok {
			return candidate, true
		}
		if dir == "" {
			return "", false
		}
		if i := strings.LastIndex(dir, "/node_modules/"); i >= 0 {
			dir = dir[:i]
		} else {
			dir = ""
		}
	}
}

type want struct {
	name       string
	constraint string
	parent     string
}

// resolve walks the dependency graph breadth first. Each level's packuments
// are fetched in parallel; placement is sequential and deterministic.
func (f *RegistryFetcher) resolve(ctx context.Context, specs []model.PackageSpec) (*depTree, error) {
	tree := &depTree{placed: make(map[string]*packageManifest)}
	cache := make(map[string]*packument)

	level := make([]want, 0, len(specs))
	for _, s := range specs {
		level = append(level, want{name: s.Name, constraint: s.Constraint})
	}

	for len(level) > 0 {
		if err := f.loadPackuments(ctx, cache, level); err != nil {
			return nil, err
		}

		var next []want
		for _, w := range level {
			pm, err := pickVersion(cache[w.name], w.constraint)
			if err != nil {
				return nil, &FetchError{Package: w.name + "@" + w.constraint, Err: err}
			}

			path := w.name
			if w.parent != "" {
				if loc, ok := tree.lookup(w.parent, w.name); ok {
					if versionSatisfies(tree.placed[loc].Version, w.constraint) {
						continue
					}
					path = w.parent + "/node_modules/" + w.name
				}
			}
			if _, taken := tree.placed[path]; taken {
				continue
			}
			tree.placed[path] = pm
			if len(tree.placed) > maxResolvedPackages {
				return nil, fmt.Errorf("dependency tree exceeds %d packages", maxResolvedPackages)
			}

			deps := make([]string, 0, len(pm.Dependencies))
			for name := range pm.Dependencies {
				deps = append(deps, name)
			}
			sort.Strings(deps)
			for _, name := range deps {
				next = append(next, want{name: name, constraint: pm.Dependencies[name], parent: path})
			}
		}
		level = next
	}
	return tree, nil
}

func (f *RegistryFetcher) loadPackuments(ctx context.Context, cache map[string]*packument, level []want) error {
	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
	)
	for _, w := range level {
		if cache[w.name] == nil {
			pending[w.name] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for name := range pending {
		g.Go(func() error {
			p, err := f.packument(gctx, name)
			if err != nil {
				return &FetchError{Package: name, Err: err}
			}
			mu.Lock()
			cache[name] = p
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (f *RegistryFetcher) packument(ctx context.Context, name string) (*packument, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", packumentAccept).
		Get("/" + escapePackageName(name))
	if err != nil {
		return nil, fmt.Errorf("request packument: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, errors.New("package not found in registry")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("registry returned %s", resp.Status())
	}

	var p packument
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return nil, fmt.Errorf("decode packument: %w", err)
	}
	if len(p.Versions) == 0 {
		return nil, errors.New("package has no published versions")
	}
	return &p, nil
}

func escapePackageName(name string) string {
	if strings.HasPrefix(name, "@") {
		return strings.Replace(name, "/", "%2f", 1)
	}
	return name
}

// pickVersion chooses the version for constraint: a dist-tag, an exact
// version, or the highest version in a semver range. The "latest" tag wins
// whenever it satisfies the range.
func pickVersion(p *packument, constraint string) (*packageManifest, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		constraint = model.LatestConstraint
	}
	if tagged, ok := p.DistTags[constraint]; ok {
		if pm, ok := p.Versions[tagged]; ok {
			return &pm, nil
		}
		return nil, fmt.Errorf("dist-tag %q points at unpublished version %s", constraint, tagged)
	}
	if pm, ok := p.Versions[strings.TrimPrefix(constraint, "=")]; ok {
		return &pm, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("unsupported version constraint %q", constraint)
	}

	if latest, ok := p.DistTags[model.LatestConstraint]; ok {
		if v, err := semver.NewVersion(latest); err == nil && c.Check(v) {
			if pm, ok := p.Versions[latest]; ok {
				return &pm, nil
			}
		}
	}

	var (
		best    *semver.Version
		bestRaw string
	)
	for raw := range p.Versions {
		v, err := semver.NewVersion(raw)
		if err != nil || !c.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, raw
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no version matches %q", constraint)
	}
	pm := p.Versions[bestRaw]
	return &pm, nil
}

func versionSatisfies(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" || constraint == model.LatestConstraint {
		return true
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func (f *RegistryFetcher) download(ctx context.Context, pm *packageManifest, dest string) error {
	if pm.Dist.Tarball == "" {
		return errors.New("registry lists no tarball")
	}
	check, err := newChecksum(pm.Dist.Integrity, pm.Dist.Shasum)
	if err != nil {
		return err
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(pm.Dist.Tarball)
	if err != nil {
		return fmt.Errorf("download tarball: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("download tarball: registry returned %s", resp.Status())
	}

	tee := io.TeeReader(io.LimitReader(body, maxTarballBytes), check)
	if err := archive.Extract(tee, dest, archive.ExtractOptions{StripComponents: 1}); err != nil {
		return fmt.Errorf("extract tarball: %w", err)
	}
	// The checksum covers the whole tarball, including bytes past the tar
	// trailer that Extract did not need.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return fmt.Errorf("read tarball: %w", err)
	}
	return check.verify()
}

// checksum hashes a tarball as it streams past and compares it with the
// registry's integrity string or, failing that, its sha1 shasum.
type checksum struct {
	algo string
	h    hash.Hash
	want []byte
}

var integrityAlgos = []struct {
	name string
	new  func() hash.Hash
}{
	{"sha512", sha512.New},
	{"sha384", sha512.New384},
	{"sha256", sha256.New},
	{"sha1", sha1.New},
}

func newChecksum(integrity, shasum string) (*checksum, error) {
	if integrity != "" {
		entries := make(map[string]string)
		for _, field := range strings.Fields(integrity) {
			if algo, digest, ok := strings.Cut(field, "-"); ok {
				if _, seen := entries[algo]; !seen {
					entries[algo] = digest
				}
			}
		}
		for _, a := range integrityAlgos {
			digest, ok := entries[a.name]
			if !ok {
				continue
			}
			want, err := base64.StdEncoding.DecodeString(digest)
			if err != nil {
				return nil, fmt.Errorf("decode integrity: %w", err)
			}
			return &checksum{algo: a.name, h: a.new(), want: want}, nil
		}
	}
	if shasum != "" {
		want, err := hex.DecodeString(shasum)
		if err != nil {
			return nil, fmt.Errorf("decode shasum: %w", err)
		}
		return &checksum{algo: "sha1", h: sha1.New(), want: want}, nil
	}
	return &checksum{}, nil
}

func (c *checksum) Write(p []byte) (int, error) {
	if c.h == nil {
		return len(p), nil
	}
	return c.h.Write(p)
}

func (c *checksum) verify() error {
	if c.h == nil {
		return nil
	}
	if !bytes.Equal(c.h.Sum(nil), c.want) {
		return fmt.Errorf("%w (%s)", ErrIntegrity, c.algo)
	}
	return nil
}
