package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/runbox/internal/model"
)

// Fetcher materializes packages into a staging directory. Packages land in
// dir/node_modules laid out the way Node resolves them: every requested
// package at the top level, transitive dependencies hoisted or nested.
//
// Fetch either installs every spec or returns an error; the caller discards
// dir on failure, so a fetcher need not clean up after itself.
type Fetcher interface {
	Name() string
	// Fetch returns the resolved version of each requested package.
	Fetch(ctx context.Context, dir string, specs []model.PackageSpec) (map[string]string, error)
}

// FetchError names the package that could not be fetched.
type FetchError struct {
	Package string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Package, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type packageJSON struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// PackageVersion reads the version from dir/package.json.
func PackageVersion(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return "", err
	}
	var pj packageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return "", fmt.Errorf("decode %s/package.json: %w", dir, err)
	}
	if pj.Version == "" {
		return "", fmt.Errorf("%s/package.json has no version", dir)
	}
	return pj.Version, nil
}

// resolvedVersions reads back the installed version of each spec under
// modules.
func resolvedVersions(modules string, specs []model.PackageSpec) (map[string]string, error) {
	out := make(map[string]string, len(specs))
	for _, s := range specs {
		v, err := PackageVersion(filepath.Join(modules, filepath.FromSlash(s.Name)))
		if err != nil {
			return nil, &FetchError{Package: s.Name, Err: fmt.Errorf("not installed: %w", err)}
		}
		out[s.Name] = v
	}
	return out, nil
}
