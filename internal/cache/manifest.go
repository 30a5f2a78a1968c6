package cache

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"
)

const manifestFile = "manifest.json"

// Package is one installed package recorded in a manifest.
type Package struct {
	Version    string `json:"version"`
	Constraint string `json:"constraint"`
}

// Manifest is the durable record of an entry's installed packages. It is
// rewritten in full on every commit.
type Manifest struct {
	Key        string             `json:"key"`
	Generation string             `json:"generation,omitempty"`
	Packages   map[string]Package `json:"packages"`
	SizeBytes  int64              `json:"sizeBytes"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

func emptyManifest(key string) Manifest {
	return Manifest{Key: key, Packages: map[string]Package{}}
}

func (m Manifest) clone() Manifest {
	m.Packages = maps.Clone(m.Packages)
	if m.Packages == nil {
		m.Packages = map[string]Package{}
	}
	return m
}

// readManifest loads dir's manifest. A missing file returns os.ErrNotExist.
func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Packages == nil {
		m.Packages = map[string]Package{}
	}
	return m, nil
}

// writeManifest replaces dir's manifest atomically: the new content is
// written and synced to a temp file that is then renamed over the old one.
func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, manifestFile)); err != nil {
		cleanup()
		return fmt.Errorf("rename manifest: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
