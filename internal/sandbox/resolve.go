package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
)

var moduleExtensions = []string{".js", ".cjs", ".json"}

// resolvePath applies CommonJS file and directory resolution to p.
func resolvePath(p string) (string, bool) {
	if f, ok := resolveFile(p); ok {
		return f, true
	}
	return resolveDir(p)
}

func resolveFile(p string) (string, bool) {
	if isFile(p) {
		return p, true
	}
	for _, ext := range moduleExtensions {
		if isFile(p + ext) {
			return p + ext, true
		}
	}
	return "", false
}

func resolveDir(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err == nil {
		var pkg struct {
			Main    string          `json:"main"`
			Exports json.RawMessage `json:"exports"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			if target := exportsEntry(pkg.Exports); target != "" {
				if f, ok := resolveFile(filepath.Join(dir, filepath.FromSlash(target))); ok {
					return f, true
				}
			}
			if pkg.Main != "" {
				main := filepath.Join(dir, filepath.FromSlash(pkg.Main))
				if f, ok := resolveFile(main); ok {
					return f, true
				}
				if f, ok := resolveIndex(main); ok {
					return f, true
				}
			}
		}
	}
	return resolveIndex(dir)
}

func resolveIndex(dir string) (string, bool) {
	for _, ext := range moduleExtensions {
		if f := filepath.Join(dir, "index"+ext); isFile(f) {
			return f, true
		}
	}
	return "", false
}

// exportsEntry picks the CommonJS entry point from a package.json "exports"
// field. Only the root entry is considered.
func exportsEntry(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	if root, ok := m["."]; ok {
		return exportsEntry(root)
	}
	for _, cond := range []string{"require", "node", "default"} {
		if v, ok := m[cond]; ok {
			if target := exportsEntry(v); target != "" {
				return target
			}
		}
	}
	return ""
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
