package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Files of a run bundle.
const (
	HarnessFile = "harness.js"
	ScriptFile  = "script.js"
	InputFile   = "input.json"
)

//go:embed harness.js
var harness []byte

// Harness returns the Node.js harness source.
func Harness() []byte { return harness }

// WriteBundle writes the harness, the script and the inputs of inv into dir.
// The files are world-readable so unprivileged container users can read
// them.
func WriteBundle(dir string, inv Invocation) error {
	inputs := inv.Inputs
	if inputs == nil {
		inputs = []json.RawMessage{}
	}
	input, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}

	files := map[string][]byte{
		HarnessFile: harness,
		ScriptFile:  []byte(inv.Source),
		InputFile:   input,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// ScratchPrefix starts the name of every per-run scratch directory.
const ScratchPrefix = "run-"

// newScratch creates a per-run directory under root holding the bundle.
func newScratch(root string, inv Invocation) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create exec dir: %w", err)
	}
	dir, err := os.MkdirTemp(root, ScratchPrefix+safeID(inv.ID)+"-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("chmod scratch dir: %w", err)
	}
	if err := WriteBundle(dir, inv); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func safeID(id string) string {
	id = strings.ToLower(id)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, id)
}
