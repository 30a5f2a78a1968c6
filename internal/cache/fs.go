package cache

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const maxDirKeyLen = 40

// dirName maps a cache key to a stable, filesystem-safe directory name. The
// readable prefix is for operators; the hash keeps distinct keys apart.
func dirName(key string) string {
	var b strings.Builder
	for _, r := range key {
		if b.Len() >= maxDirKeyLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf("%s-%016x", b.String(), xxhash.Sum64String(key))
}

// DirSize returns the total size of the regular files under dir. Symlinks
// are not followed.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", dir, err)
	}
	return total, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
