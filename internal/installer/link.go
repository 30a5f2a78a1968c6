package installer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// linkTree recreates src under dst. Regular files are hard-linked, falling
// back to a copy when linking is not possible; symlinks are recreated.
func linkTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			if err := os.Link(p, target); err == nil {
				return nil
			}
			return copyFile(p, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// movePath renames src to dst, replacing dst. It falls back to link-and-delete
// when a rename is not possible.
func movePath(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := linkTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

// topLevelPackages lists the package names directly under a node_modules
// directory, expanding @scope directories. Hidden entries such as .bin are
// skipped.
func topLevelPackages(modules string) ([]string, error) {
	dirents, err := os.ReadDir(modules)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, d := range dirents {
		name := d.Name()
		if strings.HasPrefix(name, ".") || !d.IsDir() {
			continue
		}
		if !strings.HasPrefix(name, "@") {
			names = append(names, name)
			continue
		}
		scoped, err := os.ReadDir(filepath.Join(modules, name))
		if err != nil {
			return nil, err
		}
		for _, s := range scoped {
			if s.IsDir() && !strings.HasPrefix(s.Name(), ".") {
				names = append(names, name+"/"+s.Name())
			}
		}
	}
	return names, nil
}

// mergeStaged moves freshly fetched packages from staged into live.
//
// Requested packages always replace what live holds. A transitive package
// moves to the top level when live has no package of that name or holds the
// same version. When live holds a different version, the staged copy is
// nested under each requested package so the new packages still resolve the
// version they were fetched with while existing packages keep theirs.
func mergeStaged(staged, live string, requested map[string]bool) error {
	names, err := topLevelPackages(staged)
	if err != nil {
		return fmt.Errorf("list staged packages: %w", err)
	}

	var conflicts []string
	for _, name := range names {
		src := filepath.Join(staged, filepath.FromSlash(name))
		dst := filepath.Join(live, filepath.FromSlash(name))

		if requested[name] {
			if err := movePath(src, dst); err != nil {
				return fmt.Errorf("install %s: %w", name, err)
			}
			continue
		}

		existing, err := PackageVersion(dst)
		if err != nil {
			if err := movePath(src, dst); err != nil {
				return fmt.Errorf("install %s: %w", name, err)
			}
			continue
		}
		if fetched, _ := PackageVersion(src); fetched == existing {
			continue
		}
		conflicts = append(conflicts, name)
	}

	for _, name := range conflicts {
		src := filepath.Join(staged, filepath.FromSlash(name))
		for owner := range requested {
			nested := filepath.Join(live, filepath.FromSlash(owner), "node_modules", filepath.FromSlash(name))
			if _, err := os.Stat(nested); err == nil {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(nested), 0o755); err != nil {
				return err
			}
			if err := linkTree(src, nested); err != nil {
				return fmt.Errorf("nest %s under %s: %w", name, owner, err)
			}
		}
	}
	return nil
}
