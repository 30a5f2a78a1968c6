// Package archive reads and writes the gzip-compressed tarballs used for npm
// packages and microVM bundles.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultMaxFileBytes caps a single extracted file.
const DefaultMaxFileBytes = 64 << 20

// ExtractOptions tune Extract.
type ExtractOptions struct {
	// StripComponents drops this many leading path elements from every
	// entry, like tar --strip-components. npm tarballs use 1.
	StripComponents int
	// MaxFileBytes caps each file; zero means DefaultMaxFileBytes.
	MaxFileBytes int64
}

// ErrFileTooLarge is returned when an entry exceeds MaxFileBytes.
var ErrFileTooLarge = errors.New("archive entry too large")

// Extract unpacks a tar.gz stream into dir. Every entry is checked to stay
// inside dir. Only directories and regular files are materialized.
func Extract(r io.Reader, dir string, opts ExtractOptions) error {
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := strip(hdr.Name, opts.StripComponents)
		if name == "" {
			continue
		}
		target, err := Within(absDir, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if hdr.Size > maxBytes {
				return fmt.Errorf("%s: %w", hdr.Name, ErrFileTooLarge)
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode(), maxBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode, maxBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	// npm tarballs frequently carry 0o000 or 0o666 modes; normalize.
	perm := os.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxBytes)); err != nil {
		f.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	return f.Close()
}

func strip(name string, n int) string {
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
	for i := 0; i < n; i++ {
		_, rest, ok := strings.Cut(name, "/")
		if !ok {
			return ""
		}
		name = rest
	}
	return name
}

// Within joins rel onto baseDir and fails if the result escapes baseDir.
func Within(baseDir, rel string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, rel))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) && cleaned != absBase {
		return "", fmt.Errorf("path %q escapes %s", rel, baseDir)
	}
	return cleaned, nil
}

// Source maps a directory on disk to a prefix inside an archive.
type Source struct {
	Dir    string
	Prefix string
}

// Pack writes a tar.gz of the given sources to w. Symlinks are skipped.
// Missing source directories are ignored.
func Pack(w io.Writer, sources ...Source) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, src := range sources {
		if _, err := os.Stat(src.Dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(src.Dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src.Dir, p)
			if err != nil {
				return err
			}
			name := path.Join(src.Prefix, filepath.ToSlash(rel))
			if name == "." || name == "" {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			switch {
			case d.IsDir():
				return tw.WriteHeader(&tar.Header{
					Name:     name + "/",
					Typeflag: tar.TypeDir,
					Mode:     0o755,
					ModTime:  info.ModTime(),
				})
			case info.Mode().IsRegular():
				return addFile(tw, p, name, info)
			default:
				return nil
			}
		})
		if err != nil {
			return fmt.Errorf("pack %s: %w", src.Dir, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
