// Package archive implements the tar+gzip codec used for backup
// artifacts, with shell-glob exclusion rules loaded from ignore files.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"stash/internal/stash"
)

// TarGzArchiver implements stash.Archiver with the standard library
// tar and gzip codecs. The on-wire format is a plain .tgz so archives
// stay readable by ordinary tooling.
type TarGzArchiver struct{}

var _ stash.Archiver = (*TarGzArchiver)(nil)

func NewTarGzArchiver() *TarGzArchiver { return &TarGzArchiver{} }

// Create streams src as a gzip-compressed tar archive into w. For a
// directory the entries are rooted at the directory's base name, for a
// file the archive holds the single file. Entries matched by exclude are
// skipped; excluded directories are not descended into.
func (a *TarGzArchiver) Create(src string, w io.Writer, exclude stash.ExcludeFunc) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	root := strings.TrimRight(src, string(filepath.Separator))
	base := filepath.Base(root)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.Join(base, rel)
		}

		if rel != "." && exclude != nil && exclude(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Regular files and directories only; sockets, devices and
		// symlink targets outside the tree are not backed up.
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("building header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(name)

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header for %s: %w", path, err)
		}

		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archiving %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("finalizing gzip: %w", err)
	}
	return nil
}

// Extract unpacks a gzip-compressed tar archive from r into dir.
// Entries that would escape dir are rejected.
func (a *TarGzArchiver) Extract(r io.Reader, dir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(dir)+string(filepath.Separator)) &&
			filepath.Clean(target) != filepath.Clean(dir) {
			return fmt.Errorf("tar entry escapes target directory: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("writing %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", target, err)
			}
		default:
			// Skip links and special files.
		}
	}
}

// ExcludeRules builds the exclusion predicate for dir from the first
// matching ignore file: explicit extraFiles first, then the well-known
// names inside dir. Returns nil when no ignore file exists.
func (a *TarGzArchiver) ExcludeRules(dir string, extraFiles []string) (stash.ExcludeFunc, error) {
	candidates := append([]string{}, extraFiles...)
	for _, name := range IgnoreFileNames {
		candidates = append(candidates, filepath.Join(dir, name))
	}

	for _, path := range candidates {
		patterns, err := ParseIgnoreFile(path)
		if err != nil {
			return nil, err
		}
		if patterns == nil {
			continue
		}
		m := NewIgnoreMatcher(patterns)
		return m.Match, nil
	}
	return nil, nil
}
