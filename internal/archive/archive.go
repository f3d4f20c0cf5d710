// Package archive snapshots a directory tree into a compressed tarball and
// expands such tarballs back over a directory.
package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Artifact describes a file produced by an archiver or dump.
type Artifact struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// Archiver is the filesystem archive capability.
type Archiver interface {
	// Archive writes a compressed snapshot of root to dest, skipping paths
	// matched by excludes.
	Archive(ctx context.Context, root string, excludes []string, dest string) (Artifact, error)
	// Extract expands src over root.
	Extract(ctx context.Context, src, root string) error
}

// Matcher decides whether a root-relative, slash separated path is excluded.
// Patterns without a slash match the base name of any path segment; patterns
// with a slash match the whole relative path (doublestar syntax).
type Matcher struct {
	patterns []string
	skipAbs  []string
}

// NewMatcher builds a matcher. skipDirs are absolute paths that are always
// excluded, such as the backup directory itself.
func NewMatcher(patterns []string, skipDirs ...string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(filepath.ToSlash(p))
		p = strings.TrimPrefix(strings.TrimSuffix(p, "/"), "./")
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &os.PathError{Op: "exclude", Path: p, Err: doublestar.ErrBadPattern}
		}
		m.patterns = append(m.patterns, p)
	}
	for _, d := range skipDirs {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, err
		}
		m.skipAbs = append(m.skipAbs, filepath.Clean(abs))
	}
	return m, nil
}

// Excluded reports whether rel (relative to the archive root) or abs should
// be left out.
func (m *Matcher) Excluded(rel, abs string) bool {
	for _, skip := range m.skipAbs {
		if abs == skip || strings.HasPrefix(abs, skip+string(filepath.Separator)) {
			return true
		}
	}
	rel = filepath.ToSlash(rel)
	base := path.Base(rel)
	for _, p := range m.patterns {
		if strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, rel); ok {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}

func statArtifact(dest string) (Artifact, error) {
	info, err := os.Stat(dest)
	if err != nil {
		return Artifact{}, err
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	return Artifact{Filename: filepath.Base(dest), Path: abs, Size: info.Size()}, nil
}
