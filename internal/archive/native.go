package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/compress"
)

// Native archives in process with archive/tar and internal/compress.
type Native struct {
	Compression string
	// SkipDirs are absolute directories always left out (the backup root).
	SkipDirs []string
	Log      zerolog.Logger
}

func (n *Native) Archive(ctx context.Context, root string, excludes []string, dest string) (art Artifact, err error) {
	matcher, err := NewMatcher(excludes, append([]string{dest}, n.SkipDirs...)...)
	if err != nil {
		return Artifact{}, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return Artifact{}, fmt.Errorf("create archive dir: %w", err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return Artifact{}, fmt.Errorf("create archive: %w", err)
	}
	closers := []io.Closer{out}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	comp, err := compress.WrapWriter(n.Compression, out)
	if err != nil {
		return Artifact{}, err
	}
	closers = append(closers, comp)
	tw := tar.NewWriter(comp)
	closers = append(closers, tw)

	files := 0
	walkErr := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if p == absRoot {
				return werr
			}
			n.Log.Warn().Err(werr).Str("path", p).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return err
		}
		if matcher.Excluded(rel, p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := addEntry(tw, p, filepath.ToSlash(rel), d); err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		return Artifact{}, fmt.Errorf("archive %s: %w", absRoot, walkErr)
	}

	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil {
			closers = closers[:i]
			return Artifact{}, cerr
		}
	}
	closers = nil

	n.Log.Debug().Int("entries", files).Str("dest", dest).Msg("filesystem archive written")
	return statArtifact(dest)
}

func addEntry(tw *tar.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	link := ""
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	case info.IsDir(), info.Mode().IsRegular():
	default:
		// sockets, devices and pipes have no place in an app snapshot
		return nil
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(tw, f, hdr.Size)
	return err
}

func (n *Native) Extract(ctx context.Context, src, root string) error {
	return extractTar(ctx, src, root)
}

// extractTar expands src over root, rejecting entries that would escape it.
func extractTar(ctx context.Context, src, root string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	comp, err := compress.WrapReader(compress.FromFilename(src), in)
	if err != nil {
		return err
	}
	defer comp.Close()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return err
	}

	tr := tar.NewReader(comp)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", src, err)
		}
		target, err := safeJoin(absRoot, hdr.Name)
		if err != nil {
			return err
		}
		if target == absRoot {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("refusing absolute symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(absRoot, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, root)
	}
	return target, nil
}
