package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Tar shells out to the system tar binary (GNU or bsdtar) with gzip.
type Tar struct {
	Bin      string
	SkipDirs []string
	Log      zerolog.Logger
}

func (t *Tar) bin() string {
	if t.Bin == "" {
		return "tar"
	}
	return t.Bin
}

func (t *Tar) Archive(ctx context.Context, root string, excludes []string, dest string) (Artifact, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return Artifact{}, fmt.Errorf("create archive dir: %w", err)
	}
	args := t.archiveArgs(absRoot, excludes, dest)
	if err := t.run(ctx, args); err != nil {
		_ = os.Remove(dest)
		return Artifact{}, err
	}
	return statArtifact(dest)
}

func (t *Tar) archiveArgs(absRoot string, excludes []string, dest string) []string {
	args := []string{"-czf", dest}
	for _, skip := range append([]string{dest}, t.SkipDirs...) {
		abs, err := filepath.Abs(skip)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(absRoot, abs); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			args = append(args, "--exclude=./"+filepath.ToSlash(rel))
		}
	}
	for _, p := range excludes {
		args = append(args, "--exclude="+p)
	}
	return append(args, "-C", absRoot, ".")
}

func (t *Tar) Extract(ctx context.Context, src, root string) error {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return err
	}
	return t.run(ctx, []string{"-xzf", src, "-C", root})
}

func (t *Tar) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, t.bin(), args...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return fmt.Errorf("%s %s: %w: %s", t.bin(), args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
