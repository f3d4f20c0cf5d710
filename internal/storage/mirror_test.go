package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/config"
)

func seedSet(t *testing.T, root string) []string {
	t.Helper()
	files := map[string]string{
		"manifest_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.json":                `{"timestamp":"2024-05-01T02:00:00.000Z"}`,
		"database/database_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.archive.gz": "dump-bytes",
		"full_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.tar.gz":                  "archive-bytes",
	}
	var rels []string
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels
}

func TestMirrorPushFetchRemove(t *testing.T) {
	root := t.TempDir()
	remote := t.TempDir()
	files := seedSet(t, root)

	m, err := NewMirror(config.MirrorConfig{Backend: "local", Prefix: "/intranet/", Local: config.LocalStore{Path: remote}, RetryCount: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	ctx := context.Background()
	if err := m.PushSet(ctx, root, files); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "intranet", "database", "database_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.archive.gz")); err != nil {
		t.Fatalf("expected mirrored dump: %v", err)
	}

	got, err := m.Remote(ctx)
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(files, ",") {
		t.Fatalf("unexpected remote listing: %v", got)
	}

	restoreRoot := t.TempDir()
	if err := m.Fetch(ctx, files[0], restoreRoot); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want, _ := os.ReadFile(filepath.Join(root, filepath.FromSlash(files[0])))
	have, _ := os.ReadFile(filepath.Join(restoreRoot, filepath.FromSlash(files[0])))
	if !bytes.Equal(want, have) {
		t.Fatalf("fetched content mismatch")
	}

	if err := m.RemoveSet(ctx, files); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.RemoveSet(ctx, files); err != nil {
		t.Fatalf("second remove should ignore missing objects: %v", err)
	}
	if err := m.Fetch(ctx, files[0], restoreRoot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMirrorEncryptsUploads(t *testing.T) {
	root := t.TempDir()
	remote := t.TempDir()
	files := seedSet(t, root)
	key := "hex:" + strings.Repeat("ab", 32)

	m, err := NewMirror(config.MirrorConfig{Backend: "local", Local: config.LocalStore{Path: remote}, EncryptionKey: key}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	ctx := context.Background()
	if err := m.PushSet(ctx, root, files); err != nil {
		t.Fatalf("push: %v", err)
	}

	rel := "full_backup_0a1b2c3d_2024-05-01T02-00-00-000Z.tar.gz"
	raw, err := os.ReadFile(filepath.Join(remote, rel+EncryptedSuffix))
	if err != nil {
		t.Fatalf("expected encrypted object: %v", err)
	}
	if bytes.Contains(raw, []byte("archive-bytes")) {
		t.Fatalf("remote object is not encrypted")
	}

	out := t.TempDir()
	if err := m.Fetch(ctx, rel, out); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(out, rel))
	if string(data) != "archive-bytes" {
		t.Fatalf("unexpected decrypted content %q", data)
	}
}

type flakyStore struct {
	Storage
	failures int
}

func (f *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	if f.failures > 0 {
		f.failures--
		_, _ = io.Copy(io.Discard, r)
		return errors.New("connection reset")
	}
	return f.Storage.Put(ctx, key, r, size, meta)
}

func TestMirrorRetriesUploads(t *testing.T) {
	root := t.TempDir()
	files := seedSet(t, root)[:1]
	store := &flakyStore{Storage: NewLocal(t.TempDir()), failures: 2}
	m := &Mirror{Store: store, RetryCount: 3, Log: zerolog.Nop()}
	if err := m.PushSet(context.Background(), root, files); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}

	store.failures = 5
	if err := m.PushSet(context.Background(), root, files); err == nil {
		t.Fatalf("expected failure after retries are exhausted")
	}
}

func TestNewMirrorDisabled(t *testing.T) {
	m, err := NewMirror(config.MirrorConfig{}, zerolog.Nop())
	if err != nil || m != nil {
		t.Fatalf("expected nil mirror, got %v %v", m, err)
	}
	if _, err := NewMirror(config.MirrorConfig{Backend: "ftp"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}
