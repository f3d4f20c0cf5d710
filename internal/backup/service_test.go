package backup

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/intranet-backup/internal/archive"
	"github.com/rowjay/intranet-backup/internal/compress"
)

func TestCreateBackupWritesConsistentSet(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.create(t)

	for _, p := range []string{res.Manifest.Path, res.Database.Path, res.System.Path} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}
	if filepath.Dir(res.Database.Path) != filepath.Join(env.root, DatabaseDir) {
		t.Fatalf("database artifact not in database/: %s", res.Database.Path)
	}
	if res.Database.Size == 0 || res.System.Size == 0 {
		t.Fatalf("expected non-empty artifacts: %+v", res)
	}
	if !res.Manifest.Valid {
		t.Fatalf("expected valid manifest: %+v", res.Manifest)
	}

	raw, err := os.ReadFile(res.Manifest.Path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("manifest json: %v", err)
	}
	if len(doc) != 3 || doc["databaseBackup"] != res.Database.Filename || doc["systemBackup"] != res.System.Filename {
		t.Fatalf("unexpected manifest: %s", raw)
	}

	// Filename timestamp and embedded timestamp are the same instant.
	parsed, err := ParseFilename(res.Manifest.Filename)
	if err != nil {
		t.Fatalf("parse manifest name: %v", err)
	}
	embedded, err := time.Parse(time.RFC3339Nano, doc["timestamp"])
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if !parsed.Time.Equal(embedded) {
		t.Fatalf("timestamps disagree: %s vs %s", parsed.Time, embedded)
	}
	for _, name := range []string{res.Database.Filename, res.System.Filename} {
		p, err := ParseFilename(name)
		if err != nil || p.Hex != parsed.Hex || !p.Time.Equal(parsed.Time) {
			t.Fatalf("artifact %s does not share the set id: %+v %v", name, p, err)
		}
	}

	if got := gunzipFile(t, res.Database.Path); string(got) != "mongodump archive payload" {
		t.Fatalf("unexpected dump content %q", got)
	}

	entries := archiveEntries(t, res.System.Path)
	for _, want := range []string{"uploads/avatar.png", "config/settings.json", "data/phonebook.csv"} {
		if !entries[want] {
			t.Fatalf("expected %s in archive, got %v", want, entries)
		}
	}
	for name := range entries {
		if strings.HasPrefix(name, "backups") || strings.HasPrefix(name, ".git") || name == ".env" ||
			strings.HasPrefix(name, "node_modules") || strings.HasPrefix(name, "logs") {
			t.Fatalf("archive contains excluded entry %s", name)
		}
	}

	if ev := env.notifier.last(); ev.Operation != "create" || ev.Status != "success" || ev.Manifest != res.Manifest.Filename {
		t.Fatalf("unexpected notification: %+v", ev)
	}
}

func archiveEntries(t *testing.T, path string) map[string]bool {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	r, err := compress.WrapReader(compress.FromFilename(path), f)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	defer r.Close()
	tr := tar.NewReader(r)
	out := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		out[strings.TrimSuffix(strings.TrimPrefix(hdr.Name, "./"), "/")] = true
	}
	return out
}

func TestCreateBackupDumpFailureWritesNoManifest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)
	before, _ := env.svc.ListBackups(context.Background())

	env.tool.setDumpErr(errors.New("exit status 1"))
	_, err := env.svc.CreateBackup(context.Background())
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if out := ToolOutput(err); !strings.Contains(out, "connection refused") {
		t.Fatalf("expected tool output on error, got %q", out)
	}

	after, _ := env.svc.ListBackups(context.Background())
	if len(after) != len(before) {
		t.Fatalf("listing changed after failed backup: %d -> %d", len(before), len(after))
	}
	if got := tree(t, filepath.Join(env.root, DatabaseDir)); len(got) != 1 {
		t.Fatalf("failed dump left files behind: %v", got)
	}
	if ev := env.notifier.last(); ev.Status != "failed" || ev.Output == "" {
		t.Fatalf("expected failure notification with output, got %+v", ev)
	}
}

func TestCreateBackupRejectsEmptyDump(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tool.setDump(nil)
	if _, err := env.svc.CreateBackup(context.Background()); !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if got := env.manifests(t); len(got) != 0 {
		t.Fatalf("expected no manifest, got %v", got)
	}
}

func TestCreateBackupArchiveFailureLeavesOrphan(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Archiver = &failingArchiver{} })

	_, err := env.svc.CreateBackup(context.Background())
	if !errors.Is(err, ErrBackupFailed) || !strings.Contains(err.Error(), "Permission denied") {
		t.Fatalf("expected archive failure, got %v", err)
	}
	if got := env.manifests(t); len(got) != 0 {
		t.Fatalf("expected no manifest, got %v", got)
	}

	orphans, err := env.svc.Store().Orphans(context.Background())
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 1 || !strings.HasPrefix(orphans[0].Rel, "database/database_backup_") {
		t.Fatalf("expected one orphaned dump, got %+v", orphans)
	}

	res, err := env.svc.SweepOrphans(context.Background(), time.Hour, false)
	if err != nil || len(res.Removed) != 0 {
		t.Fatalf("fresh orphan should survive an hour cutoff: %+v %v", res, err)
	}
	res, err = env.svc.SweepOrphans(context.Background(), -time.Hour, true)
	if err != nil || len(res.Removed) != 1 {
		t.Fatalf("dry run should report the orphan: %+v %v", res, err)
	}
	if _, err := os.Stat(orphans[0].Path); err != nil {
		t.Fatalf("dry run removed the orphan")
	}
	res, err = env.svc.SweepOrphans(context.Background(), -time.Hour, false)
	if err != nil || len(res.Removed) != 1 || res.Bytes != orphans[0].Size {
		t.Fatalf("unexpected sweep result %+v %v", res, err)
	}
	if _, err := os.Stat(orphans[0].Path); !os.IsNotExist(err) {
		t.Fatalf("orphan still present: %v", err)
	}
}

func TestCreateBackupTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Backup.Timeout = 100 * time.Millisecond })
	env.tool.mu.Lock()
	env.tool.hangDump = true
	env.tool.mu.Unlock()

	start := time.Now()
	_, err := env.svc.CreateBackup(context.Background())
	if !errors.Is(err, ErrBackupFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out backup, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("backup timeout not enforced")
	}
	if got := env.manifests(t); len(got) != 0 {
		t.Fatalf("expected no manifest, got %v", got)
	}
}

func TestCreateBackupZstdArchive(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Archiver = &archive.Native{Compression: compress.TypeZstd, SkipDirs: []string{o.Backup.RootDir}}
	})
	res := env.create(t)
	if !strings.HasSuffix(res.System.Filename, ".tar.zst") {
		t.Fatalf("expected tar.zst archive, got %s", res.System.Filename)
	}
	if !archiveEntries(t, res.System.Path)["uploads/avatar.png"] {
		t.Fatalf("zstd archive is missing files")
	}
}

func TestConcurrentOperationsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	release, err := env.svc.guard.Acquire("create")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if st := env.svc.Status(); !st.Busy || st.Operation != "create" {
		t.Fatalf("expected busy status, got %+v", st)
	}
	if _, err := env.svc.CreateBackup(context.Background()); !errors.Is(err, ErrBackupInProgress) {
		t.Fatalf("create: expected ErrBackupInProgress, got %v", err)
	}
	if _, err := env.svc.RestoreBackup(context.Background(), "manifest_backup_00000000_2024-05-01T02-00-00-000Z"); !errors.Is(err, ErrBackupInProgress) {
		t.Fatalf("restore: expected ErrBackupInProgress, got %v", err)
	}
	if _, err := env.svc.RotateBackups(context.Background()); !errors.Is(err, ErrBackupInProgress) {
		t.Fatalf("rotate: expected ErrBackupInProgress, got %v", err)
	}
	if _, err := env.svc.DeleteBackup(context.Background(), "x"); !errors.Is(err, ErrBackupInProgress) {
		t.Fatalf("delete: expected ErrBackupInProgress, got %v", err)
	}
	release()

	env.create(t)
	if st := env.svc.Status(); st.Busy {
		t.Fatalf("guard not released: %+v", st)
	}
}

func TestParallelCreatesNeverInterleave(t *testing.T) {
	env := newTestEnv(t, nil)
	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := env.svc.CreateBackup(context.Background())
			errs <- err
		}()
	}
	ok := 0
	for i := 0; i < n; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBackupInProgress):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok == 0 || len(env.manifests(t)) != ok {
		t.Fatalf("expected %d manifests, got %v", ok, env.manifests(t))
	}
}
