package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/archive"
	"github.com/rowjay/intranet-backup/internal/compress"
	"github.com/rowjay/intranet-backup/internal/config"
	"github.com/rowjay/intranet-backup/internal/db"
	"github.com/rowjay/intranet-backup/internal/lock"
	"github.com/rowjay/intranet-backup/internal/notify"
)

// fakeTool stands in for mongodump/mongorestore.
type fakeTool struct {
	mu         sync.Mutex
	dump       []byte
	dumpErr    error
	hangDump   bool
	restoreErr error
	hang       bool
	restored   []byte
	restoreDir string
	dirFiles   []string
	opts       db.RestoreOptions
}

func (f *fakeTool) Name() string                   { return "fake" }
func (f *fakeTool) Extension() string              { return "archive.gz" }
func (f *fakeTool) Validate(context.Context) error { return nil }
func (f *fakeTool) lockedRestored() []byte         { f.mu.Lock(); defer f.mu.Unlock(); return f.restored }
func (f *fakeTool) lockedOpts() db.RestoreOptions  { f.mu.Lock(); defer f.mu.Unlock(); return f.opts }
func (f *fakeTool) setDump(b []byte)               { f.mu.Lock(); f.dump = b; f.mu.Unlock() }
func (f *fakeTool) setDumpErr(err error)           { f.mu.Lock(); f.dumpErr = err; f.mu.Unlock() }

func (f *fakeTool) Dump(ctx context.Context, dest io.Writer) error {
	f.mu.Lock()
	payload, dumpErr, hang := f.dump, f.dumpErr, f.hangDump
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return &db.ToolError{Tool: "mongodump", Err: ctx.Err()}
	}
	if dumpErr != nil {
		return &db.ToolError{Tool: "mongodump", Err: dumpErr, Output: "Failed: connection refused"}
	}
	_, err := dest.Write(payload)
	return err
}

func (f *fakeTool) Restore(ctx context.Context, src io.Reader, opts db.RestoreOptions) error {
	f.mu.Lock()
	hang, restoreErr := f.hang, f.restoreErr
	f.opts = opts
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return &db.ToolError{Tool: "mongorestore", Err: ctx.Err(), Output: "restoring intranet.users"}
	}
	if restoreErr != nil {
		return &db.ToolError{Tool: "mongorestore", Err: restoreErr, Output: "E11000 duplicate key error"}
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.restored = data
	f.mu.Unlock()
	return nil
}

func (f *fakeTool) RestoreDir(ctx context.Context, dir string, opts db.RestoreOptions) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	f.mu.Lock()
	f.restoreDir = filepath.Base(dir)
	f.dirFiles = files
	f.opts = opts
	f.mu.Unlock()
	return err
}

// failingArchiver fails every Archive call.
type failingArchiver struct{ archive.Native }

func (failingArchiver) Archive(context.Context, string, []string, string) (archive.Artifact, error) {
	return archive.Artifact{}, errors.New("tar: app: Cannot open: Permission denied")
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return notify.Event{}
	}
	return r.events[len(r.events)-1]
}

// stepClock advances one second per call so every set gets a distinct
// timestamp.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	appRoot  string
	root     string
	tool     *fakeTool
	notifier *recordingNotifier
	svc      *Service
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	appRoot := t.TempDir()
	root := filepath.Join(appRoot, "backups")
	seed := map[string]string{
		"uploads/avatar.png":   "png-bytes",
		"config/settings.json": `{"site":"intranet"}`,
		".env":                 "MONGODB_URI=secret",
		".git/HEAD":            "ref: refs/heads/main",
		"node_modules/x/i.js":  "module.exports = 1",
		"logs/app.log":         "log line",
		"data/phonebook.csv":   "name,ext",
	}
	for rel, content := range seed {
		p := filepath.Join(appRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	env := &testEnv{
		appRoot:  appRoot,
		root:     root,
		tool:     &fakeTool{dump: []byte("mongodump archive payload")},
		notifier: &recordingNotifier{},
	}
	clock := &stepClock{t: time.Now().UTC().Truncate(time.Second)}
	opts := Options{
		Backup: config.BackupConfig{
			RootDir:    root,
			AppRoot:    appRoot,
			MaxBackups: 3,
			Excludes:   config.DefaultExcludes,
			Timeout:    time.Minute,
		},
		Restore: config.RestoreConfig{
			Timeout:       time.Minute,
			DropExisting:  true,
			SnapshotFiles: true,
		},
		Tool:     env.tool,
		Archiver: &archive.Native{SkipDirs: []string{root}, Log: zerolog.Nop()},
		Guard:    lock.New(filepath.Join(t.TempDir(), "ibk.lock")),
		Notifier: env.notifier,
		Log:      zerolog.Nop(),
		Now:      clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) create(t *testing.T) CreateResult {
	t.Helper()
	res, err := e.svc.CreateBackup(context.Background())
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	return res
}

func (e *testEnv) manifests(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.root)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read root: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if isManifestName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

// tree lists every file under dir, relative and slash separated.
func tree(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	sort.Strings(files)
	return files
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func gunzipFile(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	r, err := compress.WrapReader(compress.TypeGzip, f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf.Bytes()
}
