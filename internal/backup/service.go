// Package backup produces, lists, restores, deletes and rotates backup sets:
// a manifest plus the database dump and filesystem archive it references.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/archive"
	"github.com/rowjay/intranet-backup/internal/compress"
	"github.com/rowjay/intranet-backup/internal/config"
	"github.com/rowjay/intranet-backup/internal/db"
	"github.com/rowjay/intranet-backup/internal/lock"
	"github.com/rowjay/intranet-backup/internal/metrics"
	"github.com/rowjay/intranet-backup/internal/notify"
	"github.com/rowjay/intranet-backup/internal/storage"
)

const notifyTimeout = 15 * time.Second

type Options struct {
	Backup   config.BackupConfig
	Restore  config.RestoreConfig
	Tool     db.Tool
	Archiver archive.Archiver
	Guard    *lock.Guard
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	// Mirror is optional; nil disables off-site copies.
	Mirror *storage.Mirror
	Log    zerolog.Logger
	Now    func() time.Time
}

type Service struct {
	backup   config.BackupConfig
	restore  config.RestoreConfig
	tool     db.Tool
	archiver archive.Archiver
	guard    *lock.Guard
	metrics  *metrics.Metrics
	notifier notify.Notifier
	mirror   *storage.Mirror
	store    *ManifestStore
	log      zerolog.Logger
	now      func() time.Time
	status   *tracker
}

func New(opts Options) (*Service, error) {
	if opts.Tool == nil {
		return nil, errors.New("database tool is required")
	}
	if opts.Archiver == nil {
		return nil, errors.New("archiver is required")
	}
	if opts.Backup.RootDir == "" {
		return nil, errors.New("backup root directory is required")
	}
	root, err := filepath.Abs(opts.Backup.RootDir)
	if err != nil {
		return nil, err
	}
	opts.Backup.RootDir = root
	if opts.Backup.AppRoot == "" {
		opts.Backup.AppRoot = "."
	}
	if opts.Backup.MaxBackups < 1 {
		opts.Backup.MaxBackups = 3
	}
	if opts.Guard == nil {
		opts.Guard = lock.New(filepath.Join(root, ".ibk.lock"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log.With().Str("component", "backup").Logger()
	return &Service{
		backup:   opts.Backup,
		restore:  opts.Restore,
		tool:     opts.Tool,
		archiver: opts.Archiver,
		guard:    opts.Guard,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		mirror:   opts.Mirror,
		store:    NewManifestStore(root, log),
		log:      log,
		now:      opts.Now,
		status:   newTracker(),
	}, nil
}

// NewFromConfig wires the service from a loaded configuration.
func NewFromConfig(cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	tool, err := db.NewTool(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.Backup.RootDir)
	if err != nil {
		return nil, err
	}
	var archiver archive.Archiver
	switch cfg.Backup.ArchiveTool {
	case "tar":
		archiver = &archive.Tar{Bin: cfg.Backup.TarPath, SkipDirs: []string{root}, Log: log}
	default:
		archiver = &archive.Native{Compression: cfg.Backup.Compression, SkipDirs: []string{root}, Log: log}
	}
	mirror, err := storage.NewMirror(cfg.Mirror, log)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Backup:   cfg.Backup,
		Restore:  cfg.Restore,
		Tool:     tool,
		Archiver: archiver,
		Guard:    lock.New(cfg.Global.LockFile),
		Metrics:  m,
		Notifier: notify.FromConfig(cfg.Notifications),
		Mirror:   mirror,
		Log:      log,
	})
}

// Store exposes the manifest store backing the service.
func (s *Service) Store() *ManifestStore { return s.store }

// Tool returns the configured database tool.
func (s *Service) Tool() db.Tool { return s.tool }

// Mirror returns the configured mirror, or nil.
func (s *Service) Mirror() *storage.Mirror { return s.mirror }

type triggerKey struct{}

// WithTrigger tags ctx with what started an operation (schedule, http, cli).
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func triggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return "manual"
}

func (s *Service) acquire(op string) (func(), error) {
	release, err := s.guard.Acquire(op)
	if errors.Is(err, lock.ErrBusy) {
		return nil, fmt.Errorf("%w: %v", ErrBackupInProgress, err)
	}
	return release, err
}

// finish records metrics, status and notifications for a finished operation.
func (s *Service) finish(ctx context.Context, op, manifest string, started time.Time, err error, message string) {
	ended := s.now()
	status := statusFromErr(err)
	s.metrics.Observe(op, started, err)

	rec := OperationRecord{
		Operation: op,
		Status:    status,
		Manifest:  manifest,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started).Round(time.Millisecond).String(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.status.record(rec)

	event := s.log.Info()
	if err != nil {
		event = s.log.Error().Err(err)
	}
	event.Str("operation", op).Str("manifest", manifest).Dur("duration", ended.Sub(started)).Msg(message)

	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	ev := notify.Event{
		Operation: op,
		Trigger:   triggerFrom(ctx),
		Status:    status,
		Message:   message,
		Manifest:  manifest,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  rec.Duration,
		Error:     rec.Error,
		Output:    ToolOutput(err),
	}
	if nerr := s.notifier.Notify(nctx, ev); nerr != nil {
		s.log.Warn().Err(nerr).Str("operation", op).Msg("notification failed")
	}
}

func statusFromErr(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRestoreTimedOut), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "failed"
	}
}

// ListBackups returns all backup sets, newest first, flagging incomplete ones.
func (s *Service) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	infos, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetBackupSets(len(infos))
	return infos, nil
}

// Status reports the running operation, the latest restore state and the
// last result of every operation kind.
func (s *Service) Status() Status {
	restore, last := s.status.snapshot()
	holder := s.guard.Holder()
	return Status{Busy: holder != "", Operation: holder, Restore: restore, Last: last}
}

func (s *Service) systemExt() string {
	kind := compress.TypeGzip
	if native, ok := s.archiver.(*archive.Native); ok && native.Compression == compress.TypeZstd {
		kind = compress.TypeZstd
	}
	return "tar." + compress.Extension(kind)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
