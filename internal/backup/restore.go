package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rowjay/intranet-backup/internal/archive"
	"github.com/rowjay/intranet-backup/internal/compress"
	"github.com/rowjay/intranet-backup/internal/db"
)

// legacyDumpExt marks database artifacts that are a tarred dump directory.
const legacyDumpExt = ".tar.gz"

type RestoreResult struct {
	Manifest string        `json:"manifest"`
	Database string        `json:"database"`
	Duration time.Duration `json:"duration"`
}

// RestoreBackup replaces the database contents with the dump referenced by
// the manifest. It is not transactional: a failed or timed out restore can
// leave the database partially restored. There is no automatic retry.
func (s *Service) RestoreBackup(ctx context.Context, id string) (RestoreResult, error) {
	release, err := s.acquire("restore")
	if err != nil {
		return RestoreResult{}, err
	}
	defer release()

	started := s.now()
	s.status.restoreBegin(id, started)

	res, state, err := s.restoreBackup(ctx, id)
	s.status.restoreEnd(state, s.now(), err)
	res.Duration = s.now().Sub(started)
	if err != nil {
		s.finish(ctx, "restore", id, started, err, "database restore failed; database state may be mixed")
		return res, err
	}
	s.finish(ctx, "restore", res.Manifest, started, nil, "database restored")
	return res, nil
}

func (s *Service) restoreBackup(ctx context.Context, id string) (RestoreResult, RestoreState, error) {
	m, err := s.store.Read(id)
	if err != nil {
		return RestoreResult{Manifest: id}, StateFailed, err
	}
	name, _ := ManifestName(id)
	res := RestoreResult{Manifest: name, Database: m.DatabaseBackup}
	src := s.store.DatabasePath(m.DatabaseBackup)
	if !exists(src) {
		return res, StateFailed, fmt.Errorf("%w: %s: database artifact %s is missing", ErrManifestInvalid, name, m.DatabaseBackup)
	}

	s.status.restoreState(StateRestoringDatabase)
	runCtx := ctx
	if s.restore.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.restore.Timeout)
		defer cancel()
	}
	s.log.Warn().Str("manifest", name).Str("artifact", m.DatabaseBackup).Bool("drop", s.restore.DropExisting).
		Msg("restoring database; existing data will be replaced")

	opts := db.RestoreOptions{DropExisting: s.restore.DropExisting}
	if strings.HasSuffix(src, legacyDumpExt) {
		err = s.restoreLegacy(runCtx, src, opts)
	} else {
		err = s.restoreStream(runCtx, src, opts)
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res, StateTimedOut, fmt.Errorf("%w after %s: %w", ErrRestoreTimedOut, s.restore.Timeout, err)
		}
		return res, StateFailed, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	return res, StateSucceeded, nil
}

func (s *Service) restoreStream(ctx context.Context, src string, opts db.RestoreOptions) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, err := compress.WrapReader(compress.FromFilename(src), file)
	if err != nil {
		return err
	}
	defer reader.Close()
	return s.tool.Restore(ctx, reader, opts)
}

// restoreLegacy unpacks a tarred dump directory and restores from it. When
// the archive holds a single top-level directory, that directory is used.
func (s *Service) restoreLegacy(ctx context.Context, src string, opts db.RestoreOptions) error {
	tmp, err := os.MkdirTemp("", "ibk-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	extractor := &archive.Native{Log: s.log}
	if err := extractor.Extract(ctx, src, tmp); err != nil {
		return fmt.Errorf("unpack %s: %w", filepath.Base(src), err)
	}
	dir := tmp
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		dir = filepath.Join(tmp, entries[0].Name())
	}
	return s.tool.RestoreDir(ctx, dir, opts)
}

type RestoreFilesResult struct {
	Manifest string `json:"manifest"`
	System   string `json:"system"`
	// Snapshot is the pre-restore archive of the application root.
	Snapshot *archive.Artifact `json:"snapshot,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// RestoreFiles expands the set's filesystem archive over the application
// root. It requires confirm and first snapshots the current tree into
// pre-restore/ unless snapshots are disabled.
func (s *Service) RestoreFiles(ctx context.Context, id string, confirm bool) (RestoreFilesResult, error) {
	if !confirm {
		return RestoreFilesResult{}, ErrConfirmationRequired
	}
	release, err := s.acquire("restore-files")
	if err != nil {
		return RestoreFilesResult{}, err
	}
	defer release()

	started := s.now()
	res, err := s.restoreFiles(ctx, id)
	res.Duration = s.now().Sub(started)
	if err != nil {
		s.finish(ctx, "restore-files", id, started, err, "filesystem restore failed")
		return res, err
	}
	s.finish(ctx, "restore-files", res.Manifest, started, nil, "filesystem restored")
	return res, nil
}

func (s *Service) restoreFiles(ctx context.Context, id string) (RestoreFilesResult, error) {
	m, err := s.store.Read(id)
	if err != nil {
		return RestoreFilesResult{Manifest: id}, err
	}
	name, _ := ManifestName(id)
	res := RestoreFilesResult{Manifest: name, System: m.SystemBackup}
	if m.SystemBackup == "" {
		return res, fmt.Errorf("%w: %s has no systemBackup", ErrManifestInvalid, name)
	}
	src := s.store.SystemPath(m.SystemBackup)
	if !exists(src) {
		return res, fmt.Errorf("%w: %s: system artifact %s is missing", ErrManifestInvalid, name, m.SystemBackup)
	}

	if s.restore.SnapshotFiles {
		snapID, err := NewSetID(s.now())
		if err != nil {
			return res, err
		}
		dest := filepath.Join(s.store.Root, PreRestoreDir, snapID.Filename(RolePreRestore, s.systemExt()))
		snap, err := s.archiver.Archive(ctx, s.backup.AppRoot, s.backup.Excludes, dest)
		if err != nil {
			return res, fmt.Errorf("%w: pre-restore snapshot: %w", ErrRestoreFailed, err)
		}
		s.log.Info().Str("snapshot", snap.Path).Int64("size", snap.Size).Msg("pre-restore snapshot written")
		res.Snapshot = &snap
	}

	if err := s.archiver.Extract(ctx, src, s.backup.AppRoot); err != nil {
		return res, fmt.Errorf("%w: extract %s: %w", ErrRestoreFailed, m.SystemBackup, err)
	}
	return res, nil
}
