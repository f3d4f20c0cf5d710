package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rowjay/intranet-backup/internal/archive"
	"github.com/rowjay/intranet-backup/internal/compress"
)

// CreateResult describes a freshly written backup set.
type CreateResult struct {
	Manifest BackupInfo       `json:"manifest"`
	Database archive.Artifact `json:"database"`
	System   archive.Artifact `json:"system"`
}

// CreateBackup dumps the database, archives the application root and only
// then writes the manifest. On error no manifest exists; an already written
// database artifact may be left behind as an orphan. The mirror upload runs
// after the operation lock is released.
func (s *Service) CreateBackup(ctx context.Context) (CreateResult, error) {
	res, err := s.createLocked(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	s.push(ctx, res)
	return res, nil
}

func (s *Service) createLocked(ctx context.Context) (CreateResult, error) {
	release, err := s.acquire("create")
	if err != nil {
		return CreateResult{}, err
	}
	defer release()

	started := s.now()
	runCtx := ctx
	if s.backup.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.backup.Timeout)
		defer cancel()
	}

	res, err := s.createBackup(runCtx)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s: %w", ErrBackupFailed, s.backup.Timeout, err)
		} else {
			err = fmt.Errorf("%w: %w", ErrBackupFailed, err)
		}
		s.finish(ctx, "create", "", started, err, "backup failed")
		return CreateResult{}, err
	}

	s.metrics.SetArtifactSize(RoleDatabase, res.Database.Size)
	s.metrics.SetArtifactSize(RoleSystem, res.System.Size)
	if infos, lerr := s.store.List(ctx); lerr == nil {
		s.metrics.SetBackupSets(len(infos))
	}
	s.finish(ctx, "create", res.Manifest.Filename, started, nil, "backup created")
	return res, nil
}

func (s *Service) createBackup(ctx context.Context) (CreateResult, error) {
	id, err := NewSetID(s.now())
	if err != nil {
		return CreateResult{}, err
	}
	if err := os.MkdirAll(filepath.Join(s.store.Root, DatabaseDir), 0o750); err != nil {
		return CreateResult{}, fmt.Errorf("create backup directory: %w", err)
	}

	dbName := id.Filename(RoleDatabase, s.tool.Extension())
	dbArt, err := s.dumpDatabase(ctx, s.store.DatabasePath(dbName))
	if err != nil {
		return CreateResult{}, fmt.Errorf("database dump: %w", err)
	}
	s.log.Info().Str("artifact", dbName).Int64("size", dbArt.Size).Msg("database dump written")

	sysName := id.Filename(RoleSystem, s.systemExt())
	sysArt, err := s.archiver.Archive(ctx, s.backup.AppRoot, s.backup.Excludes, s.store.SystemPath(sysName))
	if err != nil {
		return CreateResult{}, fmt.Errorf("filesystem archive: %w", err)
	}
	if sysArt.Size == 0 {
		return CreateResult{}, fmt.Errorf("filesystem archive %s is empty", sysName)
	}
	s.log.Info().Str("artifact", sysName).Int64("size", sysArt.Size).Msg("filesystem archive written")

	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	info, err := s.store.Write(id, Manifest{
		Timestamp:      id.ISO(),
		DatabaseBackup: dbName,
		SystemBackup:   sysName,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("write manifest: %w", err)
	}
	return CreateResult{Manifest: info, Database: dbArt, System: sysArt}, nil
}

// dumpDatabase streams the tool's dump through gzip into dest. A failed or
// empty dump removes dest.
func (s *Service) dumpDatabase(ctx context.Context, dest string) (art archive.Artifact, err error) {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return archive.Artifact{}, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	comp, err := compress.WrapWriter(compress.FromFilename(dest), file)
	if err != nil {
		file.Close()
		return archive.Artifact{}, err
	}
	counter := &countingWriter{w: comp}
	dumpErr := s.tool.Dump(ctx, counter)
	closeErr := comp.Close()
	if dumpErr == nil {
		dumpErr = closeErr
	}
	if dumpErr == nil {
		dumpErr = file.Sync()
	}
	if cerr := file.Close(); dumpErr == nil {
		dumpErr = cerr
	}
	if dumpErr != nil {
		return archive.Artifact{}, dumpErr
	}
	if counter.n == 0 {
		return archive.Artifact{}, fmt.Errorf("%s produced no output", s.tool.Name())
	}

	stat, err := os.Stat(dest)
	if err != nil {
		return archive.Artifact{}, err
	}
	return archive.Artifact{Filename: filepath.Base(dest), Path: dest, Size: stat.Size()}, nil
}

// push copies the set to the mirror. Failures are logged and counted only.
func (s *Service) push(ctx context.Context, res CreateResult) {
	if s.mirror == nil {
		return
	}
	started := s.now()
	files := []string{
		filepath.Join(DatabaseDir, res.Database.Filename),
		res.System.Filename,
		res.Manifest.Filename,
	}
	if s.mirror.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.mirror.Timeout)
		defer cancel()
	}
	err := s.mirror.PushSet(ctx, s.store.Root, files)
	s.metrics.Observe("mirror", started, err)
	if err != nil {
		s.log.Warn().Err(err).Str("manifest", res.Manifest.Filename).Msg("mirror upload failed")
		return
	}
	s.log.Info().Str("manifest", res.Manifest.Filename).Msg("backup set mirrored")
}
