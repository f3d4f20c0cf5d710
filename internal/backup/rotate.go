package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DeleteBackup removes one backup set. Artifact failures are reported in
// DeleteResult.Warnings and do not fail the call once the manifest is gone.
// An unparseable manifest fails with ErrManifestInvalid; DiscardBackup
// removes those.
func (s *Service) DeleteBackup(ctx context.Context, id string) (DeleteResult, error) {
	release, err := s.acquire("delete")
	if err != nil {
		return DeleteResult{}, err
	}
	defer release()

	started := s.now()
	res, err := s.deleteSet(ctx, id)
	if err != nil {
		s.finish(ctx, "delete", id, started, err, "backup deletion failed")
		return res, err
	}
	msg := "backup deleted"
	if len(res.Warnings) > 0 {
		msg = "backup deleted with warnings"
	}
	s.finish(ctx, "delete", res.Manifest, started, nil, msg)
	s.refreshCount(ctx)
	return res, nil
}

// DiscardBackup removes an unparseable manifest and leaves whatever it
// referenced for SweepOrphans.
func (s *Service) DiscardBackup(ctx context.Context, id string) (DeleteResult, error) {
	release, err := s.acquire("delete")
	if err != nil {
		return DeleteResult{}, err
	}
	defer release()

	started := s.now()
	res, err := s.store.Discard(ctx, id)
	if err != nil {
		s.finish(ctx, "delete", id, started, err, "manifest discard failed")
		return res, err
	}
	s.finish(ctx, "delete", res.Manifest, started, nil, "unreadable manifest discarded")
	s.refreshCount(ctx)
	return res, nil
}

func (s *Service) deleteSet(ctx context.Context, id string) (DeleteResult, error) {
	res, err := s.store.Delete(ctx, id)
	if err != nil {
		return res, err
	}
	if perr := res.Partial(); perr != nil {
		s.log.Warn().Err(perr).Str("manifest", res.Manifest).Msg("backup set partially deleted")
	}
	if s.mirror != nil {
		if merr := s.mirror.RemoveSet(ctx, res.Removed); merr != nil {
			s.log.Warn().Err(merr).Str("manifest", res.Manifest).Msg("failed to remove mirrored copies")
		}
	}
	return res, nil
}

type RotateFailure struct {
	Manifest string `json:"manifest"`
	Error    string `json:"error"`
}

type RotateResult struct {
	Kept    []string        `json:"kept"`
	Deleted []DeleteResult  `json:"deleted"`
	Failed  []RotateFailure `json:"failed,omitempty"`
}

// RotateBackups keeps the newest MaxBackups valid sets. Older valid sets and
// invalid sets older than the oldest kept one are deleted, oldest first.
// Newer invalid sets are left for an operator. Individual failures do not
// stop the remaining deletions.
func (s *Service) RotateBackups(ctx context.Context) (RotateResult, error) {
	release, err := s.acquire("rotate")
	if err != nil {
		return RotateResult{}, err
	}
	defer release()

	started := s.now()
	res, err := s.rotate(ctx)
	if err == nil && len(res.Failed) > 0 {
		s.log.Warn().Int("failed", len(res.Failed)).Msg("some backup sets could not be rotated")
	}
	msg := fmt.Sprintf("rotation kept %d, deleted %d", len(res.Kept), len(res.Deleted))
	s.finish(ctx, "rotate", "", started, err, msg)
	s.refreshCount(ctx)
	return res, err
}

func (s *Service) rotate(ctx context.Context) (RotateResult, error) {
	infos, err := s.store.List(ctx)
	if err != nil {
		return RotateResult{}, err
	}
	res := RotateResult{Kept: []string{}, Deleted: []DeleteResult{}}
	victims := rotationVictims(infos, s.backup.MaxBackups)
	doomed := map[string]bool{}
	for _, v := range victims {
		doomed[v.Filename] = true
	}
	for _, info := range infos {
		if !doomed[info.Filename] {
			res.Kept = append(res.Kept, info.Filename)
		}
	}

	for _, victim := range victims {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		del, err := s.deleteSet(ctx, victim.Filename)
		if errors.Is(err, ErrManifestInvalid) {
			del, err = s.store.Discard(ctx, victim.Filename)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("manifest", victim.Filename).Msg("rotation could not delete backup set")
			res.Failed = append(res.Failed, RotateFailure{Manifest: victim.Filename, Error: err.Error()})
			continue
		}
		s.log.Info().Str("manifest", victim.Filename).Time("created_at", victim.CreatedAt).Msg("rotated out backup set")
		res.Deleted = append(res.Deleted, del)
	}
	return res, nil
}

// rotationVictims picks the sets to delete from infos (newest first) and
// returns them oldest first.
func rotationVictims(infos []BackupInfo, max int) []BackupInfo {
	if max < 1 || len(infos) <= max {
		return nil
	}
	var victims []BackupInfo
	kept := 0
	var oldestKept time.Time
	for _, info := range infos {
		if !info.Valid {
			continue
		}
		if kept < max {
			kept++
			oldestKept = info.CreatedAt
			continue
		}
		victims = append(victims, info)
	}
	if kept > 0 {
		for _, info := range infos {
			if !info.Valid && info.CreatedAt.Before(oldestKept) {
				victims = append(victims, info)
			}
		}
	}
	sortNewestFirst(victims)
	for i, j := 0, len(victims)-1; i < j; i, j = i+1, j-1 {
		victims[i], victims[j] = victims[j], victims[i]
	}
	return victims
}

type SweepResult struct {
	Removed []Orphan `json:"removed"`
	Bytes   int64    `json:"bytes"`
	Failed  []string `json:"failed,omitempty"`
}

// SweepOrphans deletes artifacts that no manifest references and that are
// older than olderThan. Orphans appear when a backup fails after the
// database dump was written.
func (s *Service) SweepOrphans(ctx context.Context, olderThan time.Duration, dryRun bool) (SweepResult, error) {
	release, err := s.acquire("sweep")
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	started := s.now()
	res, err := s.sweep(ctx, started.Add(-olderThan), dryRun)
	s.finish(ctx, "sweep", "", started, err, fmt.Sprintf("sweep removed %d orphaned artifacts", len(res.Removed)))
	return res, err
}

func (s *Service) sweep(ctx context.Context, cutoff time.Time, dryRun bool) (SweepResult, error) {
	orphans, err := s.store.Orphans(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Removed: []Orphan{}}
	for _, orphan := range orphans {
		if !orphan.ModTime.Before(cutoff) {
			continue
		}
		if !dryRun {
			if err := os.Remove(orphan.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn().Err(err).Str("artifact", orphan.Rel).Msg("failed to remove orphan")
				res.Failed = append(res.Failed, fmt.Sprintf("%s: %v", orphan.Rel, err))
				continue
			}
			if s.mirror != nil {
				_ = s.mirror.RemoveSet(ctx, []string{filepath.FromSlash(orphan.Rel)})
			}
		}
		res.Removed = append(res.Removed, orphan)
		res.Bytes += orphan.Size
	}
	return res, nil
}

func (s *Service) refreshCount(ctx context.Context) {
	if infos, err := s.store.List(ctx); err == nil {
		s.metrics.SetBackupSets(len(infos))
	}
}
