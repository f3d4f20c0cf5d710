package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Manifest is the on-disk index of one backup set. The JSON shape is fixed
// for compatibility with existing backup directories.
type Manifest struct {
	Timestamp      string `json:"timestamp"`
	DatabaseBackup string `json:"databaseBackup"`
	SystemBackup   string `json:"systemBackup"`
}

// BackupInfo describes a manifest found in the backup root.
type BackupInfo struct {
	Filename       string    `json:"filename"`
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"createdAt"`
	ModTime        time.Time `json:"modTime"`
	DatabaseBackup string    `json:"databaseBackup"`
	SystemBackup   string    `json:"systemBackup"`
	// Valid is false when the manifest is unreadable or an artifact is gone.
	// Invalid sets are listed but never restored.
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// DeleteResult reports what a set deletion removed. Warnings are tolerated
// artifact failures; the manifest itself is always gone on success.
type DeleteResult struct {
	Manifest string   `json:"manifest"`
	Removed  []string `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

// Partial wraps the warnings in ErrArtifactDeletionPartialFailure.
func (r DeleteResult) Partial() error {
	if len(r.Warnings) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrArtifactDeletionPartialFailure, strings.Join(r.Warnings, "; "))
}

// Orphan is an artifact on disk that no manifest references.
type Orphan struct {
	Rel     string    `json:"rel"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ManifestStore reads and writes manifests in the backup root and resolves
// the artifacts they reference.
type ManifestStore struct {
	Root string
	Log  zerolog.Logger
}

func NewManifestStore(root string, log zerolog.Logger) *ManifestStore {
	return &ManifestStore{Root: root, Log: log}
}

func (s *ManifestStore) ManifestPath(name string) string {
	return filepath.Join(s.Root, name)
}

func (s *ManifestStore) DatabasePath(name string) string {
	return filepath.Join(s.Root, DatabaseDir, name)
}

func (s *ManifestStore) SystemPath(name string) string {
	return filepath.Join(s.Root, name)
}

// Write stores m under the set's manifest name. The file appears atomically
// and an existing manifest is never replaced.
func (s *ManifestStore) Write(id SetID, m Manifest) (BackupInfo, error) {
	name := id.Filename(RoleManifest, ManifestExt)
	target := s.ManifestPath(name)
	if _, err := os.Stat(target); err == nil {
		return BackupInfo{}, fmt.Errorf("manifest %s already exists", name)
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return BackupInfo{}, err
	}
	tmp, err := os.CreateTemp(s.Root, ".manifest-*.tmp")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("create manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return BackupInfo{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return BackupInfo{}, fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return BackupInfo{}, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return BackupInfo{}, fmt.Errorf("publish manifest: %w", err)
	}
	return s.Info(name)
}

// Read parses the manifest called name.
func (s *ManifestStore) Read(name string) (Manifest, error) {
	name, err := ManifestName(name)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}
	data, err := os.ReadFile(s.ManifestPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, name)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", name, err)
	}
	return decodeManifest(name, data)
}

func decodeManifest(name string, data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %v", ErrManifestInvalid, name, err)
	}
	if m.DatabaseBackup == "" {
		return Manifest{}, fmt.Errorf("%w: %s has no databaseBackup", ErrManifestInvalid, name)
	}
	for _, ref := range []string{m.DatabaseBackup, m.SystemBackup} {
		if ref != "" && (filepath.Base(ref) != ref || strings.ContainsAny(ref, `/\`) || ref == ".." || ref == ".") {
			return Manifest{}, fmt.Errorf("%w: %s references %q outside the backup root", ErrManifestInvalid, name, ref)
		}
	}
	return m, nil
}

// Info describes one manifest, checking that its artifacts exist.
func (s *ManifestStore) Info(name string) (BackupInfo, error) {
	name, err := ManifestName(name)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}
	path := s.ManifestPath(name)
	stat, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return BackupInfo{}, fmt.Errorf("%w: %s", ErrManifestNotFound, name)
	}
	if err != nil {
		return BackupInfo{}, err
	}
	return s.describe(name, path, stat), nil
}

func (s *ManifestStore) describe(name, path string, stat fs.FileInfo) BackupInfo {
	info := BackupInfo{
		Filename: name,
		Path:     path,
		Size:     stat.Size(),
		ModTime:  stat.ModTime(),
	}
	if parsed, err := ParseFilename(name); err == nil {
		info.CreatedAt = parsed.Time
	} else {
		info.CreatedAt = stat.ModTime().UTC()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var m Manifest
		m, err = decodeManifest(name, data)
		if err == nil {
			info.DatabaseBackup = m.DatabaseBackup
			info.SystemBackup = m.SystemBackup
			if ts, perr := parseISO(m.Timestamp); perr == nil {
				info.CreatedAt = ts.UTC()
			}
		}
	}
	if err != nil {
		info.Error = err.Error()
		return info
	}

	if !exists(s.DatabasePath(info.DatabaseBackup)) {
		info.Missing = append(info.Missing, info.DatabaseBackup)
	}
	if info.SystemBackup == "" {
		info.Missing = append(info.Missing, RoleSystem)
	} else if !exists(s.SystemPath(info.SystemBackup)) {
		info.Missing = append(info.Missing, info.SystemBackup)
	}
	info.Valid = len(info.Missing) == 0
	return info
}

// List returns every manifest in the root, newest first. Creation time is
// the embedded timestamp, then the filename timestamp, then the mtime; ties
// are ordered by filename.
func (s *ManifestStore) List(ctx context.Context) ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan backup root: %w", err)
	}

	infos := []BackupInfo{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !isManifestName(entry.Name()) {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		infos = append(infos, s.describe(entry.Name(), s.ManifestPath(entry.Name()), stat))
	}
	sortNewestFirst(infos)
	return infos, nil
}

func sortNewestFirst(infos []BackupInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].Filename > infos[j].Filename
	})
}

func isManifestName(name string) bool {
	if !strings.HasSuffix(name, "."+ManifestExt) {
		return false
	}
	_, err := ManifestName(name)
	return err == nil
}

// Delete removes the set's artifacts best-effort, then the manifest. An
// unknown name fails with ErrManifestNotFound and an unparseable manifest
// with ErrManifestInvalid; neither touches anything.
func (s *ManifestStore) Delete(ctx context.Context, name string) (DeleteResult, error) {
	name, data, err := s.load(ctx, name)
	if err != nil {
		return DeleteResult{}, err
	}
	m, err := decodeManifest(name, data)
	if err != nil {
		return DeleteResult{}, err
	}

	result := DeleteResult{Manifest: name}
	targets := []string{s.DatabasePath(m.DatabaseBackup)}
	if m.SystemBackup != "" {
		targets = append(targets, s.SystemPath(m.SystemBackup))
	}
	for _, target := range targets {
		rel, _ := filepath.Rel(s.Root, target)
		err := os.Remove(target)
		switch {
		case err == nil:
			result.Removed = append(result.Removed, filepath.ToSlash(rel))
		case errors.Is(err, fs.ErrNotExist):
			s.Log.Debug().Str("artifact", rel).Msg("artifact already absent")
		default:
			s.Log.Warn().Err(err).Str("artifact", rel).Msg("failed to delete artifact")
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", rel, err))
		}
	}

	if err := os.Remove(s.ManifestPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return result, fmt.Errorf("delete manifest %s: %w", name, err)
	}
	result.Removed = append(result.Removed, name)
	return result, nil
}

// Discard removes a manifest that cannot be parsed. Artifacts it may have
// referenced become orphans for the sweep. A readable manifest is refused
// so a healthy set is never split from its artifacts.
func (s *ManifestStore) Discard(ctx context.Context, name string) (DeleteResult, error) {
	name, data, err := s.load(ctx, name)
	if err != nil {
		return DeleteResult{}, err
	}
	if _, err := decodeManifest(name, data); err == nil {
		return DeleteResult{}, fmt.Errorf("%s is a readable manifest; delete the set instead", name)
	}
	if err := os.Remove(s.ManifestPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return DeleteResult{}, fmt.Errorf("discard manifest %s: %w", name, err)
	}
	s.Log.Warn().Str("manifest", name).Msg("discarded unreadable manifest")
	return DeleteResult{Manifest: name, Removed: []string{name}}, nil
}

func (s *ManifestStore) load(ctx context.Context, name string) (string, []byte, error) {
	name, err := ManifestName(name)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}
	data, err := os.ReadFile(s.ManifestPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("%w: %s", ErrManifestNotFound, name)
	}
	if err != nil {
		return "", nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return name, data, nil
}

// Orphans lists artifacts in the root and database directory that no
// manifest references, plus every pre-restore snapshot.
func (s *ManifestStore) Orphans(ctx context.Context) ([]Orphan, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	referenced := map[string]bool{}
	for _, info := range infos {
		if info.DatabaseBackup != "" {
			referenced[filepath.Join(DatabaseDir, info.DatabaseBackup)] = true
		}
		if info.SystemBackup != "" {
			referenced[info.SystemBackup] = true
		}
	}

	var orphans []Orphan
	roles := map[string]string{"": RoleSystem, DatabaseDir: RoleDatabase, PreRestoreDir: RolePreRestore}
	for _, dir := range []string{"", DatabaseDir, PreRestoreDir} {
		entries, err := os.ReadDir(filepath.Join(s.Root, dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			parsed, err := ParseFilename(entry.Name())
			if err != nil {
				continue
			}
			if parsed.Role != roles[dir] {
				continue
			}
			rel := filepath.Join(dir, entry.Name())
			if referenced[rel] {
				continue
			}
			stat, err := entry.Info()
			if err != nil {
				continue
			}
			orphans = append(orphans, Orphan{
				Rel:     filepath.ToSlash(rel),
				Path:    filepath.Join(s.Root, rel),
				Size:    stat.Size(),
				ModTime: stat.ModTime(),
			})
		}
	}
	return orphans, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
