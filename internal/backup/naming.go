package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	RoleManifest   = "manifest"
	RoleSystem     = "full"
	RoleDatabase   = "database"
	RolePreRestore = "pre_restore"

	DatabaseDir   = "database"
	PreRestoreDir = "pre-restore"

	ManifestExt = "json"

	// isoLayout is the manifest "timestamp" format (JavaScript toISOString).
	isoLayout = "2006-01-02T15:04:05.000Z07:00"
	stampDate = "2006-01-02T15-04-05"
)

var filenamePattern = regexp.MustCompile(`^(manifest_backup|full_backup|database_backup|pre_restore)_([0-9a-fA-F]+)_(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}-\d{3}Z)\.(.+)$`)

// SetID is the identity shared by every file of one backup set.
type SetID struct {
	Hex  string
	Time time.Time
}

// NewSetID returns a random 8 hex character id stamped with now (UTC,
// millisecond precision).
func NewSetID(now time.Time) (SetID, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return SetID{}, fmt.Errorf("generate backup id: %w", err)
	}
	return SetID{Hex: hex.EncodeToString(buf), Time: now.UTC().Truncate(time.Millisecond)}, nil
}

// Stamp is the filename form of the set timestamp: the ISO string with ':'
// and '.' replaced by '-'.
func (id SetID) Stamp() string {
	return formatStamp(id.Time)
}

// ISO is the manifest "timestamp" value for the set.
func (id SetID) ISO() string {
	return id.Time.UTC().Format(isoLayout)
}

// Filename builds the file name for role with the given extension.
func (id SetID) Filename(role, ext string) string {
	if role == RolePreRestore {
		return fmt.Sprintf("%s_%s_%s.%s", role, id.Hex, id.Stamp(), ext)
	}
	return fmt.Sprintf("%s_backup_%s_%s.%s", role, id.Hex, id.Stamp(), ext)
}

// Name is a parsed backup file name.
type Name struct {
	Role string
	Hex  string
	Time time.Time
	Ext  string
}

// ParseFilename splits a backup file name into its parts. Directory
// components are rejected.
func ParseFilename(name string) (Name, error) {
	if name == "" || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return Name{}, fmt.Errorf("invalid backup file name %q", name)
	}
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return Name{}, fmt.Errorf("invalid backup file name %q", name)
	}
	ts, err := parseStamp(m[3])
	if err != nil {
		return Name{}, fmt.Errorf("invalid backup file name %q: %w", name, err)
	}
	return Name{
		Role: strings.TrimSuffix(m[1], "_backup"),
		Hex:  strings.ToLower(m[2]),
		Time: ts,
		Ext:  m[4],
	}, nil
}

// ManifestName normalises a manifest id from a caller (CLI or HTTP). The
// ".json" suffix is optional.
func ManifestName(id string) (string, error) {
	name := strings.TrimSpace(id)
	if !strings.HasSuffix(name, "."+ManifestExt) {
		name += "." + ManifestExt
	}
	parsed, err := ParseFilename(name)
	if err != nil {
		return "", err
	}
	if parsed.Role != RoleManifest || parsed.Ext != ManifestExt {
		return "", fmt.Errorf("%q is not a manifest file name", id)
	}
	return name, nil
}

func formatStamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03dZ", t.Format(stampDate), t.Nanosecond()/int(time.Millisecond))
}

func parseStamp(s string) (time.Time, error) {
	if len(s) != len(stampDate)+5 {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	base, err := time.ParseInLocation(stampDate, s[:len(stampDate)], time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.Atoi(s[len(stampDate)+1 : len(stampDate)+4])
	if err != nil || s[len(stampDate)] != '-' || s[len(s)-1] != 'Z' {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}

func parseISO(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
