package version

// Set via -ldflags "-X github.com/rowjay/intranet-backup/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
