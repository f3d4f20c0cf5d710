package backup

import (
	"errors"

	"github.com/rowjay/intranet-backup/internal/db"
)

var (
	ErrBackupFailed                   = errors.New("backup failed")
	ErrManifestNotFound               = errors.New("manifest not found")
	ErrManifestInvalid                = errors.New("manifest invalid")
	ErrRestoreFailed                  = errors.New("restore failed")
	ErrRestoreTimedOut                = errors.New("restore timed out")
	ErrBackupInProgress               = errors.New("backup operation in progress")
	ErrArtifactDeletionPartialFailure = errors.New("some backup artifacts could not be deleted")
	ErrConfirmationRequired           = errors.New("file restore overwrites the application root and must be confirmed")
)

// ToolOutput returns the captured external tool output carried by err, if any.
func ToolOutput(err error) string {
	var toolErr *db.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Output
	}
	return ""
}
