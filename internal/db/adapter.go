package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/config"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a tool
// has been killed by context cancellation.
const waitDelay = 5 * time.Second

// Tool is the dump/restore capability for one database engine. The backup
// engines only see this interface, never a concrete executable.
type Tool interface {
	Name() string
	// Extension is the database artifact suffix, without the leading dot.
	Extension() string
	Validate(ctx context.Context) error
	// Dump writes a full, uncompressed dump to dest.
	Dump(ctx context.Context, dest io.Writer) error
	// Restore replaces the database contents with the dump read from src.
	Restore(ctx context.Context, src io.Reader, opts RestoreOptions) error
	// RestoreDir restores from a dump directory (legacy tar.gz artifacts).
	RestoreDir(ctx context.Context, dir string, opts RestoreOptions) error
}

type RestoreOptions struct {
	DropExisting bool
}

// ToolError reports a failed external tool run with its captured output.
type ToolError struct {
	Tool   string
	Err    error
	Output string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ExitCode returns the tool's exit status, or -1 when it did not exit normally.
func (e *ToolError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func NewTool(cfg config.DatabaseConfig, log zerolog.Logger) (Tool, error) {
	switch cfg.Type {
	case "mongodb", "mongo", "":
		return NewMongoTool(cfg, log), nil
	case "postgres", "postgresql":
		return NewPostgresTool(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
