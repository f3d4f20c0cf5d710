package db

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/config"
	"github.com/rowjay/intranet-backup/internal/util"
)

// PostgresTool drives pg_dump/pg_restore with the custom archive format.
type PostgresTool struct {
	uri               string
	dumpBin           string
	restoreBin        string
	dumpArgs          []string
	restoreArgs       []string
	allowMissingTools bool
	log               zerolog.Logger
}

func NewPostgresTool(cfg config.DatabaseConfig, log zerolog.Logger) *PostgresTool {
	return &PostgresTool{
		uri:               cfg.URI,
		dumpBin:           orDefault(cfg.DumpTool, "pg_dump"),
		restoreBin:        orDefault(cfg.RestoreTool, "pg_restore"),
		dumpArgs:          cfg.DumpArgs,
		restoreArgs:       cfg.RestoreArgs,
		allowMissingTools: cfg.AllowMissingTools,
		log:               log.With().Str("db", "postgres").Logger(),
	}
}

func (p *PostgresTool) Name() string { return "postgres" }

func (p *PostgresTool) Extension() string { return "pgdump.gz" }

func (p *PostgresTool) Validate(ctx context.Context) error {
	if p.allowMissingTools {
		return nil
	}
	if err := util.RequireBinary(p.dumpBin); err != nil {
		return err
	}
	return util.RequireBinary(p.restoreBin)
}

func (p *PostgresTool) Dump(ctx context.Context, dest io.Writer) error {
	args := []string{"--format=custom", "--no-owner", "--no-privileges", "--dbname=" + p.uri}
	args = append(args, p.dumpArgs...)
	return runWithStdout(ctx, p.log, p.dumpBin, args, dest)
}

func (p *PostgresTool) Restore(ctx context.Context, src io.Reader, opts RestoreOptions) error {
	return runWithStdin(ctx, p.log, p.restoreBin, p.restoreCommandArgs(opts), src)
}

func (p *PostgresTool) RestoreDir(ctx context.Context, dir string, opts RestoreOptions) error {
	return fmt.Errorf("postgres restore from dump directory is not supported")
}

func (p *PostgresTool) restoreCommandArgs(opts RestoreOptions) []string {
	args := []string{"--dbname=" + p.uri, "--no-owner", "--no-privileges", "--exit-on-error"}
	if opts.DropExisting {
		args = append(args, "--clean", "--if-exists")
	}
	return append(args, p.restoreArgs...)
}
