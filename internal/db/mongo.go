package db

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/rowjay/intranet-backup/internal/config"
	"github.com/rowjay/intranet-backup/internal/util"
)

// MongoTool drives mongodump/mongorestore in archive mode.
type MongoTool struct {
	uri               string
	dumpBin           string
	restoreBin        string
	dumpArgs          []string
	restoreArgs       []string
	allowMissingTools bool
	log               zerolog.Logger
}

func NewMongoTool(cfg config.DatabaseConfig, log zerolog.Logger) *MongoTool {
	return &MongoTool{
		uri:               cfg.URI,
		dumpBin:           orDefault(cfg.DumpTool, "mongodump"),
		restoreBin:        orDefault(cfg.RestoreTool, "mongorestore"),
		dumpArgs:          cfg.DumpArgs,
		restoreArgs:       cfg.RestoreArgs,
		allowMissingTools: cfg.AllowMissingTools,
		log:               log.With().Str("db", "mongodb").Logger(),
	}
}

func (m *MongoTool) Name() string { return "mongodb" }

func (m *MongoTool) Extension() string { return "archive.gz" }

func (m *MongoTool) Validate(ctx context.Context) error {
	if m.allowMissingTools {
		return nil
	}
	if err := util.RequireBinary(m.dumpBin); err != nil {
		return err
	}
	return util.RequireBinary(m.restoreBin)
}

func (m *MongoTool) Dump(ctx context.Context, dest io.Writer) error {
	return runWithStdout(ctx, m.log, m.dumpBin, m.dumpCommandArgs(), dest)
}

func (m *MongoTool) Restore(ctx context.Context, src io.Reader, opts RestoreOptions) error {
	return runWithStdin(ctx, m.log, m.restoreBin, m.restoreCommandArgs(opts, ""), src)
}

func (m *MongoTool) RestoreDir(ctx context.Context, dir string, opts RestoreOptions) error {
	return run(ctx, m.log, m.restoreBin, m.restoreCommandArgs(opts, dir))
}

func (m *MongoTool) dumpCommandArgs() []string {
	args := []string{"--uri=" + m.uri, "--archive"}
	return append(args, m.dumpArgs...)
}

func (m *MongoTool) restoreCommandArgs(opts RestoreOptions, dir string) []string {
	args := []string{"--uri=" + m.uri}
	if dir == "" {
		args = append(args, "--archive")
	} else {
		args = append(args, "--dir="+dir)
	}
	if opts.DropExisting {
		args = append(args, "--drop")
	}
	return append(args, m.restoreArgs...)
}
