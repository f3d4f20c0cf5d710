package main

import (
	"path/filepath"
	"testing"

	"github.com/rowjay/intranet-backup/internal/config"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backup.RootDir = "/srv/backups"
	cfg.Backup.MaxBackups = 3
	cfg.Global.LockFile = filepath.Join("/srv/backups", ".ibk.lock")

	applyOverrides(cfg, &rootFlags{LogLevel: "debug"}, &overrideFlags{
		DBType:      "Postgres",
		RootDir:     "/mnt/backups",
		MaxBackups:  7,
		Compression: "ZSTD",
		Mirror:      "local",
		MirrorPath:  "/mnt/mirror",
	})

	if cfg.Global.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.Global.LogLevel)
	}
	if cfg.Database.Type != "postgres" {
		t.Fatalf("db type = %q", cfg.Database.Type)
	}
	if cfg.Backup.RootDir != "/mnt/backups" || cfg.Backup.MaxBackups != 7 || cfg.Backup.Compression != "zstd" {
		t.Fatalf("backup overrides not applied: %+v", cfg.Backup)
	}
	if cfg.Global.LockFile != filepath.Join("/mnt/backups", ".ibk.lock") {
		t.Fatalf("lock file should follow root dir, got %q", cfg.Global.LockFile)
	}
	if cfg.Mirror.Backend != "local" || cfg.Mirror.Local.Path != "/mnt/mirror" {
		t.Fatalf("mirror overrides not applied: %+v", cfg.Mirror)
	}
}

func TestApplyOverridesKeepsExplicitLockFile(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backup.RootDir = "/srv/backups"
	cfg.Global.LockFile = "/run/ibk.lock"

	applyOverrides(cfg, &rootFlags{}, &overrideFlags{RootDir: "/mnt/backups"})

	if cfg.Global.LockFile != "/run/ibk.lock" {
		t.Fatalf("explicit lock file replaced: %q", cfg.Global.LockFile)
	}
}

func TestApplyOverridesEmptyLeavesConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.URI = "mongodb://db:27017/intranet"
	cfg.Backup.MaxBackups = 3

	applyOverrides(cfg, &rootFlags{}, &overrideFlags{})

	if cfg.Database.URI != "mongodb://db:27017/intranet" || cfg.Backup.MaxBackups != 3 {
		t.Fatalf("config changed without overrides: %+v", cfg)
	}
}
