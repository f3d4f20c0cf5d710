package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/intranet-backup/internal/backup"
	"github.com/rowjay/intranet-backup/internal/config"
	"github.com/rowjay/intranet-backup/internal/logging"
	"github.com/rowjay/intranet-backup/internal/metrics"
	"github.com/rowjay/intranet-backup/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	DBType      string
	DBURI       string
	RootDir     string
	AppRoot     string
	MaxBackups  int
	Compression string
	Mirror      string
	MirrorPath  string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:           "ibk",
		Short:         "Backup, restore and rotation for the intranet CMS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.DBType, "db-type", "", "Database type (mongodb, postgres)")
	rootCmd.PersistentFlags().StringVar(&overrides.DBURI, "db-uri", "", "Database connection URI")
	rootCmd.PersistentFlags().StringVar(&overrides.RootDir, "root-dir", "", "Backup root directory")
	rootCmd.PersistentFlags().StringVar(&overrides.AppRoot, "app-root", "", "Application root to archive")
	rootCmd.PersistentFlags().IntVar(&overrides.MaxBackups, "max-backups", 0, "Number of backup sets to keep")
	rootCmd.PersistentFlags().StringVar(&overrides.Compression, "compression", "", "Filesystem archive compression (gzip, zstd)")
	rootCmd.PersistentFlags().StringVar(&overrides.Mirror, "mirror", "", "Mirror backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&overrides.MirrorPath, "mirror-path", "", "Local mirror path")

	rootCmd.AddCommand(newServeCmd(root, overrides))
	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newRestoreFilesCmd(root, overrides))
	rootCmd.AddCommand(newDeleteCmd(root, overrides))
	rootCmd.AddCommand(newRotateCmd(root, overrides))
	rootCmd.AddCommand(newSweepCmd(root, overrides))
	rootCmd.AddCommand(newStatusCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newMirrorCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if out := backup.ToolOutput(err); out != "" {
			fmt.Fprintln(os.Stderr, "tool output:")
			fmt.Fprintln(os.Stderr, out)
		}
		os.Exit(1)
	}
}

// app bundles what every service-backed command needs.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	svc     *backup.Service
}

func newApp(root *rootFlags, overrides *overrideFlags) (*app, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat, logging.FileOptions{
		Path:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.LogMaxSizeMB,
		MaxBackups: cfg.Global.LogMaxBackups,
	})
	m := metrics.New()
	svc, err := backup.NewFromConfig(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: logger, metrics: m, svc: svc}, nil
}

func cliContext() context.Context {
	return backup.WithTrigger(context.Background(), "cli")
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create a backup set (database dump, filesystem archive, manifest)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			res, err := rt.svc.CreateBackup(cliContext())
			if err != nil {
				return err
			}
			fmt.Printf("manifest  %s\n", res.Manifest.Filename)
			fmt.Printf("database  %s (%s)\n", res.Database.Filename, humanize.Bytes(uint64(res.Database.Size)))
			fmt.Printf("system    %s (%s)\n", res.System.Filename, humanize.Bytes(uint64(res.System.Size)))
			return nil
		},
	}
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backup sets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			infos, err := rt.svc.ListBackups(cliContext())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MANIFEST\tCREATED\tAGE\tSTATE")
			for _, info := range infos {
				state := "ok"
				switch {
				case info.Error != "":
					state = "invalid: " + info.Error
				case len(info.Missing) > 0:
					state = "missing: " + strings.Join(info.Missing, ", ")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					info.Filename, info.CreatedAt.Local().Format(time.DateTime), humanize.Time(info.CreatedAt), state)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d backup sets\n", len(infos))
			return nil
		},
	}
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <manifest>",
		Short: "Restore the database from a backup set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			res, err := rt.svc.RestoreBackup(cliContext(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restored %s from %s in %s\n", res.Database, res.Manifest, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newRestoreFilesCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore-files <manifest>",
		Short: "Expand the filesystem archive of a backup set over the application root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			res, err := rt.svc.RestoreFiles(cliContext(), args[0], yes)
			if err != nil {
				if errors.Is(err, backup.ErrConfirmationRequired) {
					return fmt.Errorf("%w: rerun with --yes to overwrite %s", err, rt.cfg.Backup.AppRoot)
				}
				return err
			}
			if res.Snapshot != nil {
				fmt.Printf("snapshot  %s (%s)\n", res.Snapshot.Filename, humanize.Bytes(uint64(res.Snapshot.Size)))
			}
			fmt.Printf("restored %s in %s\n", res.System, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm overwriting the application root")
	return cmd
}

func newDeleteCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <manifest>",
		Short: "Delete a backup set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			res, err := rt.svc.DeleteBackup(cliContext(), args[0])
			if errors.Is(err, backup.ErrManifestInvalid) {
				if !force {
					return fmt.Errorf("%w: rerun with --force to remove the manifest and leave its artifacts for sweep", err)
				}
				res, err = rt.svc.DiscardBackup(cliContext(), args[0])
			}
			if err != nil {
				return err
			}
			for _, rel := range res.Removed {
				fmt.Println("removed", rel)
			}
			for _, w := range res.Warnings {
				fmt.Println("warning", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Remove an unreadable manifest")
	return cmd
}

func newRotateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Delete backup sets beyond the retention limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			res, err := rt.svc.RotateBackups(cliContext())
			if err != nil {
				return err
			}
			for _, del := range res.Deleted {
				fmt.Println("deleted", del.Manifest)
			}
			for _, f := range res.Failed {
				fmt.Printf("failed  %s: %s\n", f.Manifest, f.Error)
			}
			fmt.Printf("kept %d of max %d\n", len(res.Kept), rt.cfg.Backup.MaxBackups)
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d backup sets could not be deleted", len(res.Failed))
			}
			return nil
		},
	}
}

func newSweepCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var olderThan time.Duration
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove artifacts that no manifest references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			res, err := rt.svc.SweepOrphans(cliContext(), olderThan, dryRun)
			if err != nil {
				return err
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			for _, o := range res.Removed {
				fmt.Printf("%s %s (%s)\n", verb, o.Rel, humanize.Bytes(uint64(o.Size)))
			}
			for _, f := range res.Failed {
				fmt.Println("failed", f)
			}
			fmt.Printf("%s %d artifacts, %s\n", verb, len(res.Removed), humanize.Bytes(uint64(res.Bytes)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Only remove orphans older than this")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List orphans without removing them")
	return cmd
}

func newStatusCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backup root and retention state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			infos, err := rt.svc.ListBackups(cliContext())
			if err != nil {
				return err
			}
			valid := 0
			for _, info := range infos {
				if info.Valid {
					valid++
				}
			}
			fmt.Printf("root         %s\n", rt.svc.Store().Root)
			fmt.Printf("database     %s\n", rt.svc.Tool().Name())
			fmt.Printf("sets         %d (%d valid, max %d)\n", len(infos), valid, rt.cfg.Backup.MaxBackups)
			if len(infos) > 0 {
				fmt.Printf("newest       %s (%s)\n", infos[0].Filename, humanize.Time(infos[0].CreatedAt))
			}
			if rt.svc.Mirror() != nil {
				fmt.Printf("mirror       %s\n", rt.cfg.Mirror.Backend)
			}
			return nil
		},
	}
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and dump/restore tooling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := rt.svc.Tool().Validate(ctx); err != nil {
				return err
			}
			if m := rt.svc.Mirror(); m != nil {
				if _, err := m.Remote(ctx); err != nil {
					return fmt.Errorf("mirror: %w", err)
				}
			}
			rt.log.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newMirrorCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Off-site mirror utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List objects in the mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			m := rt.svc.Mirror()
			if m == nil {
				return errors.New("mirror is not configured")
			}
			keys, err := m.Remote(cliContext())
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pull <manifest>",
		Short: "Copy a backup set from the mirror into the backup root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(root, overrides)
			if err != nil {
				return err
			}
			m := rt.svc.Mirror()
			if m == nil {
				return errors.New("mirror is not configured")
			}
			name, err := backup.ManifestName(args[0])
			if err != nil {
				return err
			}
			ctx := cliContext()
			store := rt.svc.Store()
			if err := m.Fetch(ctx, name, store.Root); err != nil {
				return fmt.Errorf("fetch %s: %w", name, err)
			}
			manifest, err := store.Read(name)
			if err != nil {
				return err
			}
			rels := []string{path.Join(backup.DatabaseDir, manifest.DatabaseBackup)}
			if manifest.SystemBackup != "" {
				rels = append(rels, manifest.SystemBackup)
			}
			for _, rel := range rels {
				if err := m.Fetch(ctx, rel, store.Root); err != nil {
					return fmt.Errorf("fetch %s: %w", rel, err)
				}
				fmt.Println("fetched", rel)
			}
			fmt.Println("fetched", name)
			return nil
		},
	})
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ibk %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.DBType != "" {
		cfg.Database.Type = strings.ToLower(overrides.DBType)
	}
	if overrides.DBURI != "" {
		cfg.Database.URI = overrides.DBURI
	}

	if overrides.RootDir != "" {
		if cfg.Global.LockFile == filepath.Join(cfg.Backup.RootDir, ".ibk.lock") {
			cfg.Global.LockFile = filepath.Join(overrides.RootDir, ".ibk.lock")
		}
		cfg.Backup.RootDir = overrides.RootDir
	}
	if overrides.AppRoot != "" {
		cfg.Backup.AppRoot = overrides.AppRoot
	}
	if overrides.MaxBackups > 0 {
		cfg.Backup.MaxBackups = overrides.MaxBackups
	}
	if overrides.Compression != "" {
		cfg.Backup.Compression = strings.ToLower(overrides.Compression)
	}

	if overrides.Mirror != "" {
		cfg.Mirror.Backend = strings.ToLower(overrides.Mirror)
	}
	if overrides.MirrorPath != "" {
		cfg.Mirror.Local.Path = overrides.MirrorPath
	}
}
