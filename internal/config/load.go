package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/rowjay/intranet-backup/internal/cryptoutil"
)

const (
	envPrefix = "IBK"
)

// DefaultExcludes keeps secrets, VCS metadata, dependency caches, logs and
// temp files out of the system archive.
var DefaultExcludes = []string{
	".git",
	".svn",
	"node_modules",
	"vendor/bundle",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.log",
	"logs",
	"tmp",
	"*.tmp",
}

// envOnlyKeys have no default, so viper would not pick them up from the
// environment during Unmarshal without an explicit binding.
var envOnlyKeys = []string{
	"global.log_file",
	"global.lock_file",
	"global.config_passphrase",
	"database.uri",
	"database.dump_tool",
	"database.restore_tool",
	"http.admin_token",
	"mirror.backend",
	"mirror.prefix",
	"mirror.encryption_key",
	"mirror.local.path",
	"mirror.s3.endpoint",
	"mirror.s3.region",
	"mirror.s3.bucket",
	"mirror.s3.access_key",
	"mirror.s3.secret_key",
	"mirror.s3.session_token",
	"schedule.timezone",
}

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)
	for _, key := range envOnlyKeys {
		_ = vp.BindEnv(key)
	}

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			vp.SetConfigType(configTypeFromPath(resolved))
			key := os.Getenv("IBK_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but IBK_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "mongodb", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.type %q is not supported (mongodb, postgres)", c.Database.Type))
	}
	if c.Database.URI == "" {
		errs = append(errs, errors.New("database.uri is required"))
	}
	if c.Backup.RootDir == "" {
		errs = append(errs, errors.New("backup.root_dir is required"))
	}
	if c.Backup.AppRoot == "" {
		errs = append(errs, errors.New("backup.app_root is required"))
	}
	if c.Backup.MaxBackups < 1 {
		errs = append(errs, fmt.Errorf("backup.max_backups must be at least 1, got %d", c.Backup.MaxBackups))
	}
	switch c.Backup.ArchiveTool {
	case "native", "tar":
	default:
		errs = append(errs, fmt.Errorf("backup.archive_tool %q is not supported (native, tar)", c.Backup.ArchiveTool))
	}
	switch c.Backup.Compression {
	case "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("backup.compression %q is not supported (gzip, zstd)", c.Backup.Compression))
	}
	if c.Backup.ArchiveTool == "tar" && c.Backup.Compression != "gzip" {
		errs = append(errs, errors.New("backup.archive_tool tar only supports gzip compression"))
	}
	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule.cron: %w", err))
		}
		if c.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
			}
		}
	}
	switch c.Mirror.Backend {
	case "":
	case "local":
		if c.Mirror.Local.Path == "" {
			errs = append(errs, errors.New("mirror.local.path is required for the local mirror"))
		}
	case "s3":
		if c.Mirror.S3.Endpoint == "" || c.Mirror.S3.Bucket == "" {
			errs = append(errs, errors.New("mirror.s3.endpoint and mirror.s3.bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("mirror.backend %q is not supported (local, s3)", c.Mirror.Backend))
	}
	if c.Mirror.EncryptionKey != "" {
		if _, err := cryptoutil.ParseKey(c.Mirror.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("mirror.encryption_key: %w", err))
		}
	}
	return errors.Join(errs...)
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("IBK_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"ibk.yaml",
		"ibk.yml",
		"ibk.toml",
		"ibk.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "ibk")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"ibk.yaml.enc", "ibk.yml.enc", "ibk.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch {
	case strings.HasSuffix(trimmed, ".toml"):
		return "toml"
	case strings.HasSuffix(trimmed, ".json"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.log_max_size_mb", 50)
	vp.SetDefault("global.log_max_backups", 5)
	vp.SetDefault("database.type", "mongodb")
	vp.SetDefault("backup.root_dir", "./backups")
	vp.SetDefault("backup.app_root", ".")
	vp.SetDefault("backup.max_backups", 3)
	vp.SetDefault("backup.excludes", DefaultExcludes)
	vp.SetDefault("backup.archive_tool", "native")
	vp.SetDefault("backup.tar_path", "tar")
	vp.SetDefault("backup.compression", "gzip")
	vp.SetDefault("backup.timeout", "1h")
	vp.SetDefault("restore.timeout", "10m")
	vp.SetDefault("restore.drop_existing", true)
	vp.SetDefault("restore.snapshot_files", true)
	vp.SetDefault("schedule.enabled", true)
	vp.SetDefault("schedule.cron", "0 2 * * *")
	vp.SetDefault("http.listen", ":8085")
	vp.SetDefault("http.read_timeout", "30s")
	vp.SetDefault("http.write_timeout", "60s")
	vp.SetDefault("http.shutdown_timeout", "30s")
	vp.SetDefault("mirror.retry_count", 3)
	vp.SetDefault("mirror.retry_backoff", "10s")
	vp.SetDefault("mirror.timeout", "30m")
}

func applyPostLoadDefaults(cfg *Config) {
	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	if cfg.Database.Type == "mongo" {
		cfg.Database.Type = "mongodb"
	}
	if cfg.Database.Type == "postgresql" {
		cfg.Database.Type = "postgres"
	}
	cfg.Backup.ArchiveTool = strings.ToLower(cfg.Backup.ArchiveTool)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Mirror.Backend = strings.ToLower(cfg.Mirror.Backend)
	if cfg.Backup.Timeout == 0 {
		cfg.Backup.Timeout = time.Hour
	}
	if cfg.Restore.Timeout == 0 {
		cfg.Restore.Timeout = 10 * time.Minute
	}
	if cfg.Mirror.RetryBackoff == 0 {
		cfg.Mirror.RetryBackoff = 10 * time.Second
	}
	if cfg.Mirror.Timeout == 0 {
		cfg.Mirror.Timeout = 30 * time.Minute
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Global.LockFile == "" && cfg.Backup.RootDir != "" {
		cfg.Global.LockFile = filepath.Join(cfg.Backup.RootDir, ".ibk.lock")
	}
}

func expandEnv(cfg *Config) {
	cfg.Database.URI = os.ExpandEnv(cfg.Database.URI)
	cfg.HTTP.AdminToken = os.ExpandEnv(cfg.HTTP.AdminToken)
	cfg.Mirror.EncryptionKey = os.ExpandEnv(cfg.Mirror.EncryptionKey)
	cfg.Mirror.S3.AccessKey = os.ExpandEnv(cfg.Mirror.S3.AccessKey)
	cfg.Mirror.S3.SecretKey = os.ExpandEnv(cfg.Mirror.S3.SecretKey)
	cfg.Mirror.S3.SessionToken = os.ExpandEnv(cfg.Mirror.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
