package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Mirror        MirrorConfig        `mapstructure:"mirror"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"` // json or console
	LogFile          string `mapstructure:"log_file"`
	LogMaxSizeMB     int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups    int    `mapstructure:"log_max_backups"`
	LockFile         string `mapstructure:"lock_file"`
	ConfigPassphrase string `mapstructure:"config_passphrase"` // optional; may come from env
}

// DatabaseConfig names the dump/restore tools; the subsystem never talks to
// the database directly.
type DatabaseConfig struct {
	Type              string   `mapstructure:"type"` // mongodb, postgres
	URI               string   `mapstructure:"uri"`
	DumpTool          string   `mapstructure:"dump_tool"`
	RestoreTool       string   `mapstructure:"restore_tool"`
	DumpArgs          []string `mapstructure:"dump_args"`
	RestoreArgs       []string `mapstructure:"restore_args"`
	AllowMissingTools bool     `mapstructure:"allow_missing_tools"`
}

type BackupConfig struct {
	RootDir     string        `mapstructure:"root_dir"`
	AppRoot     string        `mapstructure:"app_root"`
	MaxBackups  int           `mapstructure:"max_backups"`
	Excludes    []string      `mapstructure:"excludes"`
	ArchiveTool string        `mapstructure:"archive_tool"` // native, tar
	TarPath     string        `mapstructure:"tar_path"`
	Compression string        `mapstructure:"compression"` // gzip, zstd
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RestoreConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	DropExisting bool          `mapstructure:"drop_existing"`
	// SnapshotFiles takes a pre-restore snapshot of the app root before
	// the system archive is expanded over it.
	SnapshotFiles bool `mapstructure:"snapshot_files"`
}

type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

type HTTPConfig struct {
	Listen          string        `mapstructure:"listen"`
	AdminToken      string        `mapstructure:"admin_token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MirrorConfig configures the optional off-site copy of every backup set.
type MirrorConfig struct {
	Backend       string        `mapstructure:"backend"` // "", local, s3
	Prefix        string        `mapstructure:"prefix"`
	Local         LocalStore    `mapstructure:"local"`
	S3            S3Store       `mapstructure:"s3"`
	EncryptionKey string        `mapstructure:"encryption_key"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}
