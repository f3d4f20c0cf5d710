package storage

import (
	"fmt"

	"github.com/rowjay/intranet-backup/internal/config"
)

// New returns nil when no mirror backend is configured.
func New(cfg config.MirrorConfig) (Storage, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "local":
		if cfg.Local.Path == "" {
			return nil, fmt.Errorf("mirror.local.path is required")
		}
		return NewLocal(cfg.Local.Path), nil
	case "s3":
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 endpoint and bucket are required")
		}
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported mirror backend: %s", cfg.Backend)
	}
}
