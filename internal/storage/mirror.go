package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/intranet-backup/internal/config"
	"github.com/rowjay/intranet-backup/internal/cryptoutil"
	"github.com/rowjay/intranet-backup/internal/util"
)

// EncryptedSuffix is appended to the remote key of every encrypted upload.
const EncryptedSuffix = ".enc"

const maxParallelUploads = 3

// Mirror pushes the files of a backup set to a Storage backend. Keys are the
// set-relative paths (slash separated) under Prefix.
type Mirror struct {
	Store        Storage
	Prefix       string
	Key          []byte
	RetryCount   int
	RetryBackoff time.Duration
	// Timeout bounds one PushSet including retries. Zero means no bound.
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewMirror returns nil, nil when no backend is configured.
func NewMirror(cfg config.MirrorConfig, log zerolog.Logger) (*Mirror, error) {
	store, err := New(cfg)
	if err != nil || store == nil {
		return nil, err
	}
	m := &Mirror{
		Store:        store,
		Prefix:       strings.Trim(cfg.Prefix, "/"),
		RetryCount:   cfg.RetryCount,
		RetryBackoff: cfg.RetryBackoff,
		Timeout:      cfg.Timeout,
		Log:          log.With().Str("component", "mirror").Str("backend", cfg.Backend).Logger(),
	}
	if cfg.EncryptionKey != "" {
		key, err := cryptoutil.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("mirror encryption key: %w", err)
		}
		m.Key = key
	}
	return m, nil
}

func (m *Mirror) remoteKey(rel string) string {
	key := filepath.ToSlash(rel)
	if m.Prefix != "" {
		key = path.Join(m.Prefix, key)
	}
	if m.Key != nil {
		key += EncryptedSuffix
	}
	return key
}

// PushSet uploads files (relative to root) in parallel, retrying each one.
func (m *Mirror) PushSet(ctx context.Context, root string, files []string) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelUploads)
	for _, rel := range files {
		eg.Go(func() error {
			err := util.Retry(egCtx, m.RetryCount, m.RetryBackoff, func() error {
				return m.push(egCtx, filepath.Join(root, rel), m.remoteKey(rel))
			})
			if err != nil {
				return fmt.Errorf("mirror %s: %w", rel, err)
			}
			m.Log.Debug().Str("file", rel).Msg("mirrored")
			return nil
		})
	}
	return eg.Wait()
}

func (m *Mirror) push(ctx context.Context, src, key string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	if m.Key == nil {
		stat, err := file.Stat()
		if err != nil {
			return err
		}
		return m.Store.Put(ctx, key, file, stat.Size(), map[string]string{"ibk-backup": "true"})
	}

	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer pipeReader.Close()
		return m.Store.Put(egCtx, key, pipeReader, -1, map[string]string{"ibk-backup": "true", "ibk-encrypted": "sio"})
	})
	eg.Go(func() error {
		encWriter, err := cryptoutil.EncryptWriter(pipeWriter, m.Key)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		if _, err := io.Copy(encWriter, file); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		if err := encWriter.Close(); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		return pipeWriter.Close()
	})
	return eg.Wait()
}

// RemoveSet deletes the remote copies. Missing objects are not an error.
func (m *Mirror) RemoveSet(ctx context.Context, files []string) error {
	var errs []error
	for _, rel := range files {
		err := m.Store.Delete(ctx, m.remoteKey(rel))
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

// Fetch downloads one set-relative file into root, decrypting when needed.
func (m *Mirror) Fetch(ctx context.Context, rel, root string) error {
	reader, err := m.Store.Get(ctx, m.remoteKey(rel))
	if err != nil {
		return err
	}
	defer reader.Close()

	var src io.Reader = reader
	if m.Key != nil {
		src, err = cryptoutil.DecryptReader(reader, m.Key)
		if err != nil {
			return err
		}
	}

	target := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	tmp := target + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("fetch %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// Remote lists the set-relative paths present in the mirror.
func (m *Mirror) Remote(ctx context.Context) ([]string, error) {
	objects, err := m.Store.List(ctx, m.Prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(objects))
	for _, obj := range objects {
		rel := obj.Key
		if m.Prefix != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(rel, m.Prefix), "/")
		}
		out = append(out, strings.TrimSuffix(rel, EncryptedSuffix))
	}
	return out, nil
}
