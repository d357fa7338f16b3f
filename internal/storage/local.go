package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillblog/apiserver/config"
)

// DefaultLocalURLPrefix is the path the server mounts local uploads under.
const DefaultLocalURLPrefix = "/uploads"

// LocalStorage keeps objects as files below a root directory.
type LocalStorage struct {
	root      string
	publicURL string
}

// NewLocalStorage constructs a filesystem backend from config.
func NewLocalStorage(cfg config.LocalConfig, publicURL string) (*LocalStorage, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("local storage dir is required")
	}
	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(publicURL) == "" {
		publicURL = DefaultLocalURLPrefix
	}
	return &LocalStorage{root: root, publicURL: publicURL}, nil
}

// EnsureBucket creates the root directory.
func (l *LocalStorage) EnsureBucket(ctx context.Context) error {
	return os.MkdirAll(l.root, 0o755)
}

// Put writes the object through a temp file so readers never see partial data.
func (l *LocalStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Delete removes the object file.
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// URL returns the public URL for key.
func (l *LocalStorage) URL(key string) string {
	return joinURL(l.publicURL, key)
}

// Root returns the directory served under DefaultLocalURLPrefix.
func (l *LocalStorage) Root() string {
	return l.root
}

func (l *LocalStorage) path(key string) (string, error) {
	path := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, l.root+string(filepath.Separator)) {
		return "", errors.New("invalid object key")
	}
	return path, nil
}
