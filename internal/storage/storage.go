package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quillblog/apiserver/config"
	"github.com/quillblog/apiserver/types"
)

// ErrUnsupportedType is returned when an upload is not an accepted image type.
var ErrUnsupportedType = errors.New("unsupported content type")

const coverPrefix = "covers"

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/avif": ".avif",
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Storage stores post cover images on an ObjectStorage backend.
type Storage struct {
	backend ObjectStorage
	now     func() time.Time
	newID   func() string
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{
		backend: backend,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// NewFromConfig builds the backend selected by cfg.Backend.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	var (
		backend ObjectStorage
		err     error
	)
	switch cfg.Backend {
	case "", config.StorageLocal:
		backend, err = NewLocalStorage(cfg.Local, cfg.PublicURL)
	case config.StorageMinio:
		backend, err = NewMinioClient(cfg.Minio, cfg.PublicURL)
	case config.StorageGCS:
		backend, err = NewGCSClient(ctx, cfg.GCS, cfg.PublicURL)
	case config.StorageS3:
		backend, err = NewS3Client(ctx, cfg.S3, cfg.PublicURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStorage(backend), nil
}

// LocalRoot returns the directory served under DefaultLocalURLPrefix when the
// backend is the local filesystem.
func (s *Storage) LocalRoot() (string, bool) {
	local, ok := s.backend.(*LocalStorage)
	if !ok {
		return "", false
	}
	return local.Root(), true
}

// SupportedImage reports whether contentType is an accepted cover image type.
func SupportedImage(contentType string) bool {
	_, ok := imageExtensions[normalizeContentType(contentType)]
	return ok
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Upload stores data under a fresh key and returns the resulting cover reference.
func (s *Storage) Upload(ctx context.Context, data []byte, contentType string) (types.Cover, error) {
	contentType = normalizeContentType(contentType)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return types.Cover{}, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	key := s.newKey(ext)
	if err := s.backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return types.Cover{}, err
	}
	return types.Cover{ID: key, URL: s.backend.URL(key)}, nil
}

// Delete removes the object identified by id. Missing objects are not an error.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return s.backend.Delete(ctx, id)
}

func (s *Storage) newKey(ext string) string {
	d := s.now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s", coverPrefix, d.Year(), d.Month(), d.Day(), s.newID(), ext)
}

func normalizeContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
