package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

const backendName = "fs"

// Backend is a filesystem implementation of the engine.BlobStore interface
type Backend struct {
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{baseDir: baseDir}, nil
}

var _ engine.BlobStore = (*Backend)(nil)

func (b *Backend) path(objectKey string) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(objectKey))
}

func storageError(op, key string, err error) error {
	if os.IsNotExist(err) {
		err = engine.ErrObjectNotFound
	}
	return &engine.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}

// GetObjectMeta retrieves metadata for an object in the filesystem
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*engine.ObjectMeta, error) {
	filePath := b.path(objectKey)

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, storageError("get_meta", objectKey, err)
	}

	// Detect content type
	contentType := "application/octet-stream"
	if file, err := os.Open(filePath); err == nil {
		defer file.Close()
		buffer := make([]byte, 512)
		if n, err := file.Read(buffer); err == nil {
			contentType = http.DetectContentType(buffer[:n])
		}
	}

	return &engine.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
	}, nil
}

// Upload writes content to a temporary file and renames it into place, so a
// re-run never leaves a half-written derivative behind.
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader, params engine.UploadParams) error {
	filePath := b.path(objectKey)

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return storageError("upload", objectKey, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return storageError("upload", objectKey, fmt.Errorf("failed to create file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return storageError("upload", objectKey, fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return storageError("upload", objectKey, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return storageError("upload", objectKey, err)
	}
	return nil
}

// Download downloads content directly from the filesystem
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	file, err := os.Open(b.path(objectKey))
	if err != nil {
		return nil, storageError("download", objectKey, err)
	}
	return file, nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	filePath := b.path(objectKey)

	if err := os.Remove(filePath); err != nil {
		return storageError("delete", objectKey, err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// Location returns the file:// URI of the object.
func (b *Backend) Location(objectKey string) string {
	return "file://" + filepath.ToSlash(b.path(objectKey))
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
