package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

const backendName = "memory"

type object struct {
	data      []byte
	mimeType  string
	updatedAt time.Time
}

// Backend is an in-memory implementation of the engine.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
	}
}

var _ engine.BlobStore = (*Backend)(nil)

func notFound(op, key string) error {
	return &engine.StorageError{Backend: backendName, Key: key, Op: op, Err: engine.ErrObjectNotFound}
}

// GetObjectMeta retrieves metadata for an object in memory
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*engine.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, notFound("get_meta", objectKey)
	}

	return &engine.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		UpdatedAt:   obj.updatedAt,
	}, nil
}

// Upload uploads content directly
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader, params engine.UploadParams) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return &engine.StorageError{Backend: backendName, Key: objectKey, Op: "upload", Err: err}
	}

	mimeType := params.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[objectKey] = object{data: data, mimeType: mimeType, updatedAt: time.Now().UTC()}
	return nil
}

// Download downloads content directly
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, notFound("download", objectKey)
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[objectKey]; !exists {
		return notFound("delete", objectKey)
	}

	delete(b.objects, objectKey)
	return nil
}

// Location returns memory://{key}
func (b *Backend) Location(objectKey string) string {
	return "memory://" + objectKey
}

// Keys returns the stored keys; used by tests to assert on cleanup.
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	return keys
}
