package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/maestro/pkg/types"
)

// BlobBackend stores artifact bodies that are too large to inline. Write
// returns an opaque locator; the result record carries the locator and the
// checksum, never the bytes.
type BlobBackend interface {
	Write(ctx context.Context, data []byte) (locator string, err error)
	Read(ctx context.Context, locator string) ([]byte, error)
	Remove(ctx context.Context, locator string) error
}

// MemoryBlobs keeps blobs in process memory. For tests and ephemeral
// deployments only.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobs creates an empty in-memory blob backend.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Write(_ context.Context, data []byte) (string, error) {
	locator := uuid.New().String()
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.blobs[locator] = buf
	m.mu.Unlock()
	return locator, nil
}

func (m *MemoryBlobs) Read(_ context.Context, locator string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[locator]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", locator, types.ErrNotFound)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (m *MemoryBlobs) Remove(_ context.Context, locator string) error {
	m.mu.Lock()
	delete(m.blobs, locator)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBlobs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// FilesystemBlobs stores each blob as one file under a directory, named by
// its locator. Writes go through a temp file and rename so a crashed write
// never leaves a half-written blob behind a valid locator.
type FilesystemBlobs struct {
	dir string
}

// NewFilesystemBlobs creates the directory if needed and returns the backend.
func NewFilesystemBlobs(dir string) (*FilesystemBlobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FilesystemBlobs{dir: dir}, nil
}

func (f *FilesystemBlobs) Write(_ context.Context, data []byte) (string, error) {
	locator := uuid.New().String()
	tmp, err := os.CreateTemp(f.dir, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close blob file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(f.dir, locator)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place blob: %w", err)
	}
	return locator, nil
}

func (f *FilesystemBlobs) Read(_ context.Context, locator string) ([]byte, error) {
	if !validLocator(locator) {
		return nil, fmt.Errorf("blob %s: %w", locator, types.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, locator))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", locator, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (f *FilesystemBlobs) Remove(_ context.Context, locator string) error {
	if !validLocator(locator) {
		return nil
	}
	err := os.Remove(filepath.Join(f.dir, locator))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// validLocator rejects anything that is not a bare UUID so a crafted
// locator can never traverse out of the blob directory.
func validLocator(locator string) bool {
	_, err := uuid.Parse(locator)
	return err == nil
}
