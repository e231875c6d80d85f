package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend keeps each collection in <dir>/<collection>.json.
type FileBackend struct {
	dir string
}

// NewFileBackend prepares dir and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the document path of a collection.
func (b *FileBackend) Path(collection Collection) string {
	return filepath.Join(b.dir, string(collection)+".json")
}

func (b *FileBackend) lockPath(collection Collection) string {
	return filepath.Join(b.dir, string(collection)+".lock")
}

func (b *FileBackend) Load(_ context.Context, collection Collection) ([]byte, error) {
	payload, err := os.ReadFile(b.Path(collection))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return payload, err
}

// Save writes a sibling temporary file and renames it over the document so
// readers never observe a partial write.
func (b *FileBackend) Save(_ context.Context, collection Collection, payload []byte) error {
	temp, err := os.CreateTemp(b.dir, string(collection)+".*.tmp")
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	if _, err := temp.Write(payload); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return err
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, b.Path(collection)); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// Acquire takes an exclusive advisory lock on the collection's lock file.
func (b *FileBackend) Acquire(ctx context.Context, collection Collection) (func(), error) {
	return lockFile(ctx, b.lockPath(collection))
}
