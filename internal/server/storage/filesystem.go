package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemStore keeps share bytes as {key}.zip files under a base directory.
type FileSystemStore struct {
	basePath string
}

func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

func (fs *FileSystemStore) Save(_ context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return 0, err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, r)
	if err != nil {
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

func (fs *FileSystemStore) Resolve(_ context.Context, key, _ string) (Location, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return Location{}, err
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return Location{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return Location{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return Location{Path: filePath}, nil
}

func (fs *FileSystemStore) Delete(_ context.Context, key string) error {
	filePath, err := fs.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

// filePath maps a key to its file, refusing keys that would escape basePath.
func (fs *FileSystemStore) filePath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", errors.New("invalid object key")
	}
	return filepath.Join(fs.basePath, key+".zip"), nil
}
