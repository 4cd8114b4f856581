package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("stored file not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store defines the interface for file storage backends. Keys are
// slash-separated relative paths such as "inputs/<id>/clip.mp4".
type Store interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	// GetPath returns a local path the external tool can read.
	GetPath(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	EnsureDir(ctx context.Context) error
	// Sweep removes files last written before the cutoff.
	Sweep(ctx context.Context, before time.Time) (int, error)
}

// FileSystemStore stores files on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (s *FileSystemStore) EnsureDir(context.Context) error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// Save writes data to key, creating parent directories as needed.
// Returns the number of bytes written.
func (s *FileSystemStore) Save(_ context.Context, key string, data io.Reader) (int64, error) {
	filePath, err := s.filePath(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		// Clean up partial file on error
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// GetPath returns the path to a stored file, or ErrNotFound.
func (s *FileSystemStore) GetPath(_ context.Context, key string) (string, error) {
	filePath, err := s.filePath(key)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	return filePath, nil
}

// Delete removes the stored file. Missing files are not an error.
func (s *FileSystemStore) Delete(_ context.Context, key string) error {
	filePath, err := s.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	pruneEmptyDirs(s.basePath, filepath.Dir(filePath))
	return nil
}

func (s *FileSystemStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	var dirs []string
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != s.basePath {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(before) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	// Deepest first so parents empty out after their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}
	if err != nil {
		return removed, fmt.Errorf("failed to sweep %s: %w", s.basePath, err)
	}
	return removed, nil
}

func (s *FileSystemStore) filePath(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// pruneEmptyDirs removes empty directories from dir up to, not including, root.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
