package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore serves dataset files from a local directory tree laid out
// as <root>/<datasetID>/<path>.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a filesystem-backed store rooted at root
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("file root %s is not a directory", abs)
	}
	return &FilesystemStore{root: abs}, nil
}

// Open opens one dataset file. The resolved path must stay inside the root;
// anything escaping it (dot segments, absolute paths) is treated as missing.
func (f *FilesystemStore) Open(_ context.Context, datasetID, path string) (io.ReadCloser, error) {
	full := filepath.Join(f.root, filepath.Clean("/"+datasetID), filepath.Clean("/"+path))
	if !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return nil, ErrFileNotFound
	}

	file, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	return file, nil
}
