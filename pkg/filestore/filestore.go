// Package filestore serves dataset file blobs. Two backends exist: a local
// filesystem tree and S3-compatible object storage. Which files a caller may
// see is decided upstream; the backends only fetch bytes.
package filestore

import (
	"context"
	"errors"
	"io"
)

// ErrFileNotFound is returned when the backend has no blob for the key
var ErrFileNotFound = errors.New("file not found")

// FileStore fetches one dataset file's content. Keys are the dataset id plus
// the file's relative path inside the dataset.
type FileStore interface {
	Open(ctx context.Context, datasetID, path string) (io.ReadCloser, error)
}
