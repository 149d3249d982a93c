// Package blobs stores attachment payloads in S3-compatible storage or a directory.
package blobs

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("blobs: object not found")

// Object describes a stored blob.
type Object struct {
	Key  string
	Size int64
}

// Store is the blob storage contract used by attachment transfer and offload verification.
type Store interface {
	Stat(ctx context.Context, key string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}
