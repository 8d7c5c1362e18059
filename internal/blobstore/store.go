// Package blobstore owns on-disk artifacts keyed by content hash, admits
// chunked writes, serves paths, and deletes only when a blob's refcount
// reaches zero.
package blobstore

import (
	"context"
	"io"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// Writer is a handle returned by BeginUpload; callers write bytes at
// arbitrary offsets (chunked upload) or sequentially (single-shot), then
// Finalize.
type Writer interface {
	io.WriterAt
	Hash() string
}

// Store is the content-addressed blob contract every backend satisfies.
type Store interface {
	BeginUpload(ctx context.Context, hash string, size int64) (Writer, error)
	WriteChunk(ctx context.Context, w Writer, offset int64, data []byte) error
	Finalize(ctx context.Context, w Writer) (path string, hashOK bool, err error)
	Acquire(ctx context.Context, hash string) (path string, err error)
	Release(ctx context.Context, hash string) error
	Stat(ctx context.Context, hash string) (models.BlobHandle, error)
}

// NotFound is returned by Acquire/Stat when no blob is registered for the
// requested hash, or its refcount is already zero and deletion has run.
type NotFound struct{ Hash string }

func (e *NotFound) Error() string { return "blob not found: " + e.Hash }
