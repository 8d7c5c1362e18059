package blobstore

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

// s3Mirror wraps any Store and additionally pushes every finalized blob to
// a configured S3 bucket. Reads and refcounting stay local — the mirror is
// a durability backstop, not the primary path, so a transient S3 failure on
// mirroring never blocks Finalize from succeeding locally.
type s3Mirror struct {
	inner  Store
	client *s3.Client
	bucket string
	logger logger.Logger
}

func NewS3Mirror(inner Store, client *s3.Client, bucket string, log logger.Logger) Store {
	return &s3Mirror{inner: inner, client: client, bucket: bucket, logger: log}
}

func (m *s3Mirror) BeginUpload(ctx context.Context, hash string, size int64) (Writer, error) {
	return m.inner.BeginUpload(ctx, hash, size)
}

func (m *s3Mirror) WriteChunk(ctx context.Context, w Writer, offset int64, data []byte) error {
	return m.inner.WriteChunk(ctx, w, offset, data)
}

func (m *s3Mirror) Finalize(ctx context.Context, w Writer) (string, bool, error) {
	path, ok, err := m.inner.Finalize(ctx, w)
	if err != nil || !ok {
		return path, ok, err
	}

	go m.push(w.Hash(), path)
	return path, ok, nil
}

func (m *s3Mirror) push(hash, path string) {
	f, err := os.Open(path)
	if err != nil {
		m.logger.Warnf("s3mirror: open %s for mirroring: %v", path, err)
		return
	}
	defer f.Close()

	ctx := context.Background()
	key := hash
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		m.logger.Warnf("s3mirror: put object %s: %v", hash, err)
		return
	}
}

func (m *s3Mirror) Acquire(ctx context.Context, hash string) (string, error) {
	return m.inner.Acquire(ctx, hash)
}

func (m *s3Mirror) Release(ctx context.Context, hash string) error {
	return m.inner.Release(ctx, hash)
}

func (m *s3Mirror) Stat(ctx context.Context, hash string) (models.BlobHandle, error) {
	return m.inner.Stat(ctx, hash)
}
