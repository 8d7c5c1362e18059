package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

type fsEntry struct {
	handle models.BlobHandle
	mu     sync.Mutex
}

// fsStore is the local content-addressed filesystem backend. Concurrent
// uploads of the same hash each assemble in distinct temp files; exactly
// one wins the rename at Finalize, the rest discard. All mutating
// operations on a given hash are serialized by that hash's own entry lock,
// never a global lock.
type fsStore struct {
	rootDir    string
	logger     logger.Logger
	deleteBlob bool

	mapMu   sync.Mutex
	entries map[string]*fsEntry
}

// NewFSStore opens the local content-addressed filesystem backend.
// deleteAfterTranscription mirrors SchedulerConfig.DeleteAfterTranscription:
// when false, a blob is kept on disk at refcount zero (Stat/Acquire can
// still find it by hash later) rather than removed, per spec.md's
// retention-policy gate on deletion.
func NewFSStore(rootDir string, deleteAfterTranscription bool, log logger.Logger) (*fsStore, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "blobs"), 0o755); err != nil {
		return nil, errors.Wrap(err, "fsstore: create blobs dir")
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "tmp"), 0o755); err != nil {
		return nil, errors.Wrap(err, "fsstore: create tmp dir")
	}
	return &fsStore{rootDir: rootDir, logger: log, deleteBlob: deleteAfterTranscription, entries: make(map[string]*fsEntry)}, nil
}

func (s *fsStore) blobPath(hash string) string {
	return filepath.Join(s.rootDir, "blobs", hash)
}

func (s *fsStore) entry(hash string) *fsEntry {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		e = &fsEntry{handle: models.BlobHandle{FileHash: hash}}
		s.entries[hash] = e
	}
	return e
}

type fsWriter struct {
	hash     string
	tempPath string
	file     *os.File
}

func (w *fsWriter) Hash() string { return w.hash }

func (w *fsWriter) WriteAt(p []byte, off int64) (int, error) {
	return w.file.WriteAt(p, off)
}

func (s *fsStore) BeginUpload(ctx context.Context, hash string, size int64) (Writer, error) {
	tempPath := filepath.Join(s.rootDir, "tmp", hash+"-"+uuid.NewString()+".part")
	f, err := os.Create(tempPath)
	if err != nil {
		return nil, errors.Wrap(err, "fsstore: begin upload")
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(tempPath)
			return nil, errors.Wrap(err, "fsstore: preallocate")
		}
	}
	return &fsWriter{hash: hash, tempPath: tempPath, file: f}, nil
}

func (s *fsStore) WriteChunk(ctx context.Context, w Writer, offset int64, data []byte) error {
	_, err := w.WriteAt(data, offset)
	return err
}

// Finalize verifies the assembled file's hash, then atomically renames it
// into the content-addressed blob directory. If a blob with this hash
// already exists (another uploader won the race, or it was previously
// uploaded), the temp file is discarded and the existing blob is reused —
// idempotent writes, first finalizer wins.
func (s *fsStore) Finalize(ctx context.Context, w Writer) (string, bool, error) {
	fw, ok := w.(*fsWriter)
	if !ok {
		return "", false, fmt.Errorf("fsstore: foreign writer type")
	}
	if err := fw.file.Sync(); err != nil {
		return "", false, errors.Wrap(err, "fsstore: sync")
	}
	actualHash, size, err := hashFile(fw.tempPath)
	fw.file.Close()
	if err != nil {
		os.Remove(fw.tempPath)
		return "", false, errors.Wrap(err, "fsstore: hash")
	}
	if actualHash != fw.hash {
		os.Remove(fw.tempPath)
		return "", false, nil
	}

	e := s.entry(fw.hash)
	e.mu.Lock()
	defer e.mu.Unlock()

	dest := s.blobPath(fw.hash)
	if _, statErr := os.Stat(dest); statErr == nil {
		os.Remove(fw.tempPath)
	} else {
		if err := os.Rename(fw.tempPath, dest); err != nil {
			os.Remove(fw.tempPath)
			return "", false, errors.Wrap(err, "fsstore: rename")
		}
	}
	e.handle.Path = dest
	e.handle.Size = size
	return dest, true, nil
}

func (s *fsStore) Acquire(ctx context.Context, hash string) (string, error) {
	e := s.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle.Path == "" {
		if _, err := os.Stat(s.blobPath(hash)); err != nil {
			return "", &NotFound{Hash: hash}
		}
		e.handle.Path = s.blobPath(hash)
	}
	e.handle.Refcount++
	e.handle.LastRefAt = time.Now()
	return e.handle.Path, nil
}

func (s *fsStore) Release(ctx context.Context, hash string) error {
	e := s.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle.Refcount > 0 {
		e.handle.Refcount--
	}
	e.handle.LastRefAt = time.Now()
	if e.handle.Refcount == 0 {
		if s.deleteBlob {
			if err := os.Remove(e.handle.Path); err != nil && !os.IsNotExist(err) {
				s.logger.Warnf("fsstore: delete blob %s: %v", hash, err)
			}
			delete(s.entries, hash)
		}
	}
	return nil
}

func (s *fsStore) Stat(ctx context.Context, hash string) (models.BlobHandle, error) {
	e := s.entry(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle.Path == "" {
		return models.BlobHandle{}, &NotFound{Hash: hash}
	}
	return e.handle, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
