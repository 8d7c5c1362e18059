package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sundeep-k/voxqueue/internal/blobstore"
	"github.com/sundeep-k/voxqueue/internal/models"
)

// PendingUpload tracks one in-flight blob assembly — either single-shot
// (total_chunks == 1) or streamed chunk-by-chunk — until Finalize succeeds
// or the upload is abandoned.
type PendingUpload struct {
	FileHash     string
	FileName     string
	FileSize     int64
	Output       models.OutputFormat
	ForceRefresh bool

	ChunkSize   int64
	TotalChunks int

	mu       sync.Mutex
	received map[int]bool
	writer   blobstore.Writer
}

func NewPendingUpload(hash, name string, size int64, output models.OutputFormat, forceRefresh bool, chunkSize int64, totalChunks int, w blobstore.Writer) *PendingUpload {
	if totalChunks < 1 {
		totalChunks = 1
	}
	return &PendingUpload{
		FileHash:     hash,
		FileName:     name,
		FileSize:     size,
		Output:       output,
		ForceRefresh: forceRefresh,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		received:     make(map[int]bool, totalChunks),
		writer:       w,
	}
}

// WriteChunk writes one chunk at its offset and records receipt. Returns
// duplicate=true if this chunk index was already written — such a chunk is
// acknowledged but not rewritten, per the chunked-upload duplicate rule.
func (p *PendingUpload) WriteChunk(ctx context.Context, store blobstore.Store, index int, data []byte, chunkHash string) (duplicate bool, err error) {
	if index < 0 || index >= p.TotalChunks {
		return false, fmt.Errorf("chunk index %d out of range [0,%d)", index, p.TotalChunks)
	}
	if chunkHash != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != chunkHash {
			return false, fmt.Errorf("chunk %d hash mismatch", index)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.received[index] {
		return true, nil
	}
	offset := int64(index) * p.ChunkSize
	if err := store.WriteChunk(ctx, p.writer, offset, data); err != nil {
		return false, err
	}
	p.received[index] = true
	return false, nil
}

func (p *PendingUpload) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received) == p.TotalChunks
}

// Finalize hands the writer to the Blob Store for hash verification and
// atomic rename. hashOK=false means the assembled bytes did not match the
// declared file_hash; the caller must treat this as FileHashMismatch and
// must not acquire a refcount for it.
func (p *PendingUpload) Finalize(ctx context.Context, store blobstore.Store) (path string, hashOK bool, err error) {
	return store.Finalize(ctx, p.writer)
}
