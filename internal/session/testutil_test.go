package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sundeep-k/voxqueue/internal/blobstore"
	"github.com/sundeep-k/voxqueue/internal/engine"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/internal/resultcache"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// newTestSessionPair upgrades a real loopback connection so Session exercises
// its actual WebSocket write path rather than a mock.
func newTestSessionPair(t *testing.T) (*Session, *websocket.Conn) {
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		serverConn = c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	waitFor(t, time.Second, func() bool { return serverConn != nil })
	return NewSession(uuid.NewString(), serverConn, logger.Noop()), clientConn
}

// fakeWriter is a blobstore.Writer backed by an in-memory byte slice, grown
// on demand so out-of-order chunk writes behave like the real fs writer.
type fakeWriter struct {
	mu   sync.Mutex
	hash string
	buf  []byte
}

func (w *fakeWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(w.buf)) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[off:], p)
	return len(p), nil
}

func (w *fakeWriter) Hash() string { return w.hash }

// fakeBlobStore is an in-memory blobstore.Store exercising the same
// finalize-verifies-hash contract as the filesystem backend.
type fakeBlobStore struct {
	mu         sync.Mutex
	paths      map[string]string
	refs       map[string]int
	beginCount int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{paths: map[string]string{}, refs: map[string]int{}}
}

func (s *fakeBlobStore) BeginUpload(ctx context.Context, hash string, size int64) (blobstore.Writer, error) {
	s.mu.Lock()
	s.beginCount++
	s.mu.Unlock()
	return &fakeWriter{hash: hash}, nil
}

func (s *fakeBlobStore) beginUploadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginCount
}

func (s *fakeBlobStore) WriteChunk(ctx context.Context, w blobstore.Writer, offset int64, data []byte) error {
	_, err := w.WriteAt(data, offset)
	return err
}

func (s *fakeBlobStore) Finalize(ctx context.Context, w blobstore.Writer) (string, bool, error) {
	fw := w.(*fakeWriter)
	sum := sha256.Sum256(fw.buf)
	actual := hex.EncodeToString(sum[:])
	path := "/tmp/" + fw.hash
	if actual != fw.hash {
		return path, false, nil
	}
	s.mu.Lock()
	s.paths[fw.hash] = path
	s.mu.Unlock()
	return path, true, nil
}

func (s *fakeBlobStore) Acquire(ctx context.Context, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[hash]
	if !ok {
		return "", &blobstore.NotFound{Hash: hash}
	}
	s.refs[hash]++
	return p, nil
}

func (s *fakeBlobStore) Release(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[hash]--
	return nil
}

func (s *fakeBlobStore) Stat(ctx context.Context, hash string) (models.BlobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[hash]
	if !ok {
		return models.BlobHandle{}, &blobstore.NotFound{Hash: hash}
	}
	return models.BlobHandle{FileHash: hash, Path: p, Refcount: s.refs[hash]}, nil
}

// fakeCache is a minimal resultcache.Cache, enough to drive a manager
// through cache-hit and cache-miss admission without Postgres.
type fakeCache struct {
	mu      sync.Mutex
	raw     map[string]models.RawResult
	derived map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{raw: map[string]models.RawResult{}, derived: map[string][]byte{}}
}

func (c *fakeCache) Get(ctx context.Context, hash string) (models.ResultCacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.raw[hash]
	if !ok {
		return models.ResultCacheEntry{}, false, nil
	}
	return models.ResultCacheEntry{FileHash: hash, Raw: raw}, true, nil
}

func (c *fakeCache) PutRaw(ctx context.Context, hash string, raw models.RawResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.raw[hash]; !ok {
		c.raw[hash] = raw
	}
	return nil
}

func (c *fakeCache) GetOrDeriveFormat(ctx context.Context, hash string, format models.OutputFormat, derive resultcache.DeriveFunc) ([]byte, error) {
	key := hash + "|" + string(format)
	c.mu.Lock()
	if b, ok := c.derived[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	raw, ok := c.raw[hash]
	c.mu.Unlock()
	if !ok {
		return nil, &blobstore.NotFound{Hash: hash}
	}
	b, err := derive(raw)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.derived[key] = b
	c.mu.Unlock()
	return b, nil
}

func (c *fakeCache) Evict(ctx context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.raw, hash)
	return nil
}

func (c *fakeCache) RecordAudit(ctx context.Context, rec models.TaskAuditRecord) {}

func (c *fakeCache) Close() error { return nil }

// fakeEngine always succeeds with a canned result.
type fakeEngine struct {
	result models.RawResult
}

func (e *fakeEngine) Transcribe(ctx context.Context, path string, hints engine.Hints) (models.RawResult, error) {
	return e.result, nil
}

// fakeValidator lets dispatch tests toggle auth outcome without a real JWT.
type fakeValidator struct {
	err error
}

func (v *fakeValidator) Validate(token string) error { return v.err }
