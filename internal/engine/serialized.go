package engine

import (
	"context"
	"sync"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// Serialized wraps a single non-reentrant engine instance behind a mutex.
// Simplest and lowest-memory of the two adapter variants; every Transcribe
// call blocks until the previous one finishes.
type Serialized struct {
	mu     sync.Mutex
	inner  Engine
}

func NewSerialized(inner Engine) *Serialized {
	return &Serialized{inner: inner}
}

func (s *Serialized) Transcribe(ctx context.Context, path string, hints Hints) (models.RawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Transcribe(ctx, path, hints)
}
