// Package engine gates access to the non-reentrant transcription engine,
// the one external collaborator this module treats as an opaque black box.
package engine

import (
	"context"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// Hints are the admission-time parameters a worker passes through to the
// engine; currently just the language/diarization toggles a real recognizer
// would need. Kept narrow on purpose — everything else about the request is
// the task manager's concern, not the engine's.
type Hints struct {
	Language  string
	Diarize   bool
}

// Engine is the capability every adapter variant (Serialized, Pooled, Mock)
// satisfies. Transcribe blocks the calling worker for the model's duration;
// callers must not assume it is safe to call concurrently on the same
// instance unless the concrete adapter documents otherwise.
type Engine interface {
	Transcribe(ctx context.Context, path string, hints Hints) (models.RawResult, error)
}
