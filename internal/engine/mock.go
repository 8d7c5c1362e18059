package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// Mock is a deterministic fixture engine with no real model; cmd/server
// builds it as the runtime backend in both concurrency modes. It
// derives a stable sentence list from the file's size so repeated calls on
// the same bytes produce the same raw result (required by the round-trip
// laws around retry-then-succeed yielding the same completion payload).
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

var mockPhrases = []string{
	"welcome to the transcription service",
	"this is a test of speech recognition",
	"the system is processing your audio file",
	"transcription includes speaker identification",
	"along with precise timestamp annotation",
	"thank you for using the service",
}

func (m *Mock) Transcribe(ctx context.Context, path string, hints Hints) (models.RawResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.RawResult{}, fmt.Errorf("mock engine: stat %s: %w", path, err)
	}

	durationMs := int64(10000 + (info.Size() % 50000))
	segCount := len(mockPhrases)
	segDuration := durationMs / int64(segCount)

	sentences := make([]models.Sentence, 0, segCount)
	cur := int64(0)
	for i, phrase := range mockPhrases {
		if cur >= durationMs {
			break
		}
		end := cur + segDuration
		if end > durationMs {
			end = durationMs
		}
		sentences = append(sentences, models.Sentence{
			Text:      phrase,
			StartMs:   cur,
			EndMs:     end,
			SpeakerID: i % 2,
		})
		cur = end
	}

	return models.RawResult{
		FileName:     filepath.Base(path),
		DurationMs:   durationMs,
		ProcessingMs: 50,
		Sentences:    sentences,
	}, nil
}
