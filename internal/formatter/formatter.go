// Package formatter derives client-facing transcript formats from a raw
// engine result. Both functions are pure and total over well-formed input.
package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/sundeep-k/voxqueue/internal/models"
)

const defaultMergeGap = 3 * time.Second

// Segment is one merged, speaker-labelled span in the JSON output.
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Summary is the aggregate block attached to the merged output.
type Summary struct {
	TotalSpeakers int    `json:"total_speakers"`
	TotalSegments int    `json:"total_segments"`
	FullText      string `json:"full_text"`
}

// Merged is the full JSON-merged transcript structure.
type Merged struct {
	TaskID       string   `json:"task_id"`
	FileName     string   `json:"file_name"`
	FileHash     string   `json:"file_hash"`
	Duration     float64  `json:"duration"`
	ProcessingTime float64 `json:"processing_time"`
	Speakers     []string `json:"speakers"`
	Segments     []Segment `json:"segments"`
	Summary      Summary  `json:"transcription_summary"`
}

// MergeJSON merges adjacent sentences sharing a speaker where the gap
// between them is under mergeGap (defaulting to 3s when zero), keeping the
// earliest start, latest end, and concatenated text with trailing
// sentence-final punctuation stripped from non-terminal segments.
//
// TaskID is left blank: a merged result is cached and shared by
// content hash across every task that derives the same (file_hash, json)
// pair, so it carries no single task's identity. Callers stamp the
// requesting task's real ID into the decoded payload after retrieval.
func MergeJSON(raw models.RawResult, mergeGap time.Duration) Merged {
	if mergeGap <= 0 {
		mergeGap = defaultMergeGap
	}
	gapMs := mergeGap.Milliseconds()

	labels := speakerLabels(raw.Sentences)

	var segments []Segment
	var cur *Segment
	var curEndMs int64
	var curSpeaker int

	flush := func() {
		if cur != nil {
			segments = append(segments, *cur)
			cur = nil
		}
	}

	for i, s := range raw.Sentences {
		if cur != nil && s.SpeakerID == curSpeaker && s.StartMs-curEndMs < gapMs {
			cur.Text = stripTrailingPunct(cur.Text) + " " + s.Text
			if float64(s.EndMs)/1000.0 > cur.End {
				cur.End = round3(float64(s.EndMs) / 1000.0)
			}
			curEndMs = s.EndMs
			continue
		}
		flush()
		cur = &Segment{
			Speaker: labels[s.SpeakerID],
			Start:   round3(float64(s.StartMs) / 1000.0),
			End:     round3(float64(s.EndMs) / 1000.0),
			Text:    s.Text,
		}
		curSpeaker = s.SpeakerID
		curEndMs = s.EndMs
		_ = i
	}
	flush()

	speakerSet := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, id := range sentenceOrder(raw.Sentences) {
		label := labels[id]
		if !seen[label] {
			seen[label] = true
			speakerSet = append(speakerSet, label)
		}
	}

	var fullTextParts []string
	for _, seg := range segments {
		fullTextParts = append(fullTextParts, seg.Text)
	}

	return Merged{
		FileName:       raw.FileName,
		FileHash:       raw.FileHash,
		Duration:       round3(float64(raw.DurationMs) / 1000.0),
		ProcessingTime: round3(float64(raw.ProcessingMs) / 1000.0),
		Speakers:       speakerSet,
		Segments:       segments,
		Summary: Summary{
			TotalSpeakers: len(speakerSet),
			TotalSegments: len(segments),
			FullText:      strings.Join(fullTextParts, " "),
		},
	}
}

// SRT is the cue-formatted derived output.
type SRT struct {
	Format   string `json:"format"`
	Content  string `json:"content"`
	FileName string `json:"file_name"`
	FileHash string `json:"file_hash"`
}

// ToSRT preserves the engine's original sentence segmentation (no merging):
// one cue per sentence, numbered from 1, payload "SpeakerN:<text>".
func ToSRT(raw models.RawResult) SRT {
	labels := speakerLabels(raw.Sentences)

	var b strings.Builder
	for i, s := range raw.Sentences {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s:%s\n\n",
			i+1,
			srtTimestamp(s.StartMs),
			srtTimestamp(s.EndMs),
			labels[s.SpeakerID],
			s.Text,
		)
	}

	return SRT{
		Format:   "srt",
		Content:  b.String(),
		FileName: raw.FileName,
		FileHash: raw.FileHash,
	}
}

// speakerLabels maps raw integer speaker IDs to "Speaker1", "Speaker2", …
// in order of first appearance.
func speakerLabels(sentences []models.Sentence) map[int]string {
	labels := make(map[int]string)
	next := 1
	for _, s := range sentences {
		if _, ok := labels[s.SpeakerID]; !ok {
			labels[s.SpeakerID] = fmt.Sprintf("Speaker%d", next)
			next++
		}
	}
	return labels
}

func sentenceOrder(sentences []models.Sentence) []int {
	ids := make([]int, 0, len(sentences))
	seen := make(map[int]bool)
	for _, s := range sentences {
		if !seen[s.SpeakerID] {
			seen[s.SpeakerID] = true
			ids = append(ids, s.SpeakerID)
		}
	}
	return ids
}

func stripTrailingPunct(s string) string {
	return strings.TrimRight(s, ".,;:!?。，")
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}

func srtTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3600000
	ms %= 3600000
	m := ms / 60000
	ms %= 60000
	sec := ms / 1000
	msRemain := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, sec, msRemain)
}
