package models

import "time"

// BlobHandle is the Blob Store's bookkeeping record for one content-addressed
// artifact. Refcount is mutated only by the task manager's admission and
// terminal-transition hooks; no path is served while refcount is zero.
type BlobHandle struct {
	FileHash  string    `json:"file_hash"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Refcount  int       `json:"refcount"`
	LastRefAt time.Time `json:"last_ref_at"`
}
