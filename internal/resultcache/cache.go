// Package resultcache is the durable, hash-keyed store of raw engine
// results plus lazily derived, idempotently cached output formats.
package resultcache

import (
	"context"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// DeriveFunc produces one output format from a raw result. It must be pure
// and total over well-formed input — the formatter package supplies these.
type DeriveFunc func(raw models.RawResult) ([]byte, error)

// Cache is the contract the task manager and session layer depend on.
type Cache interface {
	Get(ctx context.Context, hash string) (models.ResultCacheEntry, bool, error)
	PutRaw(ctx context.Context, hash string, raw models.RawResult) error
	GetOrDeriveFormat(ctx context.Context, hash string, format models.OutputFormat, derive DeriveFunc) ([]byte, error)
	Evict(ctx context.Context, hash string) error
	RecordAudit(ctx context.Context, rec models.TaskAuditRecord)
	Close() error
}
