package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

type hotEntry struct {
	mu      sync.Mutex
	entry   models.ResultCacheEntry
	derived map[models.OutputFormat][]byte
}

// pgCache is the Postgres-backed durable cache with an in-memory hot layer
// in front of it. Postgres is swept for TTL expiry; the hot layer is purely
// an optimization and is never the sole source of truth for raw results.
type pgCache struct {
	db     *sqlx.DB
	logger logger.Logger
	ttl    time.Duration

	hotMu sync.RWMutex
	hot   map[string]*hotEntry

	flightMu sync.Mutex
	flight   map[string]*sync.WaitGroup

	stop chan struct{}
	done chan struct{}
}

type cacheRow struct {
	FileHash     string    `db:"file_hash"`
	RawResult    []byte    `db:"raw_result"`
	CreatedAt    time.Time `db:"created_at"`
	LastAccessAt time.Time `db:"last_access_at"`
}

func NewPGCache(db *sqlx.DB, ttl time.Duration, log logger.Logger) (*pgCache, error) {
	if _, err := db.Exec(schemaQuery); err != nil {
		return nil, errors.Wrap(err, "resultcache: create schema")
	}
	c := &pgCache{
		db:     db,
		logger: log,
		ttl:    ttl,
		hot:    make(map[string]*hotEntry),
		flight: make(map[string]*sync.WaitGroup),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

func (c *pgCache) Close() error {
	close(c.stop)
	<-c.done
	return nil
}

func (c *pgCache) sweepLoop() {
	defer close(c.done)
	if c.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(c.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *pgCache) sweep() {
	rows, err := c.db.QueryContext(context.Background(), sweepExpiredQuery, c.ttl)
	if err != nil {
		c.logger.Warnf("resultcache: sweep query: %v", err)
		return
	}
	defer rows.Close()
	var expired []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err == nil {
			expired = append(expired, hash)
		}
	}
	if len(expired) == 0 {
		return
	}
	c.hotMu.Lock()
	for _, hash := range expired {
		delete(c.hot, hash)
	}
	c.hotMu.Unlock()
	c.logger.Infof("resultcache: swept %d expired entries", len(expired))
}

func (c *pgCache) Get(ctx context.Context, hash string) (models.ResultCacheEntry, bool, error) {
	if he := c.hotLookup(hash); he != nil {
		he.mu.Lock()
		he.entry.LastAccessAt = time.Now()
		entry := he.entry
		he.mu.Unlock()
		c.touchAccess(ctx, hash)
		return entry, true, nil
	}

	var row cacheRow
	err := c.db.GetContext(ctx, &row, getEntryQuery, hash)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return models.ResultCacheEntry{}, false, nil
		}
		return models.ResultCacheEntry{}, false, errors.Wrapf(err, "resultcache: get %s", hash)
	}

	var raw models.RawResult
	if err := json.Unmarshal(row.RawResult, &raw); err != nil {
		return models.ResultCacheEntry{}, false, errors.Wrapf(err, "resultcache: decode raw result %s", hash)
	}
	entry := models.ResultCacheEntry{
		FileHash:     row.FileHash,
		Raw:          raw,
		CreatedAt:    row.CreatedAt,
		LastAccessAt: time.Now(),
		TTL:          c.ttl,
	}
	c.storeHot(hash, entry)
	c.touchAccess(ctx, hash)
	return entry, true, nil
}

// touchAccess refreshes last_access_at so the TTL sweep measures time since
// last read, not just time since write — an actively-served entry must
// never expire out from under readers. Best-effort: a failure here doesn't
// invalidate the Get that triggered it.
func (c *pgCache) touchAccess(ctx context.Context, hash string) {
	if c.db == nil {
		return
	}
	if _, err := c.db.ExecContext(ctx, touchAccessQuery, hash); err != nil {
		c.logger.Warnf("resultcache: touch access %s: %v", hash, err)
	}
}

func (c *pgCache) PutRaw(ctx context.Context, hash string, raw models.RawResult) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrapf(err, "resultcache: encode raw result %s", hash)
	}
	if _, err := c.db.ExecContext(ctx, putRawQuery, hash, payload); err != nil {
		return errors.Wrapf(err, "resultcache: put raw %s", hash)
	}

	c.hotMu.Lock()
	he, ok := c.hot[hash]
	if !ok {
		he = &hotEntry{derived: make(map[models.OutputFormat][]byte)}
		c.hot[hash] = he
	}
	c.hotMu.Unlock()

	he.mu.Lock()
	if he.entry.CreatedAt.IsZero() {
		he.entry = models.ResultCacheEntry{FileHash: hash, Raw: raw, CreatedAt: time.Now(), TTL: c.ttl}
	}
	he.entry.LastAccessAt = time.Now()
	he.mu.Unlock()
	return nil
}

// GetOrDeriveFormat returns the cached derived payload for (hash, format),
// or invokes derive exactly once across concurrent callers under a
// per-(hash, format) lock and caches the result.
func (c *pgCache) GetOrDeriveFormat(ctx context.Context, hash string, format models.OutputFormat, derive DeriveFunc) ([]byte, error) {
	key := hash + "|" + string(format)

	for {
		c.flightMu.Lock()
		if wg, inFlight := c.flight[key]; inFlight {
			c.flightMu.Unlock()
			wg.Wait()
			continue
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		c.flight[key] = wg
		c.flightMu.Unlock()

		defer func() {
			c.flightMu.Lock()
			delete(c.flight, key)
			c.flightMu.Unlock()
			wg.Done()
		}()
		break
	}

	if he := c.hotLookup(hash); he != nil {
		he.mu.Lock()
		if payload, ok := he.derived[format]; ok {
			he.mu.Unlock()
			return payload, nil
		}
		he.mu.Unlock()
	}

	entry, ok, err := c.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("resultcache: no raw result for %s", hash)
	}

	payload, err := derive(entry.Raw)
	if err != nil {
		return nil, errors.Wrapf(err, "resultcache: derive %s for %s", format, hash)
	}

	he := c.hotLookup(hash)
	if he != nil {
		he.mu.Lock()
		he.derived[format] = payload
		he.mu.Unlock()
	}
	return payload, nil
}

func (c *pgCache) Evict(ctx context.Context, hash string) error {
	c.hotMu.Lock()
	delete(c.hot, hash)
	c.hotMu.Unlock()

	if _, err := c.db.ExecContext(ctx, evictQuery, hash); err != nil {
		return errors.Wrapf(err, "resultcache: evict %s", hash)
	}
	return nil
}

// RecordAudit is a best-effort, write-behind append. A failure here never
// propagates — it is supplementary observability, not a correctness gate.
func (c *pgCache) RecordAudit(ctx context.Context, rec models.TaskAuditRecord) {
	errCode := rec.ErrorCode
	_, err := c.db.ExecContext(ctx, insertAuditQuery,
		rec.TaskID, rec.FileHash, rec.Output, rec.Status, rec.RetryCount,
		rec.QueuedAt, rec.StartedAt, rec.FinishedAt, errCode,
	)
	if err != nil {
		c.logger.Warnf("resultcache: record audit for %s: %v", rec.TaskID, err)
	}
}

func (c *pgCache) hotLookup(hash string) *hotEntry {
	c.hotMu.RLock()
	defer c.hotMu.RUnlock()
	return c.hot[hash]
}

func (c *pgCache) storeHot(hash string, entry models.ResultCacheEntry) {
	c.hotMu.Lock()
	defer c.hotMu.Unlock()
	he, ok := c.hot[hash]
	if !ok {
		he = &hotEntry{derived: make(map[models.OutputFormat][]byte)}
		c.hot[hash] = he
	}
	he.mu.Lock()
	he.entry = entry
	he.mu.Unlock()
}
