package resultcache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sundeep-k/voxqueue/internal/models"
)

func newHotOnlyCache(hash string, raw models.RawResult) *pgCache {
	c := &pgCache{
		hot:    make(map[string]*hotEntry),
		flight: make(map[string]*sync.WaitGroup),
	}
	c.hot[hash] = &hotEntry{
		entry:   models.ResultCacheEntry{FileHash: hash, Raw: raw},
		derived: make(map[models.OutputFormat][]byte),
	}
	return c
}

func countingDerive(calls *int32) DeriveFunc {
	return func(raw models.RawResult) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return json.Marshal(map[string]int{"sentences": len(raw.Sentences)})
	}
}

func TestGetOrDeriveFormatRunsOnceAcrossConcurrentCallers(t *testing.T) {
	hash := "hash-1"
	raw := models.RawResult{FileHash: hash, Sentences: []models.Sentence{{Text: "hi", StartMs: 0, EndMs: 500}}}
	c := newHotOnlyCache(hash, raw)

	var calls int32
	derive := countingDerive(&calls)

	const n = 20
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := c.GetOrDeriveFormat(context.Background(), hash, models.FormatJSON, derive)
			if err != nil {
				t.Errorf("GetOrDeriveFormat: %v", err)
				return
			}
			results[i] = payload
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected derive to run exactly once, ran %d times", calls)
	}
	for i := 1; i < n; i++ {
		if string(results[i]) != string(results[0]) {
			t.Errorf("expected all callers to observe the same derived payload")
		}
	}
}

func TestGetRefreshesLastAccessAt(t *testing.T) {
	hash := "hash-touch"
	raw := models.RawResult{FileHash: hash}
	c := newHotOnlyCache(hash, raw)

	stale := time.Now().Add(-time.Hour)
	c.hot[hash].entry.LastAccessAt = stale

	entry, ok, err := c.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if !entry.LastAccessAt.After(stale) {
		t.Errorf("expected LastAccessAt refreshed past %v, got %v", stale, entry.LastAccessAt)
	}
	if !c.hot[hash].entry.LastAccessAt.After(stale) {
		t.Errorf("expected hot entry's LastAccessAt refreshed in place")
	}
}

func TestGetOrDeriveFormatCachesPerFormat(t *testing.T) {
	hash := "hash-2"
	raw := models.RawResult{FileHash: hash}
	c := newHotOnlyCache(hash, raw)

	var jsonCalls, srtCalls int32
	if _, err := c.GetOrDeriveFormat(context.Background(), hash, models.FormatJSON, countingDerive(&jsonCalls)); err != nil {
		t.Fatalf("derive json: %v", err)
	}
	if _, err := c.GetOrDeriveFormat(context.Background(), hash, models.FormatJSON, countingDerive(&jsonCalls)); err != nil {
		t.Fatalf("derive json again: %v", err)
	}
	if _, err := c.GetOrDeriveFormat(context.Background(), hash, models.FormatSRT, countingDerive(&srtCalls)); err != nil {
		t.Fatalf("derive srt: %v", err)
	}

	if jsonCalls != 1 {
		t.Errorf("expected json derive cached after first call, ran %d times", jsonCalls)
	}
	if srtCalls != 1 {
		t.Errorf("expected srt derive to run once independently of json, ran %d times", srtCalls)
	}
}
