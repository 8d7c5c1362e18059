package task

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	processingTimesKey = "voxqueue:processing_times"
	rollingWindow       = 20
)

// RollingAverage tracks the last 20 completion processing times, feeding
// the estimated_wait_minutes figure on task_queued events. Backed by a
// capped Redis list when a client is configured so the figure stays
// accurate across a horizontally scaled deployment; falls back to an
// in-process ring buffer otherwise. Record is called from every worker
// goroutine and Average from every Submit, so the local fallback needs its
// own lock even though the Redis path pushes that concurrency down into the
// client.
type RollingAverage struct {
	redis *redis.Client

	mu    sync.Mutex
	local []time.Duration
}

func NewRollingAverage(client *redis.Client) *RollingAverage {
	return &RollingAverage{redis: client}
}

func (r *RollingAverage) Record(ctx context.Context, d time.Duration) {
	if r.redis == nil {
		r.mu.Lock()
		r.local = append(r.local, d)
		if len(r.local) > rollingWindow {
			r.local = r.local[len(r.local)-rollingWindow:]
		}
		r.mu.Unlock()
		return
	}
	pipe := r.redis.Pipeline()
	pipe.LPush(ctx, processingTimesKey, int64(d/time.Millisecond))
	pipe.LTrim(ctx, processingTimesKey, 0, rollingWindow-1)
	_, _ = pipe.Exec(ctx)
}

func (r *RollingAverage) Average(ctx context.Context) time.Duration {
	if r.redis == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.local) == 0 {
			return 0
		}
		var total time.Duration
		for _, d := range r.local {
			total += d
		}
		return total / time.Duration(len(r.local))
	}

	vals, err := r.redis.LRange(ctx, processingTimesKey, 0, rollingWindow-1).Result()
	if err != nil || len(vals) == 0 {
		return 0
	}
	var total int64
	var count int64
	for _, v := range vals {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += ms
		count++
	}
	if count == 0 {
		return 0
	}
	return time.Duration(total/count) * time.Millisecond
}
