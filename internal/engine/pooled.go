package engine

import (
	"context"
	"fmt"

	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/pkg/utils"
)

// Pooled holds N independent engine instances behind a buffered-channel
// semaphore, trading memory for parallelism (N = max_concurrent). Each
// instance is only ever used by one caller at a time; the semaphore, not a
// mutex, enforces that.
type Pooled struct {
	slots       chan Engine
	maxCPUUsage float64
}

// NewPooled takes ownership of instances; it must not be used by any other
// caller afterward.
func NewPooled(instances []Engine, maxCPUUsage float64) *Pooled {
	slots := make(chan Engine, len(instances))
	for _, inst := range instances {
		slots <- inst
	}
	return &Pooled{slots: slots, maxCPUUsage: maxCPUUsage}
}

func (p *Pooled) Transcribe(ctx context.Context, path string, hints Hints) (models.RawResult, error) {
	if p.maxCPUUsage > 0 {
		if ok, usage := utils.CheckCPUUsage(p.maxCPUUsage); !ok {
			return models.RawResult{}, fmt.Errorf("engine pool: cpu usage %.1f exceeds admission threshold %.1f", usage, p.maxCPUUsage)
		}
	}

	select {
	case inst := <-p.slots:
		defer func() { p.slots <- inst }()
		return inst.Transcribe(ctx, path, hints)
	case <-ctx.Done():
		return models.RawResult{}, ctx.Err()
	}
}
