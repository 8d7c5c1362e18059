// Package task implements the bounded task queue, worker pool, and
// admission/retry/cancellation logic that sits between the session layer
// and the transcription engine.
package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sundeep-k/voxqueue/internal/blobstore"
	"github.com/sundeep-k/voxqueue/internal/config"
	"github.com/sundeep-k/voxqueue/internal/engine"
	"github.com/sundeep-k/voxqueue/internal/formatter"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/internal/resultcache"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

// Manager is the Task Manager: it owns admission, the bounded queue, the
// worker pool, and every state transition a Task goes through. It never
// imports the session package — event fan-out goes through Sink, looked up
// by task ID only, so neither layer owns the other.
type Manager struct {
	cfg    *config.Config
	logger logger.Logger

	store   blobstore.Store
	cache   resultcache.Cache
	eng     engine.Engine
	sink    Sink
	rolling *RollingAverage

	reg *registry
	q   *queue
	p   *pool
}

func NewManager(cfg *config.Config, log logger.Logger, store blobstore.Store, cache resultcache.Cache, eng engine.Engine, sink Sink, rolling *RollingAverage) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	return &Manager{
		cfg:     cfg,
		logger:  log,
		store:   store,
		cache:   cache,
		eng:     eng,
		sink:    sink,
		rolling: rolling,
		reg:     newRegistry(),
		q:       newQueue(cfg.Scheduler.MaxQueueSize),
		p:       newPool(cfg.Scheduler.MaxConcurrentTasks),
	}
}

// Start launches the worker pool. Call once, after construction.
func (m *Manager) Start() {
	m.p.start(m.q, m.process)
}

// Shutdown stops accepting new dequeues and waits for in-flight workers to
// finish their current task.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.p.shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit runs the admission algorithm: validate, check the result cache,
// acquire the blob, and enqueue. req.FileHash must already name a finalized
// blob in the Blob Store — the session layer is responsible for completing
// the upload before calling Submit.
func (m *Manager) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error) {
	if req.Output == "" {
		req.Output = models.FormatJSON
	}
	if err := m.validate(req); err != nil {
		return models.SubmitResult{}, err
	}

	if !req.ForceRefresh {
		if entry, ok, err := m.cache.Get(ctx, req.FileHash); err == nil && ok {
			return m.completeFromCache(ctx, req, entry)
		}
	}

	taskID := uuid.New().String()
	now := time.Now()
	e := &entry{
		task: models.Task{
			TaskID:           taskID,
			FileHash:         req.FileHash,
			FileName:         req.FileName,
			FileSize:         req.FileSize,
			Output:           req.Output,
			Status:           models.TaskPending,
			CreatedAt:        now,
			CreatorSessionID: req.CreatorSessionID,
		},
		subscribers: map[string]bool{req.CreatorSessionID: true},
	}

	if _, err := m.store.Acquire(ctx, req.FileHash); err != nil {
		return models.SubmitResult{}, models.NewTaskError(models.ErrUnknownTask, "blob not ready: "+err.Error())
	}

	m.reg.put(e)

	pos, ok := m.q.tryEnqueue(taskID)
	if !ok {
		m.reg.delete(taskID)
		_ = m.store.Release(ctx, req.FileHash)
		return models.SubmitResult{}, models.NewTaskError(models.ErrQueueFull, "task queue is full")
	}

	mode := models.ModeQueued
	if m.p.idleWorkers() > 0 {
		mode = models.ModeImmediate
	}

	m.sink.Publish(Event{
		Type:   EventQueued,
		TaskID: taskID,
		Data: map[string]interface{}{
			"status":                string(models.TaskPending),
			"queue_position":        pos,
			"estimated_wait_minutes": m.estimatedWaitMinutes(ctx, pos),
		},
	})

	return models.SubmitResult{TaskID: taskID, Mode: mode, QueuePosition: pos}, nil
}

var structValidator = validator.New()

func (m *Manager) validate(req models.SubmitRequest) error {
	if err := structValidator.Struct(req); err != nil {
		return models.NewTaskError(models.ErrInvalidMessage, "malformed submit request: "+err.Error())
	}
	if err := CheckFileConstraints(m.cfg, req.FileName, req.FileSize); err != nil {
		return err
	}
	return nil
}

// CheckFileConstraints runs admission steps 1-2 of the spec's admission
// algorithm — extension allowlist and max-size ceiling — ahead of any byte
// transfer. Submit re-runs it (req.FileHash already names a finalized
// blob by then), but the session layer also calls it directly from
// handleUploadRequest, before BeginUpload ever touches disk, so an
// oversized or disallowed-extension upload is rejected before the client
// streams a single byte.
func CheckFileConstraints(cfg *config.Config, fileName string, fileSize int64) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	allowed := false
	for _, a := range cfg.Server.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return models.NewTaskError(models.ErrUnsupportedFormat, "unsupported file extension: "+ext)
	}
	maxBytes := cfg.Server.MaxFileSizeMB * 1024 * 1024
	if maxBytes > 0 && fileSize > maxBytes {
		return models.NewTaskError(models.ErrFileTooLarge, "file exceeds maximum allowed size")
	}
	return nil
}

func (m *Manager) completeFromCache(ctx context.Context, req models.SubmitRequest, cached models.ResultCacheEntry) (models.SubmitResult, error) {
	payload, err := m.cache.GetOrDeriveFormat(ctx, req.FileHash, req.Output, m.deriveFunc(req.Output))
	if err != nil {
		return models.SubmitResult{}, models.NewTaskError(models.ErrPermanentEngine, "deriving cached format: "+err.Error())
	}

	taskID := uuid.New().String()
	now := time.Now()
	e := &entry{
		task: models.Task{
			TaskID:           taskID,
			FileHash:         req.FileHash,
			FileName:         req.FileName,
			FileSize:         req.FileSize,
			Output:           req.Output,
			Status:           models.TaskCompleted,
			CreatedAt:        now,
			StartedAt:        &now,
			FinishedAt:       &now,
			CreatorSessionID: req.CreatorSessionID,
		},
		subscribers: map[string]bool{req.CreatorSessionID: true},
	}
	m.reg.put(e)

	var decoded map[string]interface{}
	_ = json.Unmarshal(payload, &decoded)
	stampTaskID(decoded, req.Output, taskID)

	m.sink.Publish(Event{
		Type:   EventComplete,
		TaskID: taskID,
		Data: map[string]interface{}{
			"status":      string(models.TaskCompleted),
			"output_format": string(req.Output),
			"result":      decoded,
			"duration_ms": cached.Raw.DurationMs,
		},
	})

	return models.SubmitResult{TaskID: taskID, Mode: models.ModeCacheHit, OutputFormat: req.Output, Payload: payload}, nil
}

func (m *Manager) deriveFunc(output models.OutputFormat) resultcache.DeriveFunc {
	return func(raw models.RawResult) ([]byte, error) {
		if output == models.FormatSRT {
			return json.Marshal(formatter.ToSRT(raw))
		}
		mergeGap := time.Duration(m.cfg.Scheduler.MergeGapS * float64(time.Second))
		return json.Marshal(formatter.MergeJSON(raw, mergeGap))
	}
}

// stampTaskID sets the requesting task's real ID on a decoded JSON-merged
// result. The json format is the only derived shape with a task_id field
// (spec.md's SRT field list has none); a cached merge is shared by content
// hash across every task that derives it, so the ID has to be stamped in
// per-delivery rather than baked in at derive time.
func stampTaskID(decoded map[string]interface{}, output models.OutputFormat, taskID string) {
	if output == models.FormatJSON && decoded != nil {
		decoded["task_id"] = taskID
	}
}

func (m *Manager) estimatedWaitMinutes(ctx context.Context, position int) float64 {
	if m.rolling == nil {
		return 0
	}
	avg := m.rolling.Average(ctx)
	if avg <= 0 {
		return 0
	}
	concurrency := m.cfg.Scheduler.MaxConcurrentTasks
	if concurrency < 1 {
		concurrency = 1
	}
	batches := float64(position) / float64(concurrency)
	return round2(batches * avg.Minutes())
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// process is the worker dispatch loop body: one task, start to terminal
// transition (or back to Pending on a transient retry).
func (m *Manager) process(taskID string) {
	e, ok := m.reg.get(taskID)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.task.Status != models.TaskPending {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	e.task.Status = models.TaskProcessing
	if e.task.StartedAt == nil {
		e.task.StartedAt = &now
	}
	hash := e.task.FileHash
	output := e.task.Output
	e.mu.Unlock()

	m.sink.Publish(Event{Type: EventProgress, TaskID: taskID, Data: map[string]interface{}{"status": string(models.TaskProcessing)}})

	timeout := time.Duration(m.cfg.Scheduler.TaskTimeoutMinutes) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	handle, err := m.store.Stat(ctx, hash)
	if err != nil {
		cancel()
		m.finishFailed(e, models.NewTaskError(models.ErrPermanentEngine, "blob unavailable: "+err.Error()))
		return
	}

	started := time.Now()
	raw, err := m.eng.Transcribe(ctx, handle.Path, engine.Hints{})
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancel()
	processingTime := time.Since(started)

	if err != nil {
		if timedOut {
			err = models.NewTaskError(models.ErrTaskTimeout, "transcription exceeded the configured timeout")
		}
		m.handleFailure(e, err)
		return
	}

	if err := m.cache.PutRaw(context.Background(), hash, raw); err != nil {
		m.finishFailed(e, models.NewTaskError(models.ErrPermanentEngine, "caching result: "+err.Error()))
		return
	}

	payload, err := m.cache.GetOrDeriveFormat(context.Background(), hash, output, m.deriveFunc(output))
	if err != nil {
		m.finishFailed(e, models.NewTaskError(models.ErrPermanentEngine, "deriving output: "+err.Error()))
		return
	}

	e.mu.Lock()
	finished := time.Now()
	e.task.Status = models.TaskCompleted
	e.task.FinishedAt = &finished
	audit := auditFrom(e.task)
	e.mu.Unlock()

	var decoded map[string]interface{}
	_ = json.Unmarshal(payload, &decoded)
	stampTaskID(decoded, output, taskID)

	m.sink.Publish(Event{
		Type:   EventComplete,
		TaskID: taskID,
		Data: map[string]interface{}{
			"status":        string(models.TaskCompleted),
			"output_format": string(output),
			"result":        decoded,
			"duration_ms":   raw.DurationMs,
		},
	})

	_ = m.store.Release(context.Background(), hash)

	if m.rolling != nil {
		m.rolling.Record(context.Background(), processingTime)
	}
	m.cache.RecordAudit(context.Background(), audit)
}

func (m *Manager) handleFailure(e *entry, err error) {
	te := classify(err)

	e.mu.Lock()
	retryCount := e.task.RetryCount
	e.mu.Unlock()

	if shouldRetry(te, retryCount, m.cfg.Scheduler.RetryTimes) {
		e.mu.Lock()
		e.task.RetryCount++
		e.task.Status = models.TaskPending
		taskID := e.task.TaskID
		e.mu.Unlock()

		m.sink.Publish(Event{
			Type:   EventProgress,
			TaskID: taskID,
			Data: map[string]interface{}{
				"status":  string(models.TaskPending),
				"retry":   true,
				"code":    string(te.Code),
				"message": te.Message,
			},
		})

		if _, ok := m.q.tryEnqueue(taskID); !ok {
			m.finishFailed(e, models.NewTaskError(models.ErrQueueFull, "queue full on retry"))
		}
		return
	}

	m.finishFailed(e, te)
}

func (m *Manager) finishFailed(e *entry, te *models.TaskError) {
	e.mu.Lock()
	now := time.Now()
	e.task.Status = models.TaskFailed
	e.task.FinishedAt = &now
	e.task.Err = te
	hash := e.task.FileHash
	taskID := e.task.TaskID
	audit := auditFrom(e.task)
	e.mu.Unlock()

	m.sink.Publish(Event{
		Type:   EventComplete,
		TaskID: taskID,
		Data: map[string]interface{}{
			"status":  string(models.TaskFailed),
			"code":    string(te.Code),
			"message": te.Message,
		},
	})

	_ = m.store.Release(context.Background(), hash)
	m.cache.RecordAudit(context.Background(), audit)
}

func auditFrom(t models.Task) models.TaskAuditRecord {
	code := ""
	if t.Err != nil {
		code = string(t.Err.Code)
	}
	return models.TaskAuditRecord{
		TaskID:     t.TaskID,
		FileHash:   t.FileHash,
		Output:     t.Output,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		QueuedAt:   t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		ErrorCode:  code,
	}
}

// Subscribe adds sessionID to taskID's fan-out list. Idempotent.
func (m *Manager) Subscribe(taskID, sessionID string) error {
	e, ok := m.reg.get(taskID)
	if !ok {
		return models.NewTaskError(models.ErrUnknownTask, "unknown task: "+taskID)
	}
	e.mu.Lock()
	if e.subscribers == nil {
		e.subscribers = map[string]bool{}
	}
	e.subscribers[sessionID] = true
	e.mu.Unlock()
	return nil
}

// Unsubscribe removes sessionID from taskID's fan-out list. Idempotent; a
// missing task is not an error since it may already have been reaped.
func (m *Manager) Unsubscribe(taskID, sessionID string) {
	e, ok := m.reg.get(taskID)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.subscribers, sessionID)
	e.mu.Unlock()
}

// Cancel transitions a Pending task straight to Cancelled. Processing and
// unknown tasks, and callers not subscribed to the task, are left untouched
// and get an error back; an already-terminal task is a no-op that returns
// nil.
func (m *Manager) Cancel(ctx context.Context, taskID, sessionID string) error {
	e, ok := m.reg.get(taskID)
	if !ok {
		return models.NewTaskError(models.ErrUnknownTask, "unknown task: "+taskID)
	}

	e.mu.Lock()
	if !e.subscribers[sessionID] {
		e.mu.Unlock()
		return models.NewTaskError(models.ErrUnknownTask, "not subscribed to task: "+taskID)
	}
	if e.task.Status != models.TaskPending {
		status := e.task.Status
		e.mu.Unlock()
		if status.Terminal() {
			return nil
		}
		return models.NewTaskError(models.ErrInvalidMessage, "task is already processing")
	}
	now := time.Now()
	e.task.Status = models.TaskCancelled
	e.task.FinishedAt = &now
	hash := e.task.FileHash
	audit := auditFrom(e.task)
	e.mu.Unlock()

	m.sink.Publish(Event{
		Type:   EventComplete,
		TaskID: taskID,
		Data:   map[string]interface{}{"status": string(models.TaskCancelled)},
	})

	_ = m.store.Release(ctx, hash)
	m.cache.RecordAudit(ctx, audit)
	return nil
}

// TaskSnapshot returns a copy of a task's current state, for the
// session layer's task_status query. The copy is safe to read without
// holding any lock.
func (m *Manager) TaskSnapshot(taskID string) (models.Task, bool) {
	e, ok := m.reg.get(taskID)
	if !ok {
		return models.Task{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, true
}

// Stats reports a point-in-time snapshot across every tracked task.
func (m *Manager) Stats() models.Stats {
	s := m.reg.snapshotStats(m.cfg.Scheduler.MaxQueueSize, m.cfg.Scheduler.MaxConcurrentTasks)
	s.QueueSize = m.q.Len()
	return s
}
