package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sundeep-k/voxqueue/internal/auth"
	"github.com/sundeep-k/voxqueue/internal/blobstore"
	"github.com/sundeep-k/voxqueue/internal/config"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/internal/resultcache"
	"github.com/sundeep-k/voxqueue/internal/task"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

// Dispatcher demultiplexes inbound envelopes for one session onto the
// Task Manager, Blob Store, and Hub. It holds no per-connection state of
// its own — that lives on the Session — so one Dispatcher serves every
// connection.
type Dispatcher struct {
	cfg       *config.Config
	logger    logger.Logger
	store     blobstore.Store
	cache     resultcache.Cache
	manager   *task.Manager
	hub       *Hub
	validator auth.Validator
}

func NewDispatcher(cfg *config.Config, log logger.Logger, store blobstore.Store, cache resultcache.Cache, manager *task.Manager, hub *Hub, validator auth.Validator) *Dispatcher {
	return &Dispatcher{cfg: cfg, logger: log, store: store, cache: cache, manager: manager, hub: hub, validator: validator}
}

// Handle routes one inbound frame for s. It never returns an error to the
// caller — all failures are reported to the client as an "error" envelope
// so a single bad message never tears down the connection.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, raw []byte) {
	s.Touch()

	msgType, data, err := decodeEnvelope(raw)
	if err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed envelope", "")
		return
	}

	if d.cfg.Auth.Enabled && !s.Authenticated && msgType != InAuth && msgType != InPing {
		d.hub.SendError(s, string(models.ErrAuthFailed), "authenticate first", "")
		return
	}

	switch MessageType(msgType) {
	case InAuth:
		d.handleAuth(s, data)
	case InUploadReq:
		d.handleUploadRequest(ctx, s, data)
	case InUploadData:
		d.handleUploadData(ctx, s, data)
	case InUploadChunk:
		d.handleUploadChunk(ctx, s, data)
	case InTaskStatus:
		d.handleTaskStatus(s, data)
	case InCancel:
		d.handleCancel(ctx, s, data)
	case InPing:
		d.handlePing(s)
	default:
		d.hub.SendError(s, string(models.ErrInvalidMessage), "unrecognized message type: "+string(msgType), "")
	}
}

type authRequest struct {
	Token string `json:"token"`
}

func (d *Dispatcher) handleAuth(s *Session, data json.RawMessage) {
	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed auth payload", "")
		return
	}
	if err := d.validator.Validate(req.Token); err != nil {
		d.hub.SendError(s, string(models.ErrAuthFailed), err.Error(), "")
		return
	}
	s.Authenticated = true
	d.hub.Send(s, OutAuthOK, map[string]interface{}{})
}

type uploadRequest struct {
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileHash     string `json:"file_hash"`
	ForceRefresh bool   `json:"force_refresh"`
	OutputFormat string `json:"output_format"`
	UploadMode   string `json:"upload_mode"`
	ChunkSize    int64  `json:"chunk_size"`
	TotalChunks  int    `json:"total_chunks"`
}

func outputFormat(raw string) models.OutputFormat {
	if raw == string(models.FormatSRT) {
		return models.FormatSRT
	}
	return models.FormatJSON
}

func (d *Dispatcher) submitRequest(s *Session, req uploadRequest) models.SubmitRequest {
	return models.SubmitRequest{
		FileHash:         req.FileHash,
		FileName:         req.FileName,
		FileSize:         req.FileSize,
		Output:           outputFormat(req.OutputFormat),
		ForceRefresh:     req.ForceRefresh,
		CreatorSessionID: s.ID,
	}
}

// handleUploadRequest implements admission steps 1-2 ahead of any byte
// transfer: a cache hit needs no upload at all, so it is resolved here,
// synchronously, before the client is asked to send anything.
func (d *Dispatcher) handleUploadRequest(ctx context.Context, s *Session, data json.RawMessage) {
	var req uploadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed upload_request", "")
		return
	}

	if !req.ForceRefresh {
		if _, hit, err := d.cache.Get(ctx, req.FileHash); err == nil && hit {
			d.submitAndNotify(ctx, s, d.submitRequest(s, req))
			return
		}
	}

	if err := task.CheckFileConstraints(d.cfg, req.FileName, req.FileSize); err != nil {
		te := err.(*models.TaskError)
		d.hub.SendError(s, string(te.Code), te.Message, "")
		return
	}

	w, err := d.store.BeginUpload(ctx, req.FileHash, req.FileSize)
	if err != nil {
		d.hub.SendError(s, string(models.ErrUnsupportedFormat), "could not begin upload: "+err.Error(), "")
		return
	}

	chunkSize := req.ChunkSize
	totalChunks := req.TotalChunks
	if req.UploadMode != "chunked" {
		chunkSize = req.FileSize
		totalChunks = 1
	}

	pending := NewPendingUpload(req.FileHash, req.FileName, req.FileSize, outputFormat(req.OutputFormat), req.ForceRefresh, chunkSize, totalChunks, w)
	s.SetPending(pending)

	d.hub.Send(s, OutUploadReady, map[string]interface{}{
		"file_hash":    req.FileHash,
		"upload_mode":  req.UploadMode,
		"total_chunks": totalChunks,
	})
}

type uploadDataMessage struct {
	FileHash string `json:"file_hash"`
	Data     string `json:"chunk_data"`
}

// handleUploadData implements the single-shot upload path: one base64
// payload carrying the whole artifact.
func (d *Dispatcher) handleUploadData(ctx context.Context, s *Session, data json.RawMessage) {
	var msg uploadDataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed upload_data", "")
		return
	}
	pending := s.GetPending()
	if pending == nil || pending.FileHash != msg.FileHash {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "no matching pending upload", "")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "invalid base64 payload", "")
		return
	}

	if _, err := pending.WriteChunk(ctx, d.store, 0, raw, ""); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), err.Error(), "")
		return
	}

	d.finalizeUpload(ctx, s, pending)
}

type uploadChunkMessage struct {
	TaskID     string `json:"task_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkHash  string `json:"chunk_hash"`
	ChunkData  string `json:"chunk_data"`
	IsLast     bool   `json:"is_last"`
}

func (d *Dispatcher) handleUploadChunk(ctx context.Context, s *Session, data json.RawMessage) {
	var msg uploadChunkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed upload_chunk", "")
		return
	}
	pending := s.GetPending()
	if pending == nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "no pending upload in progress", "")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.ChunkData)
	if err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "invalid base64 chunk", "")
		return
	}

	duplicate, err := pending.WriteChunk(ctx, d.store, msg.ChunkIndex, raw, msg.ChunkHash)
	if err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), err.Error(), "")
		return
	}

	status := "ok"
	if duplicate {
		status = "duplicate"
	}
	d.hub.Send(s, OutChunkReceived, map[string]interface{}{
		"chunk_index": msg.ChunkIndex,
		"status":      status,
	})

	if pending.Complete() {
		d.finalizeUpload(ctx, s, pending)
	}
}

func (d *Dispatcher) finalizeUpload(ctx context.Context, s *Session, pending *PendingUpload) {
	path, hashOK, err := pending.Finalize(ctx, d.store)
	if err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "finalize failed: "+err.Error(), "")
		s.SetPending(nil)
		return
	}
	if !hashOK {
		d.hub.SendError(s, string(models.ErrFileHashMismatch), "uploaded bytes do not match the declared file_hash", "")
		s.SetPending(nil)
		return
	}
	s.SetPending(nil)

	d.hub.Send(s, OutUploadComplete, map[string]interface{}{"file_hash": pending.FileHash, "path": path})

	req := models.SubmitRequest{
		FileHash:         pending.FileHash,
		FileName:         pending.FileName,
		FileSize:         pending.FileSize,
		Output:           pending.Output,
		ForceRefresh:     pending.ForceRefresh,
		CreatorSessionID: s.ID,
	}
	d.submitAndNotify(ctx, s, req)
}

func (d *Dispatcher) submitAndNotify(ctx context.Context, s *Session, req models.SubmitRequest) {
	res, err := d.manager.Submit(ctx, req)
	if err != nil {
		if te, ok := err.(*models.TaskError); ok {
			d.hub.SendError(s, string(te.Code), te.Message, "")
			return
		}
		d.hub.SendError(s, string(models.ErrInvalidMessage), err.Error(), "")
		return
	}

	d.hub.Bind(res.TaskID, s.ID)
	s.Subscribe(res.TaskID, true)

	if res.Mode == models.ModeCacheHit {
		var decoded map[string]interface{}
		_ = json.Unmarshal(res.Payload, &decoded)
		if res.OutputFormat == models.FormatJSON && decoded != nil {
			decoded["task_id"] = res.TaskID
		}
		d.hub.Send(s, OutTaskComplete, map[string]interface{}{
			"task_id":       res.TaskID,
			"status":        string(models.TaskCompleted),
			"output_format": string(res.OutputFormat),
			"result":        decoded,
		})
		return
	}
	d.hub.Send(s, OutTaskQueued, map[string]interface{}{
		"task_id":        res.TaskID,
		"queue_position": res.QueuePosition,
		"mode":           string(res.Mode),
	})
}

type taskStatusMessage struct {
	TaskID string `json:"task_id"`
}

func (d *Dispatcher) handleTaskStatus(s *Session, data json.RawMessage) {
	var msg taskStatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed task_status", "")
		return
	}
	t, ok := d.manager.TaskSnapshot(msg.TaskID)
	if !ok {
		d.hub.SendError(s, string(models.ErrUnknownTask), fmt.Sprintf("unknown task: %s", msg.TaskID), msg.TaskID)
		return
	}
	d.hub.Send(s, OutTaskProgress, map[string]interface{}{
		"task_id":     t.TaskID,
		"status":      string(t.Status),
		"retry_count": t.RetryCount,
	})
}

type cancelMessage struct {
	TaskID string `json:"task_id"`
}

func (d *Dispatcher) handleCancel(ctx context.Context, s *Session, data json.RawMessage) {
	var msg cancelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.hub.SendError(s, string(models.ErrInvalidMessage), "malformed cancel", "")
		return
	}
	if err := d.manager.Cancel(ctx, msg.TaskID, s.ID); err != nil {
		if te, ok := err.(*models.TaskError); ok {
			d.hub.SendError(s, string(te.Code), te.Message, msg.TaskID)
			return
		}
		d.hub.SendError(s, string(models.ErrInvalidMessage), err.Error(), msg.TaskID)
	}
}

func (d *Dispatcher) handlePing(s *Session) {
	d.hub.Send(s, OutPong, map[string]interface{}{"server_time": time.Now().UTC().Format(time.RFC3339)})
}
