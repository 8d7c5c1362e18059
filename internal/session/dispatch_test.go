package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/sundeep-k/voxqueue/internal/auth"
	"github.com/sundeep-k/voxqueue/internal/config"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/internal/task"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

func testDispatchConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.MaxConcurrentTasks = 2
	cfg.Scheduler.MaxQueueSize = 4
	cfg.Scheduler.TaskTimeoutMinutes = 1
	cfg.Scheduler.RetryTimes = 1
	cfg.Scheduler.MergeGapS = 3
	cfg.Server.AllowedExtensions = []string{".wav"}
	cfg.Server.MaxFileSizeMB = 100
	return cfg
}

func newTestDispatcher(t *testing.T, cfg *config.Config, store *fakeBlobStore, cache *fakeCache, eng *fakeEngine, validator auth.Validator) (*Dispatcher, *Hub) {
	hub := NewHub(logger.Noop())
	m := task.NewManager(cfg, logger.Noop(), store, cache, eng, hub, task.NewRollingAverage(nil))
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return NewDispatcher(cfg, logger.Noop(), store, cache, m, hub, validator), hub
}

func readEnvelope(t *testing.T, s *Session) (MessageType, json.RawMessage) {
	t.Helper()
	select {
	case payload := <-s.outbound:
		typ, data, err := decodeEnvelope(payload)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return typ, data
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
		return "", nil
	}
}

func TestDispatchRequiresAuthWhenEnabled(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Auth.Enabled = true
	store := newFakeBlobStore()
	cache := newFakeCache()
	d, _ := newTestDispatcher(t, cfg, store, cache, &fakeEngine{}, &fakeValidator{})

	s, _ := newTestSessionPair(t)
	defer s.Close()

	d.Handle(context.Background(), s, []byte(`{"type":"upload_request","data":{}}`))
	typ, data := readEnvelope(t, s)
	if typ != OutError {
		t.Fatalf("expected an auth error envelope, got %s", typ)
	}
	var errPayload errorPayload
	_ = json.Unmarshal(data, &errPayload)
	if errPayload.Code != string(models.ErrAuthFailed) {
		t.Fatalf("expected AuthFailed, got %s", errPayload.Code)
	}
}

func TestDispatchAuthSuccessThenCacheHitCompletesImmediately(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Auth.Enabled = true
	store := newFakeBlobStore()
	cache := newFakeCache()
	cache.raw["h1"] = models.RawResult{FileHash: "h1", FileName: "a.wav", DurationMs: 1000, Sentences: []models.Sentence{{Text: "hi"}}}
	d, _ := newTestDispatcher(t, cfg, store, cache, &fakeEngine{}, &fakeValidator{})

	s, _ := newTestSessionPair(t)
	defer s.Close()

	d.Handle(context.Background(), s, []byte(`{"type":"auth","data":{"token":"anything"}}`))
	typ, _ := readEnvelope(t, s)
	if typ != OutAuthOK {
		t.Fatalf("expected auth_ok, got %s", typ)
	}

	d.Handle(context.Background(), s, []byte(`{"type":"upload_request","data":{"file_hash":"h1","file_name":"a.wav","file_size":10,"output_format":"json"}}`))
	typ, data := readEnvelope(t, s)
	if typ != OutTaskComplete {
		t.Fatalf("expected task_complete without any upload round trip, got %s", typ)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(data, &body)
	if body["status"] != string(models.TaskCompleted) {
		t.Fatalf("expected completed status, got %+v", body)
	}
}

func TestDispatchSingleShotUploadThenProcesses(t *testing.T) {
	cfg := testDispatchConfig()
	store := newFakeBlobStore()
	cache := newFakeCache()
	eng := &fakeEngine{result: models.RawResult{FileHash: "h2", FileName: "b.wav", DurationMs: 2000}}
	d, hub := newTestDispatcher(t, cfg, store, cache, eng, &fakeValidator{})

	s, _ := newTestSessionPair(t)
	defer s.Close()
	hub.Register(s)

	data := []byte("some audio bytes")
	hash := hashOf(data)

	reqJSON := `{"type":"upload_request","data":{"file_hash":"` + hash + `","file_name":"b.wav","file_size":` + itoa(len(data)) + `,"output_format":"json","upload_mode":"single"}}`
	d.Handle(context.Background(), s, []byte(reqJSON))
	typ, _ := readEnvelope(t, s)
	if typ != OutUploadReady {
		t.Fatalf("expected upload_ready, got %s", typ)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	dataJSON := `{"type":"upload_data","data":{"file_hash":"` + hash + `","chunk_data":"` + encoded + `"}}`
	d.Handle(context.Background(), s, []byte(dataJSON))

	typ, _ = readEnvelope(t, s)
	if typ != OutUploadComplete {
		t.Fatalf("expected upload_complete, got %s", typ)
	}
	typ, taskData := readEnvelope(t, s)
	if typ != OutTaskQueued {
		t.Fatalf("expected task_queued after upload, got %s", typ)
	}
	var queued map[string]interface{}
	_ = json.Unmarshal(taskData, &queued)
	taskID, _ := queued["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected a task_id in task_queued payload")
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(s.outbound) > 0
	})
	typ, _ = readEnvelope(t, s)
	if typ != OutTaskComplete && typ != OutTaskProgress {
		t.Fatalf("expected a progress or completion envelope, got %s", typ)
	}
}

func TestDispatchRejectsOversizedUploadBeforeBeginUpload(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Server.MaxFileSizeMB = 1
	store := newFakeBlobStore()
	cache := newFakeCache()
	d, _ := newTestDispatcher(t, cfg, store, cache, &fakeEngine{}, &fakeValidator{})

	s, _ := newTestSessionPair(t)
	defer s.Close()

	oversized := cfg.Server.MaxFileSizeMB*1024*1024 + 1
	reqJSON := `{"type":"upload_request","data":{"file_hash":"h3","file_name":"c.wav","file_size":` + itoa64(oversized) + `,"output_format":"json","upload_mode":"single"}}`
	d.Handle(context.Background(), s, []byte(reqJSON))

	typ, data := readEnvelope(t, s)
	if typ != OutError {
		t.Fatalf("expected an error envelope for an oversized file, got %s", typ)
	}
	var errPayload errorPayload
	_ = json.Unmarshal(data, &errPayload)
	if errPayload.Code != string(models.ErrFileTooLarge) {
		t.Fatalf("expected FileTooLarge, got %s", errPayload.Code)
	}
	if store.beginUploadCalls() != 0 {
		t.Fatalf("expected BeginUpload never called for a rejected upload, got %d calls", store.beginUploadCalls())
	}
}

func TestDispatchRejectsDisallowedExtensionBeforeBeginUpload(t *testing.T) {
	cfg := testDispatchConfig()
	store := newFakeBlobStore()
	cache := newFakeCache()
	d, _ := newTestDispatcher(t, cfg, store, cache, &fakeEngine{}, &fakeValidator{})

	s, _ := newTestSessionPair(t)
	defer s.Close()

	reqJSON := `{"type":"upload_request","data":{"file_hash":"h4","file_name":"c.exe","file_size":10,"output_format":"json","upload_mode":"single"}}`
	d.Handle(context.Background(), s, []byte(reqJSON))

	typ, data := readEnvelope(t, s)
	if typ != OutError {
		t.Fatalf("expected an error envelope for a disallowed extension, got %s", typ)
	}
	var errPayload errorPayload
	_ = json.Unmarshal(data, &errPayload)
	if errPayload.Code != string(models.ErrUnsupportedFormat) {
		t.Fatalf("expected UnsupportedFormat, got %s", errPayload.Code)
	}
	if store.beginUploadCalls() != 0 {
		t.Fatalf("expected BeginUpload never called for a rejected upload, got %d calls", store.beginUploadCalls())
	}
}

func itoa64(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
