package models

import "time"

// TaskStatus is the lifecycle state of a Task. Transitions are documented in
// the task manager's state machine: admission always lands on Pending,
// terminal states are Completed, Failed, Cancelled.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// OutputFormat is the client-requested derived transcript shape.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatSRT  OutputFormat = "srt"
)

// SubmitMode tells the session layer how a Submit call resolved, so it can
// choose what to tell the client without inspecting task state itself.
type SubmitMode string

const (
	ModeCacheHit  SubmitMode = "cache_hit"
	ModeQueued    SubmitMode = "queued"
	ModeImmediate SubmitMode = "immediate"
)

// Task is the unit the Task Manager schedules, retries, and reports on.
// CreatorSessionID, like the subscriber session IDs the task manager keeps
// beside each Task in its registry, is opaque to the task manager; it never
// reaches into the session registry, only hands out and consumes IDs (see
// the design notes on task/session ownership).
type Task struct {
	TaskID   string       `json:"task_id" db:"task_id"`
	FileHash string       `json:"file_hash" db:"file_hash"`
	FileName string       `json:"file_name" db:"file_name"`
	FileSize int64        `json:"file_size" db:"file_size"`
	Output   OutputFormat `json:"output_format" db:"output_format"`

	Status     TaskStatus `json:"status" db:"status"`
	RetryCount int        `json:"retry_count" db:"retry_count"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	CreatorSessionID string `json:"creator_session_id" db:"creator_session_id"`

	// Outcome, populated on a terminal transition.
	Err *TaskError `json:"error,omitempty" db:"-"`
}

// SubmitRequest is the validated admission request the session layer hands
// to the Task Manager once it has resolved upload mode and hash. The
// `validate` tags cover shape; extension/size-ceiling checks are business
// rules the Task Manager applies on top, since they depend on config.
type SubmitRequest struct {
	FileHash         string       `validate:"required"`
	FileName         string       `validate:"required"`
	FileSize         int64        `validate:"required,gt=0"`
	Output           OutputFormat `validate:"omitempty,oneof=json srt"`
	ForceRefresh     bool
	CreatorSessionID string `validate:"required"`
}

// SubmitResult is what Submit returns to its caller. Payload and
// OutputFormat are only populated for a cache_hit, so the caller can
// deliver completion without waiting on any fan-out path.
type SubmitResult struct {
	TaskID        string
	Mode          SubmitMode
	QueuePosition int
	OutputFormat  OutputFormat
	Payload       []byte
}

// Stats is the snapshot returned by Manager.Stats.
type Stats struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Cancelled      int `json:"cancelled"`
	QueueSize      int `json:"queue_size"`
	MaxQueueSize   int `json:"max_queue_size"`
	MaxConcurrent  int `json:"max_concurrent"`
}
