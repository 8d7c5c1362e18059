package task

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/sundeep-k/voxqueue/pkg/logger"
)

const eventChannel = "voxqueue:task_events"

// wireEvent is the JSON shape published on the Redis event channel. Origin
// lets a RedisBridge ignore its own publications when they echo back on the
// subscription it holds for the same channel.
type wireEvent struct {
	Origin string                 `json:"origin"`
	Type   EventType              `json:"type"`
	TaskID string                 `json:"task_id"`
	Data   map[string]interface{} `json:"data"`
}

// RedisBridge wraps a Sink (the session Hub, in production) and additionally
// broadcasts every event on a Redis Pub/Sub channel, so a session layer
// running on another process — one that never saw this task queued because
// its worker pool ran on a different node — still hears about a task's
// completion. Mirrors the teacher's own ingestion pipeline
// (cmd/ingestion.go's pipe.Publish on JobChannel, internal/videofiles's
// SubscribeToJobs).
type RedisBridge struct {
	inner  Sink
	client *redis.Client
	origin string
	log    logger.Logger
}

// NewRedisBridge returns inner unchanged if client is nil, so the bridge is
// a no-op wrapper in single-process deployments that configure no Redis
// address.
func NewRedisBridge(inner Sink, client *redis.Client, log logger.Logger) Sink {
	if client == nil {
		return inner
	}
	b := &RedisBridge{
		inner:  inner,
		client: client,
		origin: uuid.NewString(),
		log:    log,
	}
	go b.listen()
	return b
}

func (b *RedisBridge) Publish(evt Event) {
	b.inner.Publish(evt)

	payload, err := json.Marshal(wireEvent{Origin: b.origin, Type: evt.Type, TaskID: evt.TaskID, Data: evt.Data})
	if err != nil {
		b.log.Warnf("redis bridge: marshal event: %s", err)
		return
	}
	if err := b.client.Publish(context.Background(), eventChannel, payload).Err(); err != nil {
		b.log.Warnf("redis bridge: publish event: %s", err)
	}
}

func (b *RedisBridge) listen() {
	sub := b.client.Subscribe(context.Background(), eventChannel)
	defer sub.Close()

	ch := sub.Channel()
	for msg := range ch {
		var we wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
			b.log.Warnf("redis bridge: unmarshal event: %s", err)
			continue
		}
		if we.Origin == b.origin {
			continue
		}
		b.inner.Publish(Event{Type: we.Type, TaskID: we.TaskID, Data: we.Data})
	}
}
