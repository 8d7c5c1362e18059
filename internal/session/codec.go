package session

import "encoding/json"

// MessageType is an inbound or outbound envelope type string, as carried
// literally on the wire.
type MessageType string

const (
	InConnect      MessageType = "connect"
	InAuth         MessageType = "auth"
	InUploadReq    MessageType = "upload_request"
	InUploadData   MessageType = "upload_data"
	InUploadChunk  MessageType = "upload_chunk"
	InTaskStatus   MessageType = "task_status"
	InCancel       MessageType = "cancel"
	InPing         MessageType = "ping"

	OutConnected      MessageType = "connected"
	OutAuthOK         MessageType = "auth_ok"
	OutUploadReady    MessageType = "upload_ready"
	OutChunkReceived  MessageType = "chunk_received"
	OutUploadComplete MessageType = "upload_complete"
	OutTaskQueued     MessageType = "task_queued"
	OutTaskProgress   MessageType = "task_progress"
	OutTaskComplete   MessageType = "task_complete"
	OutError          MessageType = "error"
	OutPong           MessageType = "pong"
	OutPing           MessageType = "ping"
)

// envelope is the one wire shape every message — inbound or outbound —
// uses: {"type": ..., "data": ...}.
type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decodeEnvelope(raw []byte) (MessageType, json.RawMessage, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", nil, err
	}
	return e.Type, e.Data, nil
}

func encodeEnvelope(t MessageType, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: t, Data: payload})
}

// errorPayload is the shape of every outbound "error" envelope.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}
