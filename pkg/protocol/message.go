// Package protocol defines the JSON frame types spoken over agent sessions.
package protocol

import (
	"encoding/json"
	"time"
)

// FrameType discriminates wire frames. Unknown types are counted and dropped
// at ingress.
type FrameType string

// Client -> hub frames.
const (
	FrameIdentify       FrameType = "identify"
	FramePing           FrameType = "ping"
	FrameTaskAccepted   FrameType = "task_accepted"
	FrameTaskRejected   FrameType = "task_rejected"
	FrameTaskComplete   FrameType = "task_complete"
	FrameTaskFailed     FrameType = "task_failed"
	FrameResourceReport FrameType = "resource_report"
)

// Hub -> client frames.
const (
	FrameIdentifyOK    FrameType = "identify_ok"
	FrameIdentifyError FrameType = "identify_error"
	FramePushTask      FrameType = "push_task"
	FramePong          FrameType = "pong"
)

// Message is the envelope for all session frames.
type Message struct {
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage wraps a payload in an envelope.
func NewMessage(t FrameType, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Message{
		Type:      t,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
