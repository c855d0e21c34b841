package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewMessageRoundtrip(t *testing.T) {
	msg, err := NewMessage(FrameTaskAccepted, TaskAcceptedPayload{TaskID: "t1", Generation: 3})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Type != FrameTaskAccepted {
		t.Errorf("expected %s, got %s", FrameTaskAccepted, msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var payload TaskAcceptedPayload
	if err := decoded.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.TaskID != "t1" || payload.Generation != 3 {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestNewMessageNilPayload(t *testing.T) {
	msg, err := NewMessage(FramePong, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Payload != nil {
		t.Errorf("expected empty payload, got %s", msg.Payload)
	}

	// ParsePayload on an empty payload is a no-op.
	var payload TaskAcceptedPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.TaskID != "" {
		t.Errorf("payload should be untouched, got %+v", payload)
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	msg := &Message{Type: FrameTaskComplete, Payload: json.RawMessage(`{"task_id":`)}
	var payload TaskCompletePayload
	if err := msg.ParsePayload(&payload); err == nil {
		t.Error("expected error for malformed payload")
	}
}
