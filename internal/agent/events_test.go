package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/shsh-chat/internal/domain"
)

func TestEnvelope_WireForm(t *testing.T) {
	data, err := json.Marshal(Envelope{Seq: 7, Event: TaskError{Message: "boom"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"seq":7,"type":"error","message":"boom"}` {
		t.Errorf("unexpected wire form %s", data)
	}

	msg := domain.TextMessage("c1", domain.RoleAssistant, "hi")
	msg.ID = "m1"
	data, err = json.Marshal(Envelope{Seq: 8, Event: AssistantMessage{Message: msg}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"type":"assistant_message"`) || !strings.Contains(string(data), `"chatMessage":{`) {
		t.Errorf("unexpected wire form %s", data)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	am, ok := env.Event.(AssistantMessage)
	if !ok || am.Message.ID != "m1" || env.Seq != 8 {
		t.Errorf("unexpected decoded envelope %#v", env)
	}
}

func TestEnvelope_RejectsUnknownType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"seq":1,"type":"teleport"}`), &env); !errors.Is(err, ErrUnknownTaskEvent) {
		t.Errorf("expected ErrUnknownTaskEvent, got %v", err)
	}
	if err := json.Unmarshal([]byte(`{"seq":1,"type":"assistant_message"}`), &env); err == nil {
		t.Error("expected error for assistant_message without a message")
	}
}
