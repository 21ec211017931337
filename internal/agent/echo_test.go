package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

func TestEchoEngine_StreamsPrompt(t *testing.T) {
	ag, err := NewEchoEngine(0).NewAgent(context.Background(), "c1", nil)
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}

	var text string
	var last TaskEvent
	for ev, err := range ag.Run(context.Background(), TaskRequest{Text: "one two"}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d, ok := ev.(TextDelta); ok {
			text += d.Text
		}
		last = ev
	}
	if text != " one two" {
		t.Errorf("unexpected streamed text %q", text)
	}
	if _, ok := last.(Completed); !ok {
		t.Errorf("expected completed last, got %T", last)
	}
	if ag.MessageCount() != 2 {
		t.Errorf("expected prompt and reply counted, got %d", ag.MessageCount())
	}
}

func TestEchoEngine_ToolApproval(t *testing.T) {
	ag, err := NewEchoEngine(0).NewAgent(context.Background(), "c1", nil)
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	if err := ag.Approve("nope", true); !errors.Is(err, ErrNoPendingTool) {
		t.Fatalf("expected ErrNoPendingTool, got %v", err)
	}

	var messages []domain.ChatMessage
	var sawApproved bool
	for ev, err := range ag.Run(context.Background(), TaskRequest{Text: "/tool ls"}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		switch ev := ev.(type) {
		case ToolPendingApproval:
			if err := ag.Approve(ev.ToolID, true); err != nil {
				t.Fatalf("Approve failed: %v", err)
			}
		case ToolApproved:
			sawApproved = true
		case AssistantMessage:
			messages = append(messages, ev.Message)
		}
	}
	if !sawApproved {
		t.Error("expected tool_approved event")
	}
	if len(messages) != 3 {
		t.Fatalf("expected tool use, tool result and reply, got %d messages", len(messages))
	}
	if !messages[1].IsToolResultOnly() || messages[1].Content[0].ToolUseID != messages[0].Content[0].ID {
		t.Errorf("tool result should reference the tool use: %+v", messages[1])
	}
}

func TestEchoEngine_HonoursCancellation(t *testing.T) {
	ag, err := NewEchoEngine(time.Second).NewAgent(context.Background(), "c1", nil)
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var last TaskEvent
	for ev := range ag.Run(ctx, TaskRequest{Text: "slow words here"}) {
		last = ev
	}
	if _, ok := last.(Cancelled); !ok {
		t.Fatalf("expected cancelled, got %T", last)
	}
}
