package agent

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/google/uuid"
)

// toolPrefix makes the echo engine exercise the tool approval flow.
const toolPrefix = "/tool "

// EchoEngine is a local engine that streams the prompt back word by word.
// A prompt starting with "/tool " first requests approval for an "echo" tool
// call.
type EchoEngine struct {
	delay time.Duration
}

// NewEchoEngine creates an echo engine that pauses delay between deltas.
func NewEchoEngine(delay time.Duration) *EchoEngine {
	return &EchoEngine{delay: delay}
}

// NewAgent implements Engine.
func (e *EchoEngine) NewAgent(_ context.Context, chatID string, history []domain.ChatMessage) (Agent, error) {
	return &echoAgent{
		chatID:   chatID,
		delay:    e.delay,
		messages: len(history),
	}, nil
}

type approval struct {
	toolID   string
	approved bool
}

type echoAgent struct {
	chatID string
	delay  time.Duration

	mu          sync.Mutex
	messages    int
	pendingTool string
	decisions   chan approval
	closed      bool
}

func (a *echoAgent) Run(ctx context.Context, req TaskRequest) iter.Seq2[TaskEvent, error] {
	return func(yield func(TaskEvent, error) bool) {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			yield(nil, ErrAgentClosed)
			return
		}
		a.messages++
		a.mu.Unlock()

		text := req.Text
		if strings.HasPrefix(text, toolPrefix) {
			text = strings.TrimPrefix(text, toolPrefix)
			if !a.runTool(ctx, text, yield) {
				return
			}
		}

		var reply strings.Builder
		reply.WriteString("You said:")
		for _, word := range strings.Fields(text) {
			chunk := " " + word
			if !a.pause(ctx) {
				yield(Cancelled{}, nil)
				return
			}
			reply.WriteString(chunk)
			if !yield(TextDelta{Text: chunk}, nil) {
				return
			}
		}

		if !a.emit(domain.TextMessage(a.chatID, domain.RoleAssistant, reply.String()), yield) {
			return
		}
		yield(Completed{}, nil)
	}
}

// runTool walks one tool call through approval. It returns false when the
// stream has ended.
func (a *echoAgent) runTool(ctx context.Context, text string, yield func(TaskEvent, error) bool) bool {
	toolID := "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	input, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		yield(nil, err)
		return false
	}

	if !yield(ToolStart{ToolID: toolID, Name: "echo"}, nil) {
		return false
	}
	half := len(input) / 2
	for _, part := range []string{string(input[:half]), string(input[half:])} {
		if !yield(ToolInputDelta{ToolID: toolID, Name: "echo", Partial: part}, nil) {
			return false
		}
	}

	decisions := make(chan approval, 1)
	a.mu.Lock()
	a.pendingTool = toolID
	a.decisions = decisions
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.pendingTool = ""
		a.decisions = nil
		a.mu.Unlock()
	}()

	if !yield(ToolPendingApproval{ToolID: toolID, Name: "echo", Input: input}, nil) {
		return false
	}

	var decision approval
	select {
	case decision = <-decisions:
	case <-ctx.Done():
		yield(Cancelled{}, nil)
		return false
	}

	use := domain.ChatMessage{
		ChatID: a.chatID,
		Role:   domain.RoleAssistant,
		Content: []domain.ContentBlock{{
			Type:  domain.BlockToolUse,
			ID:    toolID,
			Name:  "echo",
			Input: input,
		}},
	}
	result := domain.ContentBlock{Type: domain.BlockToolResult, ToolUseID: toolID}
	if decision.approved {
		if !yield(ToolApproved{ToolID: toolID}, nil) {
			return false
		}
		result.Content = text
	} else {
		if !yield(ToolRejected{ToolID: toolID, Reason: "rejected by user"}, nil) {
			return false
		}
		result.Content = "tool call rejected"
		result.IsError = true
	}

	if !a.emit(use, yield) {
		return false
	}
	return a.emit(domain.ChatMessage{
		ChatID:  a.chatID,
		Role:    domain.RoleUser,
		Content: []domain.ContentBlock{result},
	}, yield)
}

func (a *echoAgent) emit(msg domain.ChatMessage, yield func(TaskEvent, error) bool) bool {
	a.mu.Lock()
	a.messages++
	a.mu.Unlock()
	return yield(AssistantMessage{Message: msg}, nil)
}

func (a *echoAgent) pause(ctx context.Context) bool {
	if a.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(a.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *echoAgent) Approve(toolID string, approved bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingTool == "" || a.pendingTool != toolID {
		return ErrNoPendingTool
	}
	select {
	case a.decisions <- approval{toolID: toolID, approved: approved}:
		a.pendingTool = ""
		return nil
	default:
		return ErrNoPendingTool
	}
}

func (a *echoAgent) MessageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messages
}

func (a *echoAgent) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}
