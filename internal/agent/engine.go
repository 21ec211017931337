// Package agent owns the per-chat agent handles: lazy creation from
// persisted history, task execution and streaming, task ownership, and
// deferred destruction.
package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/shsh-chat/internal/domain"
)

var (
	// ErrTaskRunning is returned when starting a task on a busy agent.
	ErrTaskRunning = errors.New("task already running")
	// ErrNoTask is returned when an operation needs a running task.
	ErrNoTask = errors.New("no task running")
	// ErrNoAgent is returned when a chat has no cached agent.
	ErrNoAgent = errors.New("no agent for chat")
	// ErrAgentClosed is returned when using a destroyed agent.
	ErrAgentClosed = errors.New("agent closed")
	// ErrNoPendingTool is returned when approving a tool that is not waiting.
	ErrNoPendingTool = errors.New("no tool pending approval")
)

// TaskRequest starts one task against an agent's context.
type TaskRequest struct {
	// Text is the user's prompt.
	Text string
	// MessageID is the persisted user message that triggered the task.
	MessageID string
}

// Engine creates agents. Implementations must be safe for concurrent use.
type Engine interface {
	// NewAgent builds an agent seeded with a chat's prior messages.
	NewAgent(ctx context.Context, chatID string, history []domain.ChatMessage) (Agent, error)
}

// Agent is an execution handle bound to one chat.
type Agent interface {
	// Run executes a task and streams its events. Cancelling ctx asks the
	// agent to stop; it should then yield Cancelled promptly. At most one Run
	// is active at a time.
	Run(ctx context.Context, req TaskRequest) iter.Seq2[TaskEvent, error]

	// Approve resolves a ToolPendingApproval.
	Approve(toolID string, approved bool) error

	// MessageCount is the number of messages in the agent's context.
	MessageCount() int

	// Close releases resources.
	Close() error
}
