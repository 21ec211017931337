package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// EventType is the "type" discriminator of a task event frame.
type EventType string

const (
	EventTextDelta           EventType = "text_delta"
	EventToolStart           EventType = "tool_start"
	EventToolInputDelta      EventType = "tool_input_delta"
	EventToolPendingApproval EventType = "tool_pending_approval"
	EventToolApproved        EventType = "tool_approved"
	EventToolRejected        EventType = "tool_rejected"
	EventAssistantMessage    EventType = "assistant_message"
	EventHistoryChanged      EventType = "history_changed"
	EventCancelled           EventType = "cancelled"
	EventCompleted           EventType = "completed"
	EventError               EventType = "error"
	EventHeartbeat           EventType = "heartbeat"
)

// ErrUnknownTaskEvent is returned when decoding an unrecognized frame type.
var ErrUnknownTaskEvent = errors.New("unknown task event type")

// TaskEvent is one item of a task's event stream. The set of
// implementations is closed.
type TaskEvent interface {
	Type() EventType
	isTaskEvent()
}

type (
	// TextDelta is a chunk of assistant text.
	TextDelta struct{ Text string }
	// ToolStart announces a tool invocation.
	ToolStart struct{ ToolID, Name string }
	// ToolInputDelta is a chunk of a tool invocation's JSON input.
	ToolInputDelta struct{ ToolID, Name, Partial string }
	// ToolPendingApproval blocks the task until the tool is approved or rejected.
	ToolPendingApproval struct {
		ToolID string
		Name   string
		Input  json.RawMessage
	}
	// ToolApproved reports an approval decision.
	ToolApproved struct{ ToolID string }
	// ToolRejected reports a rejection decision.
	ToolRejected struct{ ToolID, Reason string }
	// AssistantMessage carries a complete message produced by the task.
	// Once persisted, Message has its store-assigned ID.
	AssistantMessage struct{ Message domain.ChatMessage }
	// HistoryChanged tells clients to refetch the chat's messages.
	HistoryChanged struct{}
	// Cancelled ends a task after cooperative cancellation.
	Cancelled struct{ Reason string }
	// Completed ends a task normally.
	Completed struct{}
	// TaskError ends a task abnormally. With sequence number zero it is a
	// channel-level error that does not end any task.
	TaskError struct{ Message string }
	// Heartbeat keeps the channel alive.
	Heartbeat struct{}
)

func (TextDelta) Type() EventType           { return EventTextDelta }
func (ToolStart) Type() EventType           { return EventToolStart }
func (ToolInputDelta) Type() EventType      { return EventToolInputDelta }
func (ToolPendingApproval) Type() EventType { return EventToolPendingApproval }
func (ToolApproved) Type() EventType        { return EventToolApproved }
func (ToolRejected) Type() EventType        { return EventToolRejected }
func (AssistantMessage) Type() EventType    { return EventAssistantMessage }
func (HistoryChanged) Type() EventType      { return EventHistoryChanged }
func (Cancelled) Type() EventType           { return EventCancelled }
func (Completed) Type() EventType           { return EventCompleted }
func (TaskError) Type() EventType           { return EventError }
func (Heartbeat) Type() EventType           { return EventHeartbeat }

func (TextDelta) isTaskEvent()           {}
func (ToolStart) isTaskEvent()           {}
func (ToolInputDelta) isTaskEvent()      {}
func (ToolPendingApproval) isTaskEvent() {}
func (ToolApproved) isTaskEvent()        {}
func (ToolRejected) isTaskEvent()        {}
func (AssistantMessage) isTaskEvent()    {}
func (HistoryChanged) isTaskEvent()      {}
func (Cancelled) isTaskEvent()           {}
func (Completed) isTaskEvent()           {}
func (TaskError) isTaskEvent()           {}
func (Heartbeat) isTaskEvent()           {}

// IsTerminal reports whether ev ends a task.
func IsTerminal(ev TaskEvent) bool {
	switch ev.(type) {
	case Cancelled, Completed, TaskError:
		return true
	default:
		return false
	}
}

// Envelope is a sequenced task event as sent on the task channel.
// Seq is monotonic per agent; zero marks channel-level frames.
type Envelope struct {
	Seq   int64
	Event TaskEvent
}

type wireTaskEvent struct {
	Seq     int64               `json:"seq"`
	Type    EventType           `json:"type"`
	Text    string              `json:"text,omitempty"`
	ToolID  string              `json:"toolId,omitempty"`
	Name    string              `json:"name,omitempty"`
	Partial string              `json:"partial,omitempty"`
	Input   json.RawMessage     `json:"input,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Message string              `json:"message,omitempty"`
	Chat    *domain.ChatMessage `json:"chatMessage,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrUnknownTaskEvent)
	}
	w := wireTaskEvent{Seq: e.Seq, Type: e.Event.Type()}
	switch ev := e.Event.(type) {
	case TextDelta:
		w.Text = ev.Text
	case ToolStart:
		w.ToolID, w.Name = ev.ToolID, ev.Name
	case ToolInputDelta:
		w.ToolID, w.Name, w.Partial = ev.ToolID, ev.Name, ev.Partial
	case ToolPendingApproval:
		w.ToolID, w.Name, w.Input = ev.ToolID, ev.Name, ev.Input
	case ToolApproved:
		w.ToolID = ev.ToolID
	case ToolRejected:
		w.ToolID, w.Reason = ev.ToolID, ev.Reason
	case AssistantMessage:
		msg := ev.Message
		w.Chat = &msg
	case HistoryChanged, Completed, Heartbeat:
	case Cancelled:
		w.Reason = ev.Reason
	case TaskError:
		w.Message = ev.Message
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTaskEvent, e.Event)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireTaskEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Seq = w.Seq
	switch w.Type {
	case EventTextDelta:
		e.Event = TextDelta{Text: w.Text}
	case EventToolStart:
		e.Event = ToolStart{ToolID: w.ToolID, Name: w.Name}
	case EventToolInputDelta:
		e.Event = ToolInputDelta{ToolID: w.ToolID, Name: w.Name, Partial: w.Partial}
	case EventToolPendingApproval:
		e.Event = ToolPendingApproval{ToolID: w.ToolID, Name: w.Name, Input: w.Input}
	case EventToolApproved:
		e.Event = ToolApproved{ToolID: w.ToolID}
	case EventToolRejected:
		e.Event = ToolRejected{ToolID: w.ToolID, Reason: w.Reason}
	case EventAssistantMessage:
		if w.Chat == nil {
			return fmt.Errorf("decode assistant_message: missing chatMessage")
		}
		e.Event = AssistantMessage{Message: *w.Chat}
	case EventHistoryChanged:
		e.Event = HistoryChanged{}
	case EventCancelled:
		e.Event = Cancelled{Reason: w.Reason}
	case EventCompleted:
		e.Event = Completed{}
	case EventError:
		e.Event = TaskError{Message: w.Message}
	case EventHeartbeat:
		e.Event = Heartbeat{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskEvent, w.Type)
	}
	return nil
}

// ControlAction names a client → server task channel command.
type ControlAction string

const (
	ActionStartTask   ControlAction = "startTask"
	ActionResumeTask  ControlAction = "resumeTask"
	ActionCancelTask  ControlAction = "cancelTask"
	ActionApproveTool ControlAction = "approveTool"
)

// ControlFrame is a client → server task channel command.
type ControlFrame struct {
	Action    ControlAction `json:"action"`
	Text      string        `json:"text,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	LastSeq   int64         `json:"lastSeq,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	ToolID    string        `json:"toolId,omitempty"`
	Approved  bool          `json:"approved,omitempty"`
}
