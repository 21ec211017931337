// Package broadcast fans session-scoped state changes out to every open tab
// of that session over a WebSocket sync channel.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// EventType is the "type" discriminator of a sync frame.
type EventType string

const (
	TypeConnected           EventType = "connected"
	TypePong                EventType = "pong"
	TypeChatCreated         EventType = "chat_created"
	TypeChatUpdated         EventType = "chat_updated"
	TypeChatDeleted         EventType = "chat_deleted"
	TypeMessageAdded        EventType = "message_added"
	TypeMessageDeleted      EventType = "message_deleted"
	TypeTaskStarted         EventType = "task_started"
	TypeTaskEnded           EventType = "task_ended"
	TypeTaskCancelRequested EventType = "task_cancel_requested"
)

// ErrUnknownEvent is returned by DecodeEvent for unrecognized frame types.
var ErrUnknownEvent = errors.New("unknown sync event type")

// Event is a sync frame. The set of implementations is closed.
type Event interface {
	Type() EventType
	isEvent()
}

// Connected is the first frame on every sync connection.
type Connected struct{ ConnectionID string }

// Pong answers a client ping.
type Pong struct{}

// ChatCreated carries a newly created chat.
type ChatCreated struct{ Chat domain.Chat }

// ChatUpdated carries the full updated chat.
type ChatUpdated struct{ Chat domain.Chat }

// ChatDeleted names a removed chat.
type ChatDeleted struct{ ChatID string }

// MessageAdded carries a persisted message and the chat's new UpdatedAt.
type MessageAdded struct {
	ChatID        string
	Message       domain.ChatMessage
	ChatUpdatedAt time.Time
}

// MessageDeleted names a removed message.
type MessageDeleted struct {
	ChatID    string
	MessageID string
}

// TaskStarted marks a chat busy in sibling tabs.
type TaskStarted struct{ ChatID string }

// TaskEnded clears a chat's busy state.
type TaskEnded struct{ ChatID string }

// TaskCancelRequested asks the owning tab to cancel its task.
type TaskCancelRequested struct{ ChatID string }

func (Connected) Type() EventType           { return TypeConnected }
func (Pong) Type() EventType                { return TypePong }
func (ChatCreated) Type() EventType         { return TypeChatCreated }
func (ChatUpdated) Type() EventType         { return TypeChatUpdated }
func (ChatDeleted) Type() EventType         { return TypeChatDeleted }
func (MessageAdded) Type() EventType        { return TypeMessageAdded }
func (MessageDeleted) Type() EventType      { return TypeMessageDeleted }
func (TaskStarted) Type() EventType         { return TypeTaskStarted }
func (TaskEnded) Type() EventType           { return TypeTaskEnded }
func (TaskCancelRequested) Type() EventType { return TypeTaskCancelRequested }

func (Connected) isEvent()           {}
func (Pong) isEvent()                {}
func (ChatCreated) isEvent()         {}
func (ChatUpdated) isEvent()         {}
func (ChatDeleted) isEvent()         {}
func (MessageAdded) isEvent()        {}
func (MessageDeleted) isEvent()      {}
func (TaskStarted) isEvent()         {}
func (TaskEnded) isEvent()           {}
func (TaskCancelRequested) isEvent() {}

// wireEvent is the JSON form shared by all sync frames.
type wireEvent struct {
	Type          EventType           `json:"type"`
	ConnectionID  string              `json:"connectionId,omitempty"`
	ChatID        string              `json:"chatId,omitempty"`
	Chat          *domain.Chat        `json:"chat,omitempty"`
	Message       *domain.ChatMessage `json:"message,omitempty"`
	MessageID     string              `json:"messageId,omitempty"`
	ChatUpdatedAt *time.Time          `json:"chatUpdatedAt,omitempty"`
}

// EncodeEvent serializes ev into its wire form.
func EncodeEvent(ev Event) ([]byte, error) {
	w := wireEvent{Type: ev.Type()}
	switch e := ev.(type) {
	case Connected:
		w.ConnectionID = e.ConnectionID
	case Pong:
	case ChatCreated:
		w.ChatID = e.Chat.ID
		w.Chat = &e.Chat
	case ChatUpdated:
		w.ChatID = e.Chat.ID
		w.Chat = &e.Chat
	case ChatDeleted:
		w.ChatID = e.ChatID
	case MessageAdded:
		w.ChatID = e.ChatID
		w.Message = &e.Message
		w.ChatUpdatedAt = &e.ChatUpdatedAt
	case MessageDeleted:
		w.ChatID = e.ChatID
		w.MessageID = e.MessageID
	case TaskStarted:
		w.ChatID = e.ChatID
	case TaskEnded:
		w.ChatID = e.ChatID
	case TaskCancelRequested:
		w.ChatID = e.ChatID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return json.Marshal(w)
}

// DecodeEvent parses a sync frame.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode sync event: %w", err)
	}

	needChat := func() error {
		if w.ChatID == "" {
			return fmt.Errorf("decode %s: missing chatId", w.Type)
		}
		return nil
	}

	switch w.Type {
	case TypeConnected:
		if w.ConnectionID == "" {
			return nil, fmt.Errorf("decode connected: missing connectionId")
		}
		return Connected{ConnectionID: w.ConnectionID}, nil
	case TypePong:
		return Pong{}, nil
	case TypeChatCreated, TypeChatUpdated:
		if w.Chat == nil {
			return nil, fmt.Errorf("decode %s: missing chat", w.Type)
		}
		if w.Type == TypeChatCreated {
			return ChatCreated{Chat: *w.Chat}, nil
		}
		return ChatUpdated{Chat: *w.Chat}, nil
	case TypeChatDeleted:
		if err := needChat(); err != nil {
			return nil, err
		}
		return ChatDeleted{ChatID: w.ChatID}, nil
	case TypeMessageAdded:
		if err := needChat(); err != nil {
			return nil, err
		}
		if w.Message == nil {
			return nil, fmt.Errorf("decode message_added: missing message")
		}
		ev := MessageAdded{ChatID: w.ChatID, Message: *w.Message}
		if w.ChatUpdatedAt != nil {
			ev.ChatUpdatedAt = *w.ChatUpdatedAt
		} else {
			ev.ChatUpdatedAt = w.Message.CreatedAt
		}
		return ev, nil
	case TypeMessageDeleted:
		if err := needChat(); err != nil {
			return nil, err
		}
		return MessageDeleted{ChatID: w.ChatID, MessageID: w.MessageID}, nil
	case TypeTaskStarted:
		if err := needChat(); err != nil {
			return nil, err
		}
		return TaskStarted{ChatID: w.ChatID}, nil
	case TypeTaskEnded:
		if err := needChat(); err != nil {
			return nil, err
		}
		return TaskEnded{ChatID: w.ChatID}, nil
	case TypeTaskCancelRequested:
		if err := needChat(); err != nil {
			return nil, err
		}
		return TaskCancelRequested{ChatID: w.ChatID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
}
