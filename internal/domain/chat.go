// Package domain contains core domain types for the chat server.
package domain

import (
	"time"
)

// Role identifies who authored a chat message.
type Role string

const (
	// RoleUser marks messages typed by the user (and tool results fed back to the agent).
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the agent.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Chat is a persisted conversation thread owned by one session.
type Chat struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatMessage is a single immutable entry in a chat.
type ChatMessage struct {
	ID           string         `json:"id"`
	ChatID       string         `json:"chatId"`
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Text concatenates the text blocks of the message.
func (m *ChatMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// IsToolResultOnly reports whether every block of the message is a tool result.
// Empty messages are not tool-result-only.
func (m *ChatMessage) IsToolResultOnly() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// TextMessage builds an unsaved single-block text message.
func TextMessage(chatID string, role Role, text string) ChatMessage {
	return ChatMessage{
		ChatID:  chatID,
		Role:    role,
		Content: []ContentBlock{{Type: BlockText, Text: text}},
	}
}
