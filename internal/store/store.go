// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// ErrNotFound is returned when a chat or message does not exist or is not
// owned by the requesting session.
var ErrNotFound = errors.New("not found")

// Repository is the conversation store. Every read and every chat-level
// mutation is scoped to a session; AddMessage trusts its caller to have
// checked ownership already.
type Repository interface {
	// ListChats returns the session's chats ordered by UpdatedAt descending.
	ListChats(ctx context.Context, sessionID string) ([]*domain.Chat, error)

	// GetChat returns a chat owned by sessionID.
	GetChat(ctx context.Context, chatID, sessionID string) (*domain.Chat, error)

	// CreateChat creates a chat. An empty title gets a default.
	CreateChat(ctx context.Context, sessionID, title string) (*domain.Chat, error)

	// UpdateTitle renames a chat and advances its UpdatedAt.
	UpdateTitle(ctx context.Context, chatID, sessionID, title string) (*domain.Chat, error)

	// DeleteChat removes a chat and all of its messages.
	DeleteChat(ctx context.Context, chatID, sessionID string) error

	// GetMessages returns a chat's messages in creation order.
	GetMessages(ctx context.Context, chatID, sessionID string) ([]domain.ChatMessage, error)

	// AddMessage appends a message and advances the chat's UpdatedAt to the
	// message's CreatedAt.
	AddMessage(ctx context.Context, chatID string, role domain.Role, content []domain.ContentBlock, checkpointID string) (*domain.ChatMessage, error)

	// DeleteMessage removes a single message.
	DeleteMessage(ctx context.Context, chatID, sessionID, messageID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// DefaultChatTitle is used when a chat is created without a title.
const DefaultChatTitle = "New chat"
