package api

import (
	"net/http"

	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/go-chi/chi/v5"
)

type addMessageRequest struct {
	Role         domain.Role           `json:"role"`
	Content      []domain.ContentBlock `json:"content"`
	CheckpointID string                `json:"checkpointId,omitempty"`
}

// ListMessages returns a chat's messages in creation order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.repo.GetMessages(r.Context(), chi.URLParam(r, "chatID"), identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.storeError(w, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, msgs)
}

// AddMessage appends a message and announces it with the chat's new
// UpdatedAt.
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)
	chatID := chi.URLParam(r, "chatID")

	var req addMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Role.Valid() {
		Error(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}
	if len(req.Content) == 0 {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}
	for _, block := range req.Content {
		switch block.Type {
		case domain.BlockText, domain.BlockToolUse, domain.BlockToolResult:
		default:
			Error(w, http.StatusBadRequest, "unknown content block type")
			return
		}
	}

	if _, err := h.repo.GetChat(ctx, chatID, sessionID); err != nil {
		h.storeError(w, "add message", err)
		return
	}
	msg, err := h.repo.AddMessage(ctx, chatID, req.Role, req.Content, req.CheckpointID)
	if err != nil {
		h.storeError(w, "add message", err)
		return
	}

	h.sync.Broadcast(sessionID, broadcast.MessageAdded{
		ChatID:        chatID,
		Message:       *msg,
		ChatUpdatedAt: msg.CreatedAt,
	}, identity.ConnectionIDFromContext(ctx))
	JSON(w, http.StatusCreated, msg)
}

// DeleteMessage removes a single message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")

	if err := h.repo.DeleteMessage(ctx, chatID, sessionID, messageID); err != nil {
		h.storeError(w, "delete message", err)
		return
	}

	h.sync.Broadcast(sessionID, broadcast.MessageDeleted{ChatID: chatID, MessageID: messageID}, identity.ConnectionIDFromContext(ctx))
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
