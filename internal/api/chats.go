package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/go-chi/chi/v5"
)

const maxTitleLength = 200

type titleRequest struct {
	Title string `json:"title"`
}

// ListChats returns the session's chats, most recently updated first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	chats, err := h.repo.ListChats(r.Context(), sessionID)
	if err != nil {
		h.storeError(w, "list chats", err)
		return
	}
	if chats == nil {
		chats = []*domain.Chat{}
	}
	JSON(w, http.StatusOK, chats)
}

// CreateChat creates a chat and announces it to the session's other tabs.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)

	var req titleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if len(title) > maxTitleLength {
		Error(w, http.StatusBadRequest, "title too long")
		return
	}

	chat, err := h.repo.CreateChat(ctx, sessionID, title)
	if err != nil {
		h.storeError(w, "create chat", err)
		return
	}

	h.sync.Broadcast(sessionID, broadcast.ChatCreated{Chat: *chat}, identity.ConnectionIDFromContext(ctx))
	h.logger.Info("Chat created", "chat_id", chat.ID, "session_id", sessionID)
	JSON(w, http.StatusCreated, chat)
}

// GetChat returns one chat.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.repo.GetChat(r.Context(), chi.URLParam(r, "chatID"), identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.storeError(w, "get chat", err)
		return
	}
	JSON(w, http.StatusOK, chat)
}

// RenameChat updates a chat's title.
func (h *Handler) RenameChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)

	var req titleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}
	if len(title) > maxTitleLength {
		Error(w, http.StatusBadRequest, "title too long")
		return
	}

	chat, err := h.repo.UpdateTitle(ctx, chi.URLParam(r, "chatID"), sessionID, title)
	if err != nil {
		h.storeError(w, "rename chat", err)
		return
	}

	h.sync.Broadcast(sessionID, broadcast.ChatUpdated{Chat: *chat}, identity.ConnectionIDFromContext(ctx))
	JSON(w, http.StatusOK, chat)
}

// DeleteChat removes a chat, its messages and its agent.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)
	chatID := chi.URLParam(r, "chatID")

	if err := h.repo.DeleteChat(ctx, chatID, sessionID); err != nil {
		h.storeError(w, "delete chat", err)
		return
	}
	h.agents.Destroy(chatID)

	h.sync.Broadcast(sessionID, broadcast.ChatDeleted{ChatID: chatID}, identity.ConnectionIDFromContext(ctx))
	h.logger.Info("Chat deleted", "chat_id", chatID, "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
