package api

import (
	"net/http"

	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// Remote cancel outcomes.
const (
	CancelRequested  = "cancel_requested"
	CancelledStale   = "cancelled"
	CancelNotRunning = "not_running"
)

// ownedAgent resolves the chat's cached agent, answering 404 when the chat
// belongs to another session. ok is false when a response was written.
func (h *Handler) ownedAgent(w http.ResponseWriter, r *http.Request) (chatID string, ok bool) {
	sessionID := identity.SessionIDFromContext(r.Context())
	chatID = chi.URLParam(r, "chatID")
	if entry, found := h.agents.Lookup(chatID); found && entry.SessionID != sessionID {
		Error(w, http.StatusNotFound, "not found")
		return "", false
	}
	return chatID, true
}

// DestroyAgent drops a chat's agent. It succeeds when there is none.
func (h *Handler) DestroyAgent(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	h.agents.Destroy(chatID)
	JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// MarkPending flags a chat's agent for destruction once its task ends.
func (h *Handler) MarkPending(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"pending": h.agents.MarkPendingDestruction(chatID)})
}

// CancelPending clears a chat's pending destruction flag.
func (h *Handler) CancelPending(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	h.agents.CancelPendingDestruction(chatID)
	JSON(w, http.StatusOK, map[string]bool{"pending": false})
}

// TaskStarted tells the session's other tabs that a chat is busy.
func (h *Handler) TaskStarted(w http.ResponseWriter, r *http.Request) {
	h.notifyTask(w, r, func(chatID string) broadcast.Event { return broadcast.TaskStarted{ChatID: chatID} })
}

// TaskEnded tells the session's other tabs that a chat is idle again.
func (h *Handler) TaskEnded(w http.ResponseWriter, r *http.Request) {
	h.notifyTask(w, r, func(chatID string) broadcast.Event { return broadcast.TaskEnded{ChatID: chatID} })
}

func (h *Handler) notifyTask(w http.ResponseWriter, r *http.Request, event func(chatID string) broadcast.Event) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)
	chatID := chi.URLParam(r, "chatID")

	if _, err := h.repo.GetChat(ctx, chatID, sessionID); err != nil {
		h.storeError(w, "notify task", err)
		return
	}
	n := h.sync.Broadcast(sessionID, event(chatID), identity.ConnectionIDFromContext(ctx))
	JSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// CancelTask asks the tab that owns a chat's task to cancel it. If that tab
// is gone the server cancels the task itself; if nothing is running every
// tab is told the chat is idle.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)
	chatID := chi.URLParam(r, "chatID")
	logger := h.logger.With("chat_id", chatID, "session_id", sessionID)

	if _, err := h.repo.GetChat(ctx, chatID, sessionID); err != nil {
		h.storeError(w, "cancel task", err)
		return
	}

	entry, found := h.agents.Lookup(chatID)
	if !found || entry.SessionID != sessionID || !entry.Binding.Running() {
		h.sync.Broadcast(sessionID, broadcast.TaskEnded{ChatID: chatID}, "")
		logger.Info("Remote cancel found no running task")
		JSON(w, http.StatusOK, map[string]string{"status": CancelNotRunning})
		return
	}

	owner, hasOwner := h.agents.TaskHandler(chatID)
	if hasOwner && h.sync.IsActive(sessionID, owner) &&
		h.sync.SendTo(sessionID, owner, broadcast.TaskCancelRequested{ChatID: chatID}) {
		logger.Info("Remote cancel forwarded to task owner", "owner", owner)
		JSON(w, http.StatusOK, map[string]string{"status": CancelRequested})
		return
	}

	entry.Binding.Cancel("owner disconnected")
	h.agents.UnregisterTaskHandler(chatID)
	h.sync.Broadcast(sessionID, broadcast.TaskEnded{ChatID: chatID}, "")
	logger.Info("Remote cancel stopped orphaned task", "owner", owner)
	JSON(w, http.StatusOK, map[string]string{"status": CancelledStale})
}

// ListAgents snapshots the session's cached agents after sweeping pending
// ones.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	h.agents.CleanupPendingAgents()
	JSON(w, http.StatusOK, h.agents.ActiveAgents(identity.SessionIDFromContext(r.Context())))
}
