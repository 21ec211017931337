package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/store"
	"golang.org/x/sync/singleflight"
)

// Broadcaster delivers sync events to a session's connections.
type Broadcaster interface {
	Broadcast(sessionID string, ev broadcast.Event, excludeConnID string) int
}

// Entry is a cached agent bound to one chat.
type Entry struct {
	ChatID    string
	SessionID string
	Agent     Agent
	Binding   *Binding
	CreatedAt time.Time
}

// AgentInfo describes a cached agent for the active-agents snapshot.
type AgentInfo struct {
	ChatID              string `json:"chatId"`
	MessageCount        int    `json:"messageCount"`
	IsTaskRunning       bool   `json:"isTaskRunning"`
	PendingDestruction  bool   `json:"pendingDestruction"`
	HandlerConnectionID string `json:"handlerConnectionId,omitempty"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	EventBufferSize int
	Logger          *slog.Logger
}

// Manager caches at most one agent per chat and owns the pending
// destruction set and the task handler registry.
type Manager struct {
	repo        store.Repository
	engine      Engine
	broadcaster Broadcaster
	bufferSize  int
	logger      *slog.Logger

	creating singleflight.Group

	mu       sync.Mutex
	entries  map[string]*Entry
	pending  map[string]struct{}
	handlers map[string]string
	// inflight holds chats whose creation is running; true once Destroy
	// has revoked it.
	inflight map[string]bool
}

// NewManager creates an agent manager.
func NewManager(repo store.Repository, engine Engine, broadcaster Broadcaster, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		engine:      engine,
		broadcaster: broadcaster,
		bufferSize:  opts.EventBufferSize,
		logger:      opts.Logger,
		entries:     make(map[string]*Entry),
		pending:     make(map[string]struct{}),
		handlers:    make(map[string]string),
		inflight:    make(map[string]bool),
	}
}

// GetOrCreate returns the chat's agent, creating it from persisted history on
// a cache miss. Concurrent callers for the same chat share one creation.
// excludeMessageID is left out of the seeded history; it is the user message
// about to be sent as the task prompt.
func (m *Manager) GetOrCreate(ctx context.Context, chatID, sessionID, excludeMessageID string) (*Entry, error) {
	if entry, ok := m.Lookup(chatID); ok {
		if entry.SessionID != sessionID {
			return nil, store.ErrNotFound
		}
		return entry, nil
	}

	v, err, shared := m.creating.Do(chatID, func() (any, error) {
		if entry, ok := m.Lookup(chatID); ok {
			return entry, nil
		}
		return m.create(context.WithoutCancel(ctx), chatID, sessionID, excludeMessageID)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*Entry)
	if entry.SessionID != sessionID {
		return nil, store.ErrNotFound
	}
	if shared {
		m.logger.Debug("Joined in-flight agent creation", "chat_id", chatID)
	}
	return entry, nil
}

func (m *Manager) create(ctx context.Context, chatID, sessionID, excludeMessageID string) (*Entry, error) {
	m.mu.Lock()
	m.inflight[chatID] = false
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, chatID)
		m.mu.Unlock()
	}()

	history, err := m.repo.GetMessages(ctx, chatID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history for chat %s: %w", chatID, err)
	}
	if excludeMessageID != "" {
		filtered := history[:0:0]
		for _, msg := range history {
			if msg.ID != excludeMessageID {
				filtered = append(filtered, msg)
			}
		}
		history = filtered
	}

	ag, err := m.engine.NewAgent(ctx, chatID, history)
	if err != nil {
		m.logger.Error("Failed to create agent", "chat_id", chatID, "error", err)
		return nil, fmt.Errorf("create agent for chat %s: %w", chatID, err)
	}

	entry := &Entry{
		ChatID:    chatID,
		SessionID: sessionID,
		Agent:     ag,
		CreatedAt: time.Now(),
	}
	entry.Binding = NewBinding(chatID, ag, BindingOptions{
		BufferSize: m.bufferSize,
		Logger:     m.logger,
		OnEvent:    m.persistHook(entry),
		OnFinish:   func(TaskEvent) { m.taskFinished(entry) },
	})

	m.mu.Lock()
	revoked := m.inflight[chatID]
	if !revoked {
		m.entries[chatID] = entry
	}
	m.mu.Unlock()

	if revoked {
		entry.Binding.Close()
		m.logger.Info("Agent destroyed during creation", "chat_id", chatID)
		return nil, fmt.Errorf("create agent for chat %s: %w", chatID, store.ErrNotFound)
	}

	m.logger.Info("Agent created", "chat_id", chatID, "session_id", sessionID, "history", len(history))
	return entry, nil
}

// persistHook stores assistant messages as they are produced and tells the
// session's other tabs about them.
func (m *Manager) persistHook(entry *Entry) func(context.Context, TaskEvent) TaskEvent {
	return func(ctx context.Context, ev TaskEvent) TaskEvent {
		am, ok := ev.(AssistantMessage)
		if !ok {
			return ev
		}
		role := am.Message.Role
		if !role.Valid() {
			role = domain.RoleAssistant
		}
		msg, err := m.repo.AddMessage(context.WithoutCancel(ctx), entry.ChatID, role, am.Message.Content, am.Message.CheckpointID)
		if err != nil {
			m.logger.Error("Failed to persist assistant message", "chat_id", entry.ChatID, "error", err)
			return ev
		}

		owner, _ := m.TaskHandler(entry.ChatID)
		if m.broadcaster != nil {
			m.broadcaster.Broadcast(entry.SessionID, broadcast.MessageAdded{
				ChatID:        entry.ChatID,
				Message:       *msg,
				ChatUpdatedAt: msg.CreatedAt,
			}, owner)
		}
		return AssistantMessage{Message: *msg}
	}
}

func (m *Manager) taskFinished(entry *Entry) {
	m.mu.Lock()
	if m.entries[entry.ChatID] == entry {
		delete(m.handlers, entry.ChatID)
	}
	m.mu.Unlock()
	m.CleanupPendingAgents()
}

// Lookup returns the cached entry for a chat.
func (m *Manager) Lookup(chatID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[chatID]
	return entry, ok
}

// Destroy drops a chat's agent and cancels any running task. A creation in
// flight for the chat is revoked and will not be cached.
func (m *Manager) Destroy(chatID string) {
	m.mu.Lock()
	if _, creating := m.inflight[chatID]; creating {
		m.inflight[chatID] = true
	}
	entry, ok := m.entries[chatID]
	delete(m.entries, chatID)
	delete(m.pending, chatID)
	delete(m.handlers, chatID)
	m.mu.Unlock()

	if ok {
		entry.Binding.Close()
		m.logger.Info("Agent destroyed", "chat_id", chatID)
	}
}

// MarkPendingDestruction flags a chat's agent for destruction once its task
// finishes. It reports false when the chat has no agent.
func (m *Manager) MarkPendingDestruction(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[chatID]; !ok {
		return false
	}
	m.pending[chatID] = struct{}{}
	return true
}

// CancelPendingDestruction clears the pending flag.
func (m *Manager) CancelPendingDestruction(chatID string) {
	m.mu.Lock()
	delete(m.pending, chatID)
	m.mu.Unlock()
}

// IsPendingDestruction reports whether the chat is flagged.
func (m *Manager) IsPendingDestruction(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[chatID]
	return ok
}

// CleanupPendingAgents destroys every pending agent whose task is idle and
// returns how many were destroyed. Flags for chats without an agent are
// dropped.
func (m *Manager) CleanupPendingAgents() int {
	m.mu.Lock()
	var doomed []*Entry
	for chatID := range m.pending {
		entry, ok := m.entries[chatID]
		if !ok {
			delete(m.pending, chatID)
			continue
		}
		if entry.Binding.Running() {
			continue
		}
		delete(m.entries, chatID)
		delete(m.pending, chatID)
		delete(m.handlers, chatID)
		doomed = append(doomed, entry)
	}
	m.mu.Unlock()

	for _, entry := range doomed {
		entry.Binding.Close()
		m.logger.Info("Pending agent destroyed", "chat_id", entry.ChatID)
	}
	return len(doomed)
}

// RegisterTaskHandler records the sync connection that owns a chat's task.
func (m *Manager) RegisterTaskHandler(chatID, connID string) {
	m.mu.Lock()
	m.handlers[chatID] = connID
	m.mu.Unlock()
}

// UnregisterTaskHandler clears a chat's task owner.
func (m *Manager) UnregisterTaskHandler(chatID string) {
	m.mu.Lock()
	delete(m.handlers, chatID)
	m.mu.Unlock()
}

// TaskHandler returns the sync connection that owns a chat's task.
func (m *Manager) TaskHandler(chatID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connID, ok := m.handlers[chatID]
	return connID, ok
}

// ActiveAgents snapshots the session's cached agents, ordered by chat id.
func (m *Manager) ActiveAgents(sessionID string) []AgentInfo {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	pending := make(map[string]bool)
	handlers := make(map[string]string)
	for chatID, entry := range m.entries {
		if entry.SessionID != sessionID {
			continue
		}
		entries = append(entries, entry)
		_, pending[chatID] = m.pending[chatID]
		handlers[chatID] = m.handlers[chatID]
	}
	m.mu.Unlock()

	infos := make([]AgentInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, AgentInfo{
			ChatID:              entry.ChatID,
			MessageCount:        entry.Agent.MessageCount(),
			IsTaskRunning:       entry.Binding.Running(),
			PendingDestruction:  pending[entry.ChatID],
			HandlerConnectionID: handlers[entry.ChatID],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ChatID < infos[j].ChatID })
	return infos
}

// Len is the number of cached agents.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close destroys every cached agent.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for chatID := range m.entries {
		ids = append(ids, chatID)
	}
	m.mu.Unlock()

	for _, chatID := range ids {
		m.Destroy(chatID)
	}
}
