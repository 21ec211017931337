// Package client is the tab side of the chat server: a reconciliation state
// machine fed by optimistic local edits, task channel deltas and sync
// broadcasts, the orchestration that drives it, and REST and WebSocket
// transports.
package client

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
)

// StreamKind discriminates accumulator entries.
type StreamKind string

const (
	StreamText      StreamKind = "text"
	StreamToolInput StreamKind = "tool_input"
)

// StreamEntry is one coalesced run of streamed output.
type StreamEntry struct {
	Kind     StreamKind
	ToolID   string
	ToolName string
	Text     string
}

// Action is work ApplySync hands back to the tab.
type Action int

const (
	// ActionNone needs no follow-up.
	ActionNone Action = iota
	// ActionCancelTask asks the tab to cancel its local task for the event's chat.
	ActionCancelTask
)

// State is one tab's view of the session. It is safe for concurrent use.
type State struct {
	mu sync.RWMutex

	activeChat string
	messages   []domain.ChatMessage
	chats      []domain.Chat
	input      string

	streams      map[string][]StreamEntry
	running      map[string]bool
	busy         map[string]bool
	pendingTools map[string]agent.ToolPendingApproval
	lastErrors   map[string]string

	// tombstones holds ids of active-chat messages deleted before they arrived.
	tombstones map[string]struct{}
}

// NewState returns an empty tab state.
func NewState() *State {
	return &State{
		streams:      make(map[string][]StreamEntry),
		running:      make(map[string]bool),
		busy:         make(map[string]bool),
		pendingTools: make(map[string]agent.ToolPendingApproval),
		lastErrors:   make(map[string]string),
		tombstones:   make(map[string]struct{}),
	}
}

// ApplySync merges a broadcast event. Applying the same event twice leaves
// the state as after the first application.
func (s *State) ApplySync(ev broadcast.Event) Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case broadcast.Connected, broadcast.Pong:

	case broadcast.ChatCreated:
		if s.chatIndexLocked(e.Chat.ID) < 0 {
			s.chats = append(s.chats, e.Chat)
			s.sortChatsLocked()
		}

	case broadcast.ChatUpdated:
		s.upsertChatLocked(e.Chat)

	case broadcast.ChatDeleted:
		s.removeChatLocked(e.ChatID)

	case broadcast.MessageAdded:
		s.bumpChatLocked(e.ChatID, e.ChatUpdatedAt)
		if e.ChatID == s.activeChat {
			s.appendMessageLocked(e.Message)
		}

	case broadcast.MessageDeleted:
		if e.ChatID == s.activeChat && !s.removeMessageLocked(e.MessageID) {
			s.tombstones[e.MessageID] = struct{}{}
		}

	case broadcast.TaskStarted:
		if !s.running[e.ChatID] {
			s.busy[e.ChatID] = true
		}

	case broadcast.TaskEnded:
		delete(s.busy, e.ChatID)
		if !s.running[e.ChatID] {
			delete(s.streams, e.ChatID)
			delete(s.pendingTools, e.ChatID)
		}

	case broadcast.TaskCancelRequested:
		if s.running[e.ChatID] {
			return ActionCancelTask
		}
	}
	return ActionNone
}

// ApplyTaskEvent folds a task channel event for chatID into the state.
func (s *State) ApplyTaskEvent(chatID string, ev agent.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case agent.TextDelta:
		entries := s.streams[chatID]
		if n := len(entries); n > 0 && entries[n-1].Kind == StreamText {
			entries[n-1].Text += e.Text
		} else {
			entries = append(entries, StreamEntry{Kind: StreamText, Text: e.Text})
		}
		s.streams[chatID] = entries

	case agent.ToolStart:
		s.streams[chatID] = append(s.streams[chatID], StreamEntry{Kind: StreamToolInput, ToolID: e.ToolID, ToolName: e.Name})

	case agent.ToolInputDelta:
		entries := s.streams[chatID]
		if n := len(entries); n > 0 && entries[n-1].Kind == StreamToolInput && entries[n-1].ToolName == e.Name {
			entries[n-1].Text += e.Partial
		} else {
			entries = append(entries, StreamEntry{Kind: StreamToolInput, ToolID: e.ToolID, ToolName: e.Name, Text: e.Partial})
		}
		s.streams[chatID] = entries

	case agent.ToolPendingApproval:
		s.pendingTools[chatID] = e

	case agent.ToolApproved, agent.ToolRejected:
		delete(s.pendingTools, chatID)

	case agent.AssistantMessage:
		s.bumpChatLocked(chatID, e.Message.CreatedAt)
		if chatID == s.activeChat {
			s.appendMessageLocked(e.Message)
		}
		delete(s.streams, chatID)

	case agent.TaskError:
		s.lastErrors[chatID] = e.Message
		s.finishLocked(chatID)

	case agent.Completed, agent.Cancelled:
		s.finishLocked(chatID)

	case agent.HistoryChanged, agent.Heartbeat:
	}
}

func (s *State) finishLocked(chatID string) {
	delete(s.running, chatID)
	delete(s.streams, chatID)
	delete(s.pendingTools, chatID)
}

// SetChats replaces the chat list.
func (s *State) SetChats(chats []domain.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = slices.Clone(chats)
	s.sortChatsLocked()
}

// UpsertChat records a chat created or renamed by this tab.
func (s *State) UpsertChat(chat domain.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertChatLocked(chat)
}

// RemoveChat drops a chat deleted by this tab.
func (s *State) RemoveChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeChatLocked(chatID)
}

// SetActive makes chatID the viewed chat with the given persisted messages.
func (s *State) SetActive(chatID string, msgs []domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != s.activeChat {
		s.input = ""
		s.tombstones = make(map[string]struct{})
	}
	s.activeChat = chatID
	s.messages = s.messages[:0]
	for _, m := range msgs {
		s.appendMessageLocked(m)
	}
}

// ClearActive deselects the active chat.
func (s *State) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearActiveLocked()
}

// AddMessage records a message this tab persisted.
func (s *State) AddMessage(msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpChatLocked(msg.ChatID, msg.CreatedAt)
	if msg.ChatID == s.activeChat {
		s.appendMessageLocked(msg)
	}
}

// RemoveMessage drops a message from the active chat's list.
func (s *State) RemoveMessage(chatID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != s.activeChat {
		return false
	}
	return s.removeMessageLocked(messageID)
}

// MarkRunning records that this tab drives chatID's task.
func (s *State) MarkRunning(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[chatID] = true
	delete(s.busy, chatID)
	delete(s.lastErrors, chatID)
}

// ClearRunning drops local ownership of chatID's task and its stream.
func (s *State) ClearRunning(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(chatID)
}

// MarkBusy records that another tab drives chatID's task.
func (s *State) MarkBusy(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running[chatID] {
		s.busy[chatID] = true
	}
}

// ClearStream drops chatID's streaming accumulator.
func (s *State) ClearStream(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, chatID)
}

// SetInput sets the composer text.
func (s *State) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = text
}

// RestoreInput puts text back in the composer if chatID is still viewed.
func (s *State) RestoreInput(chatID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != s.activeChat {
		return false
	}
	s.input = text
	return true
}

// ActiveChat returns the viewed chat id, or "".
func (s *State) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChat
}

// Messages returns a copy of the active chat's messages.
func (s *State) Messages() []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Chats returns a copy of the chat list, newest first.
func (s *State) Chats() []domain.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.chats)
}

// Chat returns the listed chat with the given id.
func (s *State) Chat(chatID string) (domain.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.chatIndexLocked(chatID); i >= 0 {
		return s.chats[i], true
	}
	return domain.Chat{}, false
}

// Stream returns a copy of chatID's accumulated output.
func (s *State) Stream(chatID string) []StreamEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.streams[chatID])
}

// Input returns the composer text.
func (s *State) Input() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// IsRunning reports whether this tab drives chatID's task.
func (s *State) IsRunning(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[chatID]
}

// IsBusy reports whether another tab drives chatID's task.
func (s *State) IsBusy(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy[chatID]
}

// PendingTool returns the tool call awaiting approval in chatID.
func (s *State) PendingTool(chatID string) (agent.ToolPendingApproval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pendingTools[chatID]
	return p, ok
}

// LastError returns the last task error reported for chatID.
func (s *State) LastError(chatID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErrors[chatID]
}

// VisibleGroups groups the active chat's messages for display.
func (s *State) VisibleGroups() []MessageGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return GroupMessages(s.messages)
}

func (s *State) chatIndexLocked(chatID string) int {
	return slices.IndexFunc(s.chats, func(c domain.Chat) bool { return c.ID == chatID })
}

func (s *State) upsertChatLocked(chat domain.Chat) {
	if i := s.chatIndexLocked(chat.ID); i >= 0 {
		s.chats[i] = chat
	} else {
		s.chats = append(s.chats, chat)
	}
	s.sortChatsLocked()
}

func (s *State) removeChatLocked(chatID string) {
	if i := s.chatIndexLocked(chatID); i >= 0 {
		s.chats = slices.Delete(s.chats, i, i+1)
	}
	delete(s.streams, chatID)
	delete(s.busy, chatID)
	delete(s.pendingTools, chatID)
	delete(s.lastErrors, chatID)
	if chatID == s.activeChat {
		s.clearActiveLocked()
	}
}

func (s *State) clearActiveLocked() {
	s.activeChat = ""
	s.messages = nil
	s.input = ""
	s.tombstones = make(map[string]struct{})
}

// bumpChatLocked advances a chat's UpdatedAt. It never moves backwards.
func (s *State) bumpChatLocked(chatID string, at time.Time) {
	i := s.chatIndexLocked(chatID)
	if i < 0 || !at.After(s.chats[i].UpdatedAt) {
		return
	}
	s.chats[i].UpdatedAt = at
	s.sortChatsLocked()
}

func (s *State) appendMessageLocked(msg domain.ChatMessage) {
	if _, dead := s.tombstones[msg.ID]; dead {
		return
	}
	if slices.ContainsFunc(s.messages, func(m domain.ChatMessage) bool { return m.ID == msg.ID }) {
		return
	}
	s.messages = append(s.messages, msg)
}

func (s *State) removeMessageLocked(messageID string) bool {
	i := slices.IndexFunc(s.messages, func(m domain.ChatMessage) bool { return m.ID == messageID })
	if i < 0 {
		return false
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	return true
}

func (s *State) sortChatsLocked() {
	slices.SortStableFunc(s.chats, compareChats)
}

// compareChats orders chats by UpdatedAt descending, then id ascending.
func compareChats(a, b domain.Chat) int {
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
