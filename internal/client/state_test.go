package client

import (
	"reflect"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func chat(id string, updated time.Duration) domain.Chat {
	return domain.Chat{ID: id, Title: id, CreatedAt: t0, UpdatedAt: t0.Add(updated)}
}

func textMsg(id, chatID string, role domain.Role, text string) domain.ChatMessage {
	m := domain.TextMessage(chatID, role, text)
	m.ID = id
	m.CreatedAt = t0
	return m
}

// snapshot captures everything ApplySync can touch.
type snapshot struct {
	Active   string
	Messages []domain.ChatMessage
	Chats    []domain.Chat
	Busy     bool
	Stream   []StreamEntry
}

func snap(s *State, chatID string) snapshot {
	return snapshot{
		Active:   s.ActiveChat(),
		Messages: s.Messages(),
		Chats:    s.Chats(),
		Busy:     s.IsBusy(chatID),
		Stream:   s.Stream(chatID),
	}
}

func TestApplySync_Idempotent(t *testing.T) {
	events := []broadcast.Event{
		broadcast.ChatCreated{Chat: chat("c2", time.Minute)},
		broadcast.ChatUpdated{Chat: domain.Chat{ID: "c1", Title: "renamed", UpdatedAt: t0.Add(2 * time.Minute)}},
		broadcast.MessageAdded{ChatID: "c1", Message: textMsg("m2", "c1", domain.RoleUser, "hi"), ChatUpdatedAt: t0.Add(3 * time.Minute)},
		broadcast.MessageDeleted{ChatID: "c1", MessageID: "m1"},
		broadcast.TaskStarted{ChatID: "c1"},
		broadcast.TaskEnded{ChatID: "c1"},
		broadcast.ChatDeleted{ChatID: "c2"},
	}

	for _, ev := range events {
		s := NewState()
		s.SetChats([]domain.Chat{chat("c1", 0), chat("c2", time.Second)})
		s.SetActive("c1", []domain.ChatMessage{textMsg("m1", "c1", domain.RoleUser, "first")})

		s.ApplySync(ev)
		once := snap(s, "c1")
		s.ApplySync(ev)
		twice := snap(s, "c1")

		if !reflect.DeepEqual(once, twice) {
			t.Errorf("%s applied twice changed state:\nonce:  %+v\ntwice: %+v", ev.Type(), once, twice)
		}
	}
}

func TestApplySync_ChatCreatedForKnownIDIsNoop(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("c1", 0)})

	s.ApplySync(broadcast.ChatCreated{Chat: domain.Chat{ID: "c1", Title: "other", UpdatedAt: t0.Add(time.Hour)}})

	chats := s.Chats()
	if len(chats) != 1 || chats[0].Title != "c1" {
		t.Fatalf("chats = %+v, want the original c1 only", chats)
	}
}

func TestApplySync_KeepsChatsSortedNewestFirst(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("b", 0), chat("a", 0), chat("c", time.Second)})

	ids := func() []string {
		var out []string
		for _, c := range s.Chats() {
			out = append(out, c.ID)
		}
		return out
	}
	if got, want := ids(), []string{"c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("initial order = %v, want %v", got, want)
	}

	// A message in an inactive chat still moves it to the top.
	s.ApplySync(broadcast.MessageAdded{ChatID: "b", Message: textMsg("m1", "b", domain.RoleUser, "x"), ChatUpdatedAt: t0.Add(time.Minute)})
	if got, want := ids(), []string{"b", "c", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after message_added = %v, want %v", got, want)
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("message for inactive chat was appended: %+v", s.Messages())
	}

	s.ApplySync(broadcast.ChatUpdated{Chat: chat("a", 2*time.Minute)})
	if got, want := ids(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after chat_updated = %v, want %v", got, want)
	}

	// An older broadcast never moves a chat backwards.
	s.ApplySync(broadcast.MessageAdded{ChatID: "a", Message: textMsg("m2", "a", domain.RoleUser, "x"), ChatUpdatedAt: t0})
	if got, want := ids(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after stale message_added = %v, want %v", got, want)
	}
}

func TestApplySync_MessageAddedDedupesActiveChat(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("c1", 0)})
	s.SetActive("c1", nil)

	msg := textMsg("m1", "c1", domain.RoleUser, "hello")
	s.AddMessage(msg)
	s.ApplySync(broadcast.MessageAdded{ChatID: "c1", Message: msg, ChatUpdatedAt: t0.Add(time.Second)})

	if got := s.Messages(); len(got) != 1 {
		t.Fatalf("messages = %+v, want exactly one", got)
	}
	if c, _ := s.Chat("c1"); !c.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("UpdatedAt = %v, want %v", c.UpdatedAt, t0.Add(time.Second))
	}
}

func TestApplySync_DeleteBeforeAddIsRemembered(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("c1", 0)})
	s.SetActive("c1", nil)

	s.ApplySync(broadcast.MessageDeleted{ChatID: "c1", MessageID: "m1"})
	s.ApplySync(broadcast.MessageAdded{ChatID: "c1", Message: textMsg("m1", "c1", domain.RoleUser, "late"), ChatUpdatedAt: t0.Add(time.Second)})

	if got := s.Messages(); len(got) != 0 {
		t.Fatalf("deleted message reappeared: %+v", got)
	}
}

func TestApplySync_MessageDeletedOnlyTouchesActiveChat(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("c1", 0), chat("c2", 0)})
	s.SetActive("c1", []domain.ChatMessage{textMsg("m1", "c1", domain.RoleUser, "keep")})

	s.ApplySync(broadcast.MessageDeleted{ChatID: "c2", MessageID: "m1"})
	if len(s.Messages()) != 1 {
		t.Fatal("delete for another chat removed an active message")
	}

	s.ApplySync(broadcast.MessageDeleted{ChatID: "c1", MessageID: "m1"})
	if len(s.Messages()) != 0 {
		t.Fatal("delete for the active chat was ignored")
	}
}

func TestApplySync_ChatDeletedClearsActive(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("c1", 0), chat("c2", 0)})
	s.SetActive("c1", []domain.ChatMessage{textMsg("m1", "c1", domain.RoleUser, "x")})
	s.SetInput("draft")

	s.ApplySync(broadcast.ChatDeleted{ChatID: "c1"})

	if s.ActiveChat() != "" || len(s.Messages()) != 0 || s.Input() != "" {
		t.Fatalf("active=%q messages=%d input=%q, want cleared", s.ActiveChat(), len(s.Messages()), s.Input())
	}
	if _, ok := s.Chat("c1"); ok {
		t.Fatal("deleted chat still listed")
	}
	if _, ok := s.Chat("c2"); !ok {
		t.Fatal("unrelated chat was removed")
	}
}

func TestApplySync_TaskStartedAndEnded(t *testing.T) {
	s := NewState()
	s.ApplyTaskEvent("c1", agent.TextDelta{Text: "partial"})

	s.ApplySync(broadcast.TaskStarted{ChatID: "c1"})
	if !s.IsBusy("c1") {
		t.Fatal("task_started did not mark chat busy")
	}

	s.ApplySync(broadcast.TaskEnded{ChatID: "c1"})
	if s.IsBusy("c1") {
		t.Fatal("task_ended left chat busy")
	}
	if len(s.Stream("c1")) != 0 {
		t.Fatalf("task_ended left stale output: %+v", s.Stream("c1"))
	}
}

func TestApplySync_LocalTaskIgnoresSiblingBusyState(t *testing.T) {
	s := NewState()
	s.MarkRunning("c1")
	s.ApplyTaskEvent("c1", agent.TextDelta{Text: "mine"})

	s.ApplySync(broadcast.TaskStarted{ChatID: "c1"})
	s.ApplySync(broadcast.TaskEnded{ChatID: "c1"})

	if s.IsBusy("c1") {
		t.Error("locally running chat marked busy")
	}
	if got := s.Stream("c1"); len(got) != 1 || got[0].Text != "mine" {
		t.Errorf("local stream = %+v, want it kept", got)
	}
}

func TestApplySync_CancelRequestOnlyForLocalTask(t *testing.T) {
	s := NewState()
	ev := broadcast.TaskCancelRequested{ChatID: "c1"}

	if got := s.ApplySync(ev); got != ActionNone {
		t.Fatalf("action without local task = %v, want none", got)
	}
	s.MarkRunning("c1")
	if got := s.ApplySync(ev); got != ActionCancelTask {
		t.Fatalf("action with local task = %v, want cancel", got)
	}
}

func TestApplyTaskEvent_CoalescesDeltas(t *testing.T) {
	s := NewState()
	s.MarkRunning("c1")

	for _, ev := range []agent.TaskEvent{
		agent.TextDelta{Text: "Hel"},
		agent.TextDelta{Text: "lo"},
		agent.ToolInputDelta{ToolID: "t1", Name: "search", Partial: `{"q":`},
		agent.ToolInputDelta{ToolID: "t1", Name: "search", Partial: `"go"}`},
		agent.ToolInputDelta{ToolID: "t2", Name: "fetch", Partial: `{}`},
		agent.TextDelta{Text: "done"},
	} {
		s.ApplyTaskEvent("c1", ev)
	}

	want := []StreamEntry{
		{Kind: StreamText, Text: "Hello"},
		{Kind: StreamToolInput, ToolID: "t1", ToolName: "search", Text: `{"q":"go"}`},
		{Kind: StreamToolInput, ToolID: "t2", ToolName: "fetch", Text: `{}`},
		{Kind: StreamText, Text: "done"},
	}
	if got := s.Stream("c1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("stream =\n%+v\nwant\n%+v", got, want)
	}
	if len(s.Stream("c2")) != 0 {
		t.Fatal("deltas leaked into another chat")
	}
}

func TestApplyTaskEvent_AssistantMessageAndTerminal(t *testing.T) {
	s := NewState()
	s.SetChats([]domain.Chat{chat("c1", 0)})
	s.SetActive("c1", nil)
	s.MarkRunning("c1")
	s.ApplyTaskEvent("c1", agent.TextDelta{Text: "You said"})

	reply := textMsg("m2", "c1", domain.RoleAssistant, "You said: hi")
	reply.CreatedAt = t0.Add(time.Minute)
	s.ApplyTaskEvent("c1", agent.AssistantMessage{Message: reply})
	s.ApplyTaskEvent("c1", agent.AssistantMessage{Message: reply})

	if got := s.Messages(); len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("messages = %+v, want the reply once", got)
	}
	if len(s.Stream("c1")) != 0 {
		t.Fatal("assistant message did not reset the accumulator")
	}
	if c, _ := s.Chat("c1"); !c.UpdatedAt.Equal(reply.CreatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", c.UpdatedAt, reply.CreatedAt)
	}
	if !s.IsRunning("c1") {
		t.Fatal("assistant message ended the task")
	}

	s.ApplyTaskEvent("c1", agent.TaskError{Message: "boom"})
	if s.IsRunning("c1") {
		t.Fatal("error did not clear the running flag")
	}
	if s.LastError("c1") != "boom" {
		t.Errorf("LastError = %q, want boom", s.LastError("c1"))
	}
}

func TestApplyTaskEvent_PendingTool(t *testing.T) {
	s := NewState()
	s.ApplyTaskEvent("c1", agent.ToolPendingApproval{ToolID: "t1", Name: "echo"})
	if p, ok := s.PendingTool("c1"); !ok || p.ToolID != "t1" {
		t.Fatalf("PendingTool = %+v, %v", p, ok)
	}
	s.ApplyTaskEvent("c1", agent.ToolApproved{ToolID: "t1"})
	if _, ok := s.PendingTool("c1"); ok {
		t.Fatal("approval did not clear the pending tool")
	}
}
