package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_ChatCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chat, err := s.CreateChat(ctx, "sess-1", "")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if chat.Title != DefaultChatTitle {
		t.Errorf("expected default title, got %q", chat.Title)
	}

	got, err := s.GetChat(ctx, chat.ID, "sess-1")
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if got.ID != chat.ID || got.SessionID != "sess-1" {
		t.Errorf("unexpected chat: %+v", got)
	}

	if _, err := s.GetChat(ctx, chat.ID, "sess-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign session, got %v", err)
	}

	renamed, err := s.UpdateTitle(ctx, chat.ID, "sess-1", "Renamed")
	if err != nil {
		t.Fatalf("UpdateTitle failed: %v", err)
	}
	if renamed.Title != "Renamed" {
		t.Errorf("expected renamed title, got %q", renamed.Title)
	}
	if !renamed.UpdatedAt.After(chat.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance: %v -> %v", chat.UpdatedAt, renamed.UpdatedAt)
	}

	if err := s.DeleteChat(ctx, chat.ID, "sess-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting foreign chat, got %v", err)
	}
	if err := s.DeleteChat(ctx, chat.ID, "sess-1"); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}
	if _, err := s.GetChat(ctx, chat.ID, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStore_ListChatsSortedByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	first, err := s.CreateChat(ctx, "sess", "first")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	second, err := s.CreateChat(ctx, "sess", "second")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if _, err := s.CreateChat(ctx, "other", "foreign"); err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	// The clock is frozen: the message must still push first ahead.
	if _, err := s.AddMessage(ctx, first.ID, domain.RoleUser, []domain.ContentBlock{{Type: domain.BlockText, Text: "hi"}}, ""); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	chats, err := s.ListChats(ctx, "sess")
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != first.ID || chats[1].ID != second.ID {
		t.Errorf("unexpected order: %s, %s", chats[0].Title, chats[1].Title)
	}
}

func TestSQLiteStore_Messages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chat, err := s.CreateChat(ctx, "sess", "c")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	user, err := s.AddMessage(ctx, chat.ID, domain.RoleUser, []domain.ContentBlock{{Type: domain.BlockText, Text: "hello"}}, "")
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	assistant, err := s.AddMessage(ctx, chat.ID, domain.RoleAssistant, []domain.ContentBlock{
		{Type: domain.BlockText, Text: "hi"},
		{Type: domain.BlockToolUse, ID: "tool-1", Name: "ls", Input: []byte(`{"path":"/"}`)},
	}, "ckpt-1")
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	chatAfter, err := s.GetChat(ctx, chat.ID, "sess")
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if !chatAfter.UpdatedAt.Equal(assistant.CreatedAt) {
		t.Errorf("chat UpdatedAt %v should equal last message CreatedAt %v", chatAfter.UpdatedAt, assistant.CreatedAt)
	}

	msgs, err := s.GetMessages(ctx, chat.ID, "sess")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != user.ID || msgs[1].ID != assistant.ID {
		t.Errorf("unexpected message order")
	}
	if msgs[1].CheckpointID != "ckpt-1" {
		t.Errorf("expected checkpoint id, got %q", msgs[1].CheckpointID)
	}
	if string(msgs[1].Content[1].Input) != `{"path":"/"}` {
		t.Errorf("tool input not preserved: %s", msgs[1].Content[1].Input)
	}

	if _, err := s.GetMessages(ctx, chat.ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign session, got %v", err)
	}

	if err := s.DeleteMessage(ctx, chat.ID, "sess", user.ID); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if err := s.DeleteMessage(ctx, chat.ID, "sess", user.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	if _, err := s.AddMessage(ctx, "missing", domain.RoleUser, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound adding to missing chat, got %v", err)
	}
}

func TestSQLiteStore_ConcurrentAddMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chat, err := s.CreateChat(ctx, "sess", "c")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddMessage(ctx, chat.ID, domain.RoleUser, nil, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent AddMessage failed: %v", err)
	}

	msgs, err := s.GetMessages(ctx, chat.ID, "sess")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("message timestamps not strictly increasing at %d", i)
		}
	}
}
