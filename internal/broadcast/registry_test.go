package broadcast

import (
	"bytes"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

func drain(t *testing.T, conn *Connection) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case data := <-conn.Outbound():
			ev, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent failed: %v", err)
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRegistry_ConnectedFrameFirst(t *testing.T) {
	r := NewRegistry(8, nil)
	conn := r.Register("sess")

	r.Broadcast("sess", TaskStarted{ChatID: "c1"}, "")

	events := drain(t, conn)
	if len(events) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(events))
	}
	hello, ok := events[0].(Connected)
	if !ok {
		t.Fatalf("first frame should be connected, got %T", events[0])
	}
	if hello.ConnectionID != conn.ID() {
		t.Errorf("connected frame carries %q, want %q", hello.ConnectionID, conn.ID())
	}
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(8, nil)
	tab1 := r.Register("sess")
	tab2 := r.Register("sess")
	tab3 := r.Register("sess")
	other := r.Register("other-sess")
	for _, c := range []*Connection{tab1, tab2, tab3, other} {
		drain(t, c)
	}

	chat := domain.Chat{ID: "c1", SessionID: "sess", Title: "t"}
	delivered := r.Broadcast("sess", ChatCreated{Chat: chat}, tab1.ID())
	if delivered != 2 {
		t.Errorf("expected delivery to 2 connections, got %d", delivered)
	}

	if got := drain(t, tab1); len(got) != 0 {
		t.Errorf("sender received its own event: %v", got)
	}
	for _, c := range []*Connection{tab2, tab3} {
		got := drain(t, c)
		if len(got) != 1 {
			t.Fatalf("expected 1 event, got %d", len(got))
		}
		created, ok := got[0].(ChatCreated)
		if !ok || created.Chat.ID != "c1" {
			t.Errorf("unexpected event %#v", got[0])
		}
	}
	if got := drain(t, other); len(got) != 0 {
		t.Errorf("other session received event: %v", got)
	}
}

func TestRegistry_BroadcastWithoutConnections(t *testing.T) {
	r := NewRegistry(8, nil)
	if n := r.Broadcast("nobody", TaskEnded{ChatID: "c1"}, ""); n != 0 {
		t.Errorf("expected 0 deliveries, got %d", n)
	}
}

func TestRegistry_ForeignExcludeIDExcludesNobody(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r := NewRegistry(8, logger)
	tab := r.Register("sess")
	foreign := r.Register("other")
	drain(t, tab)

	if n := r.Broadcast("sess", TaskEnded{ChatID: "c1"}, foreign.ID()); n != 1 {
		t.Errorf("expected delivery to the session's only tab, got %d", n)
	}
	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, foreign.ID()) {
		t.Errorf("expected a warning naming the foreign id, got %q", out)
	}
}

func TestRegistry_OrderPreservedPerConnection(t *testing.T) {
	r := NewRegistry(128, nil)
	conn := r.Register("sess")
	drain(t, conn)

	for i := 0; i < 50; i++ {
		r.Broadcast("sess", TaskStarted{ChatID: strconv.Itoa(i)}, "")
	}
	events := drain(t, conn)
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.(TaskStarted).ChatID != strconv.Itoa(i) {
			t.Fatalf("event %d out of order: %v", i, ev)
		}
	}
}

func TestRegistry_FullQueueDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(2, nil)
	slow := r.Register("sess") // connected frame occupies one slot
	fast := r.Register("sess")
	drain(t, fast)

	for i := 0; i < 5; i++ {
		r.Broadcast("sess", TaskStarted{ChatID: "c1"}, "")
		drain(t, fast)
	}

	if got := len(drain(t, slow)); got != 2 {
		t.Errorf("slow connection should hold exactly its queue size, got %d", got)
	}
	if err := slow.enqueue([]byte("x")); err != nil && !errors.Is(err, errQueueFull) {
		t.Errorf("unexpected enqueue error: %v", err)
	}
}

func TestRegistry_UnregisterPrunesAndCloses(t *testing.T) {
	r := NewRegistry(8, nil)
	conn := r.Register("sess")

	if !r.IsActive("sess", conn.ID()) {
		t.Fatal("expected connection to be active")
	}
	if r.IsActive("other", conn.ID()) {
		t.Fatal("connection must not be active under another session")
	}

	r.Unregister("sess", conn.ID())
	r.Unregister("sess", conn.ID())

	if r.IsActive("sess", conn.ID()) {
		t.Error("expected connection to be inactive after unregister")
	}
	if r.Connections("sess") != 0 {
		t.Error("expected session bucket to be pruned")
	}
	if conn.IsOpen() {
		t.Error("expected connection to be closed")
	}
	if r.SendTo("sess", conn.ID(), TaskEnded{ChatID: "c1"}) {
		t.Error("SendTo must fail for unregistered connection")
	}
}

func TestRegistry_SendToTargetsOneConnection(t *testing.T) {
	r := NewRegistry(8, nil)
	owner := r.Register("sess")
	sibling := r.Register("sess")
	drain(t, owner)
	drain(t, sibling)

	if !r.SendTo("sess", owner.ID(), TaskCancelRequested{ChatID: "c1"}) {
		t.Fatal("SendTo failed")
	}
	if got := drain(t, owner); len(got) != 1 {
		t.Errorf("owner expected 1 event, got %d", len(got))
	}
	if got := drain(t, sibling); len(got) != 0 {
		t.Errorf("sibling must not receive targeted event, got %d", len(got))
	}
}

func TestRegistry_ConcurrentRegisterBroadcast(t *testing.T) {
	r := NewRegistry(1024, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := r.Register("sess")
			time.Sleep(time.Millisecond)
			r.Unregister("sess", c.ID())
		}()
		go func() {
			defer wg.Done()
			r.Broadcast("sess", TaskEnded{ChatID: "c1"}, "")
		}()
	}
	wg.Wait()
	if r.Connections("sess") != 0 {
		t.Errorf("expected no connections left, got %d", r.Connections("sess"))
	}
}

func TestDecodeEvent_RejectsUnknownAndIncomplete(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"chat_exploded"}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`{"type":"message_added","chatId":"c1"}`)); err == nil {
		t.Error("expected error for message_added without message")
	}
	if _, err := DecodeEvent([]byte(`{"type":"task_started"}`)); err == nil {
		t.Error("expected error for task_started without chatId")
	}
}
