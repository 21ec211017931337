package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/api"
	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/go-chi/chi/v5"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	registry := broadcast.NewRegistry(64, nil)
	t.Cleanup(registry.Close)
	manager := agent.NewManager(repo, agent.NewEchoEngine(0), registry, agent.ManagerOptions{})
	t.Cleanup(manager.Close)

	r := chi.NewRouter()
	api.NewHandler(repo, manager, registry, nil, nil).RegisterRoutes(r, identity.Middleware)
	r.With(identity.Middleware).Handle("/ws/sync", broadcast.NewHandler(registry, time.Minute, nil, nil))
	r.With(identity.Middleware).Handle("/ws/chats/{chatID}/task", agent.NewChannelHandler(manager, time.Minute, nil, nil))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// connectTab opens a tab with its own sync channel on the given session.
func connectTab(ctx context.Context, t *testing.T, c *HTTPClient) *Tab {
	t.Helper()
	syncConn, err := c.ConnectSync(ctx)
	if err != nil {
		t.Fatalf("ConnectSync failed: %v", err)
	}
	if syncConn.ConnectionID() == "" || c.ConnectionID() != syncConn.ConnectionID() {
		t.Fatalf("connection id not adopted: sync=%q client=%q", syncConn.ConnectionID(), c.ConnectionID())
	}
	tab := NewTab(c, NewWSDialer(c), NewMemoryPendingStore(), TabOptions{})
	go func() { _ = tab.RunSync(ctx, syncConn) }()
	t.Cleanup(func() {
		tab.Close()
		_ = syncConn.Close()
	})
	return tab
}

func TestTabsShareSessionOverRealServer(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c1 := New(srv.URL, WithTimeout(5*time.Second))
	sessionID, err := c1.IssueSession(ctx)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}
	c2 := New(srv.URL, WithSession(sessionID))

	tab1 := connectTab(ctx, t, c1)
	tab2 := connectTab(ctx, t, c2)

	created, err := c1.CreateChat(ctx, "Plans")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	tab1.State().UpsertChat(*created)
	waitFor(t, "chat_created in the sibling tab", func() bool {
		_, ok := tab2.State().Chat(created.ID)
		return ok
	})

	if err := tab1.OpenChat(ctx, created.ID); err != nil {
		t.Fatalf("OpenChat failed: %v", err)
	}
	if err := tab1.Send(ctx, created.ID, "hello there"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, "assistant reply", func() bool {
		return !tab1.State().IsRunning(created.ID) && len(tab1.State().Messages()) == 2
	})
	msgs := tab1.State().Messages()
	if got := msgs[1].Text(); got != "You said: hello there" {
		t.Errorf("reply = %q", got)
	}

	persisted, err := c2.ListMessages(ctx, created.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(persisted) != 2 || persisted[1].ID != msgs[1].ID {
		t.Fatalf("persisted = %+v, want the user message and the reply", persisted)
	}

	waitFor(t, "sibling chat bump", func() bool {
		c, ok := tab2.State().Chat(created.ID)
		return ok && !c.UpdatedAt.Before(persisted[1].CreatedAt) && !tab2.State().IsBusy(created.ID)
	})
}

func TestHTTPClient_NotFound(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)
	if _, err := c.IssueSession(context.Background()); err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}

	_, err := c.GetChat(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetChat = %v, want ErrNotFound", err)
	}
}
