package agent

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/store"
)

// fakeAgent emits a fixed event script, then optionally blocks until
// released or cancelled.
type fakeAgent struct {
	events     []TaskEvent
	release    chan struct{}
	noTerminal bool
	panicMsg   string
	messages   int
	closed     atomic.Bool
}

func (a *fakeAgent) Run(ctx context.Context, _ TaskRequest) iter.Seq2[TaskEvent, error] {
	return func(yield func(TaskEvent, error) bool) {
		if a.panicMsg != "" {
			panic(a.panicMsg)
		}
		for _, ev := range a.events {
			if !yield(ev, nil) {
				return
			}
		}
		if a.release != nil {
			select {
			case <-a.release:
			case <-ctx.Done():
				yield(Cancelled{}, nil)
				return
			}
		}
		if a.noTerminal {
			return
		}
		yield(Completed{}, nil)
	}
}

func (a *fakeAgent) Approve(string, bool) error { return ErrNoPendingTool }
func (a *fakeAgent) MessageCount() int          { return a.messages }
func (a *fakeAgent) Close() error {
	a.closed.Store(true)
	return nil
}

var errEngineDown = errors.New("engine down")

// fakeEngine counts creations and can fail the first n of them.
type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	delay     time.Duration
	// entered, when set, receives a value as NewAgent begins; NewAgent then
	// blocks until gate is closed.
	entered   chan struct{}
	gate      chan struct{}
	histories [][]domain.ChatMessage
	agents    []*fakeAgent
	newAgent  func() *fakeAgent
}

func (e *fakeEngine) NewAgent(_ context.Context, _ string, history []domain.ChatMessage) (Agent, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.entered != nil {
		e.entered <- struct{}{}
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.histories = append(e.histories, history)
	if e.calls <= e.failFirst {
		return nil, errEngineDown
	}
	a := &fakeAgent{}
	if e.newAgent != nil {
		a = e.newAgent()
	}
	a.messages = len(history)
	e.agents = append(e.agents, a)
	return a, nil
}

// Agents returns every agent created so far.
func (e *fakeEngine) Agents() []*fakeAgent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeAgent(nil), e.agents...)
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type sentEvent struct {
	sessionID string
	event     broadcast.Event
	exclude   string
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (b *fakeBroadcaster) Broadcast(sessionID string, ev broadcast.Event, excludeConnID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEvent{sessionID: sessionID, event: ev, exclude: excludeConnID})
	return 1
}

func (b *fakeBroadcaster) Sent() []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentEvent(nil), b.sent...)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestChat(t *testing.T, repo store.Repository, sessionID string) *domain.Chat {
	t.Helper()
	chat, err := repo.CreateChat(context.Background(), sessionID, "test")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	return chat
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, b *Binding) {
	t.Helper()
	done := b.Done()
	if done == nil {
		t.Fatal("no task was started")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

// collect reads from events until a terminal event arrives.
func collect(t *testing.T, missed []Envelope, events <-chan Envelope) []Envelope {
	t.Helper()
	out := append([]Envelope(nil), missed...)
	for _, env := range out {
		if IsTerminal(env.Event) {
			return out
		}
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, env)
			if IsTerminal(env.Event) {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal event after %d events", len(out))
		}
	}
}
