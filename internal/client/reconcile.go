package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/domain"
)

// Errors returned by Tab operations.
var (
	ErrChatBusy     = errors.New("chat has a task running in another tab")
	ErrTaskActive   = errors.New("chat already has a task running in this tab")
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoLocalTask  = errors.New("no task running in this tab")
)

const (
	notifyTimeout      = 10 * time.Second
	localCancelReason  = "cancelled by user"
	remoteCancelReason = "cancel requested by another tab"

	// cancelledHere is RequestRemoteCancel's status for a task this tab ran.
	cancelledHere = "cancelled"
)

// API is the slice of the REST surface a tab drives.
type API interface {
	ListChats(ctx context.Context) ([]domain.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error)
	AddMessage(ctx context.Context, chatID string, role domain.Role, content []domain.ContentBlock) (*domain.ChatMessage, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	DestroyAgent(ctx context.Context, chatID string) error
	MarkPending(ctx context.Context, chatID string) (bool, error)
	CancelPending(ctx context.Context, chatID string) error
	NotifyTaskStarted(ctx context.Context, chatID string) error
	NotifyTaskEnded(ctx context.Context, chatID string) error
	CancelTask(ctx context.Context, chatID string) (string, error)
	ActiveAgents(ctx context.Context) ([]agent.AgentInfo, error)
}

// SyncStream yields sync events, typically a *SyncConn.
type SyncStream interface {
	Recv(ctx context.Context) (broadcast.Event, error)
}

// TabOptions configures a Tab.
type TabOptions struct {
	Logger *slog.Logger
	// CancelGrace bounds how long Cancel waits for the task's terminal event
	// before dropping the channel.
	CancelGrace time.Duration
	// ResumeAttempts is how often a dropped task channel is redialed.
	ResumeAttempts int
	ResumeBackoff  time.Duration
}

// Tab orchestrates one browser tab: it owns the tab's State, the task
// channels of tasks it started, and its pending records.
type Tab struct {
	api     API
	dialer  Dialer
	pending PendingStore
	state   *State
	logger  *slog.Logger
	opts    TabOptions

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*taskRun
}

// NewTab creates a tab with an empty state.
func NewTab(api API, dialer Dialer, pending PendingStore, opts TabOptions) *Tab {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.ResumeAttempts <= 0 {
		opts.ResumeAttempts = 3
	}
	if opts.ResumeBackoff <= 0 {
		opts.ResumeBackoff = 250 * time.Millisecond
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Tab{
		api:     api,
		dialer:  dialer,
		pending: pending,
		state:   NewState(),
		logger:  opts.Logger,
		opts:    opts,
		ctx:     ctx,
		stop:    stop,
		runs:    make(map[string]*taskRun),
	}
}

// State returns the tab's state.
func (t *Tab) State() *State {
	return t.state
}

// Close detaches from every task channel without cancelling the tasks, as
// a page unload does. Pending records are kept for the next Load.
func (t *Tab) Close() {
	t.stop()
	t.wg.Wait()
}

// taskRun is a task this tab started or reclaimed.
type taskRun struct {
	chatID string
	rec    PendingRecord

	ctx   context.Context
	abort context.CancelFunc
	done  chan struct{}

	mu       sync.Mutex
	conn     TaskConn
	aborted  bool
	editOnce sync.Once

	// Owned by the pump goroutine.
	lastSeq  int64
	starting bool
}

func (r *taskRun) current() TaskConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *taskRun) send(ctx context.Context, frame agent.ControlFrame) error {
	conn := r.current()
	if conn == nil {
		return ErrNoLocalTask
	}
	return conn.Send(ctx, frame)
}

func (r *taskRun) swap(conn TaskConn) {
	r.mu.Lock()
	old := r.conn
	r.conn = conn
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (r *taskRun) stopLocal() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.abort()
}

func (r *taskRun) wasAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// reserve claims chatID for a new run. It fails if the chat already runs
// here or is reported busy elsewhere.
func (t *Tab) reserve(rec PendingRecord, checkBusy bool) (*taskRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[rec.ChatID]; ok || t.state.IsRunning(rec.ChatID) {
		return nil, ErrTaskActive
	}
	if checkBusy && t.state.IsBusy(rec.ChatID) {
		return nil, ErrChatBusy
	}
	ctx, abort := context.WithCancel(t.ctx)
	run := &taskRun{
		chatID: rec.ChatID,
		rec:    rec,
		ctx:    ctx,
		abort:  abort,
		done:   make(chan struct{}),
	}
	t.runs[rec.ChatID] = run
	return run, nil
}

func (t *Tab) release(run *taskRun) {
	t.mu.Lock()
	if t.runs[run.chatID] == run {
		delete(t.runs, run.chatID)
	}
	t.mu.Unlock()
	run.abort()
	if conn := run.current(); conn != nil {
		_ = conn.Close()
	}
}

// liveRun returns chatID's run once its channel is attached.
func (t *Tab) liveRun(chatID string) *taskRun {
	t.mu.Lock()
	run := t.runs[chatID]
	t.mu.Unlock()
	if run == nil || run.current() == nil {
		return nil
	}
	return run
}

// Load fetches the chat list and reclaims tasks this tab started before a
// reload. Running tasks without a local pending record belong to another
// tab and are only marked busy.
func (t *Tab) Load(ctx context.Context) error {
	chats, err := t.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	t.state.SetChats(chats)

	agents, err := t.api.ActiveAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	running := make(map[string]bool)
	for _, info := range agents {
		if !info.IsTaskRunning {
			continue
		}
		running[info.ChatID] = true

		rec, ok, err := t.pending.Load(info.ChatID)
		if err != nil {
			t.logger.Warn("Failed to read pending record", "chat_id", info.ChatID, "error", err)
		}
		if !ok {
			t.state.MarkBusy(info.ChatID)
			continue
		}
		if err := t.reclaim(ctx, rec); err != nil {
			t.logger.Warn("Failed to reclaim task", "chat_id", info.ChatID, "error", err)
			t.state.MarkBusy(info.ChatID)
		}
	}

	records, err := t.pending.List()
	if err != nil {
		t.logger.Warn("Failed to list pending records", "error", err)
		return nil
	}
	for _, rec := range records {
		if running[rec.ChatID] {
			continue
		}
		// The task finished while the tab was away.
		if err := t.pending.Delete(rec.ChatID); err != nil {
			t.logger.Warn("Failed to drop stale pending record", "chat_id", rec.ChatID, "error", err)
		}
	}
	return nil
}

// reclaim reattaches to a task this tab started and replays its events.
func (t *Tab) reclaim(ctx context.Context, rec PendingRecord) error {
	run, err := t.reserve(rec, false)
	if err != nil {
		return err
	}
	conn, err := t.dialer.DialTask(ctx, rec.ChatID, "")
	if err != nil {
		t.release(run)
		return err
	}
	if err := conn.Send(ctx, agent.ControlFrame{Action: agent.ActionResumeTask}); err != nil {
		_ = conn.Close()
		t.release(run)
		return err
	}
	t.state.MarkRunning(rec.ChatID)
	t.launch(run, conn)
	t.logger.Info("Reclaimed task", "chat_id", rec.ChatID, "message_id", rec.MessageID)
	return nil
}

// OpenChat switches the tab to chatID, leaving the previous chat first.
func (t *Tab) OpenChat(ctx context.Context, chatID string) error {
	if prev := t.state.ActiveChat(); prev != "" && prev != chatID {
		t.SwitchAway(ctx, prev)
	}

	msgs, err := t.api.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	if t.state.IsRunning(chatID) {
		if err := t.api.CancelPending(ctx, chatID); err != nil {
			t.logger.Warn("Failed to cancel pending destruction", "chat_id", chatID, "error", err)
		}
	}
	t.state.SetActive(chatID, msgs)
	return nil
}

// SwitchAway leaves chatID. An agent with a task running here is marked for
// destruction once the task ends; an idle one is destroyed now. Agents
// busy in another tab are left alone.
func (t *Tab) SwitchAway(ctx context.Context, chatID string) {
	switch {
	case t.state.IsRunning(chatID):
		if _, err := t.api.MarkPending(ctx, chatID); err != nil {
			t.logger.Warn("Failed to mark agent pending", "chat_id", chatID, "error", err)
		}
	case t.state.IsBusy(chatID):
	default:
		if err := t.api.DestroyAgent(ctx, chatID); err != nil {
			t.logger.Warn("Failed to destroy agent", "chat_id", chatID, "error", err)
		}
	}
	if t.state.ActiveChat() == chatID {
		t.state.ClearActive()
	}
}

// Send persists text as a user message and starts a task on it.
func (t *Tab) Send(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	run, err := t.reserve(PendingRecord{ChatID: chatID, Text: text}, true)
	if err != nil {
		return err
	}

	msg, err := t.api.AddMessage(ctx, chatID, domain.RoleUser, []domain.ContentBlock{{Type: domain.BlockText, Text: text}})
	if err != nil {
		t.release(run)
		return fmt.Errorf("send: %w", err)
	}
	run.rec.MessageID = msg.ID
	t.state.AddMessage(*msg)
	t.state.MarkRunning(chatID)
	if t.state.ActiveChat() == chatID {
		t.state.SetInput("")
	}
	if err := t.pending.Save(run.rec); err != nil {
		t.logger.Warn("Failed to save pending record", "chat_id", chatID, "error", err)
	}
	if err := t.api.NotifyTaskStarted(ctx, chatID); err != nil {
		t.logger.Warn("Failed to notify task started", "chat_id", chatID, "error", err)
	}

	conn, err := t.dialer.DialTask(ctx, chatID, msg.ID)
	if err != nil {
		t.rollback(run, err.Error())
		return fmt.Errorf("send: %w", err)
	}
	if err := conn.Send(ctx, agent.ControlFrame{Action: agent.ActionStartTask, Text: text, MessageID: msg.ID}); err != nil {
		_ = conn.Close()
		t.rollback(run, err.Error())
		return fmt.Errorf("send: %w", err)
	}
	run.starting = true
	t.launch(run, conn)
	return nil
}

// rollback undoes a send whose task never started.
func (t *Tab) rollback(run *taskRun, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	t.cancelToEdit(ctx, run)
	t.finish(run, agent.TaskError{Message: reason})
}

// Cancel stops this tab's task on chatID and restores the triggering
// message to the composer.
func (t *Tab) Cancel(ctx context.Context, chatID string) error {
	return t.cancel(ctx, chatID, localCancelReason)
}

func (t *Tab) cancel(ctx context.Context, chatID, reason string) error {
	run := t.liveRun(chatID)
	if run == nil {
		return ErrNoLocalTask
	}
	if err := run.send(ctx, agent.ControlFrame{Action: agent.ActionCancelTask, Reason: reason}); err != nil {
		t.logger.Warn("Failed to send cancel", "chat_id", chatID, "error", err)
		run.stopLocal()
	}
	t.cancelToEdit(ctx, run)

	timer := time.NewTimer(t.opts.CancelGrace)
	defer timer.Stop()
	select {
	case <-run.done:
	case <-timer.C:
		t.logger.Warn("Task did not confirm cancellation", "chat_id", chatID)
		run.stopLocal()
		<-run.done
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// cancelToEdit deletes the triggering user message and puts its text back
// in the composer. A failed delete does not stop the local cleanup.
func (t *Tab) cancelToEdit(ctx context.Context, run *taskRun) {
	run.editOnce.Do(func() {
		rec := run.rec
		if rec.MessageID != "" {
			if err := t.api.DeleteMessage(ctx, rec.ChatID, rec.MessageID); err != nil {
				t.logger.Warn("Failed to delete cancelled message", "chat_id", rec.ChatID, "message_id", rec.MessageID, "error", err)
			}
			t.state.RemoveMessage(rec.ChatID, rec.MessageID)
		}
		t.state.RestoreInput(rec.ChatID, rec.Text)
		t.state.ClearStream(rec.ChatID)
		if err := t.pending.Delete(rec.ChatID); err != nil {
			t.logger.Warn("Failed to clear pending record", "chat_id", rec.ChatID, "error", err)
		}
	})
}

// Approve answers the pending tool approval of chatID's task.
func (t *Tab) Approve(ctx context.Context, chatID, toolID string, approved bool) error {
	run := t.liveRun(chatID)
	if run == nil {
		return ErrNoLocalTask
	}
	return run.send(ctx, agent.ControlFrame{Action: agent.ActionApproveTool, ToolID: toolID, Approved: approved})
}

// RequestRemoteCancel asks the server to cancel chatID's task wherever it
// runs. A task running here is cancelled directly.
func (t *Tab) RequestRemoteCancel(ctx context.Context, chatID string) (string, error) {
	if t.liveRun(chatID) != nil {
		return cancelledHere, t.Cancel(ctx, chatID)
	}
	status, err := t.api.CancelTask(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("remote cancel: %w", err)
	}
	return status, nil
}

// HandleSync applies a sync event and carries out what it asks of this tab.
func (t *Tab) HandleSync(ctx context.Context, ev broadcast.Event) {
	if t.state.ApplySync(ev) != ActionCancelTask {
		return
	}
	chatID := ev.(broadcast.TaskCancelRequested).ChatID
	if err := t.cancel(ctx, chatID, remoteCancelReason); err != nil && !errors.Is(err, ErrNoLocalTask) {
		t.logger.Warn("Failed to honour cancel request", "chat_id", chatID, "error", err)
	}
}

// RunSync applies events from stream until it fails or ctx ends.
func (t *Tab) RunSync(ctx context.Context, stream SyncStream) error {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				t.logger.Debug("Ignoring sync frame", "error", err)
				continue
			}
			return err
		}
		t.HandleSync(ctx, ev)
	}
}

func (t *Tab) launch(run *taskRun, conn TaskConn) {
	run.swap(conn)
	t.wg.Add(1)
	go t.pump(run)
}

// pump relays one task's events into the state until a terminal event.
func (t *Tab) pump(run *taskRun) {
	defer t.wg.Done()
	defer close(run.done)

	for {
		conn := run.current()
		env, err := conn.Recv(run.ctx)
		if errors.Is(err, ErrMalformedFrame) {
			t.logger.Debug("Ignoring task frame", "chat_id", run.chatID, "error", err)
			continue
		}
		if err != nil {
			if t.ctx.Err() != nil {
				t.release(run)
				return
			}
			if !run.wasAborted() && t.resume(run) {
				continue
			}
			if run.wasAborted() {
				t.finish(run, agent.Cancelled{Reason: localCancelReason})
				return
			}
			t.logger.Warn("Task channel lost", "chat_id", run.chatID, "error", err)
			t.finish(run, agent.TaskError{Message: "task channel lost"})
			return
		}

		if env.Seq == 0 {
			if e, ok := env.Event.(agent.TaskError); ok {
				if run.starting && run.lastSeq == 0 {
					t.rollback(run, e.Message)
					return
				}
				t.logger.Warn("Task channel error", "chat_id", run.chatID, "error", e.Message)
			}
			continue
		}
		if env.Seq <= run.lastSeq {
			continue
		}
		run.lastSeq = env.Seq

		if agent.IsTerminal(env.Event) {
			t.finish(run, env.Event)
			return
		}
		t.state.ApplyTaskEvent(run.chatID, env.Event)
	}
}

// resume redials a dropped task channel and resumes after the last event
// seen.
func (t *Tab) resume(run *taskRun) bool {
	for attempt := 1; attempt <= t.opts.ResumeAttempts; attempt++ {
		timer := time.NewTimer(time.Duration(attempt) * t.opts.ResumeBackoff)
		select {
		case <-timer.C:
		case <-run.ctx.Done():
			timer.Stop()
			return false
		}

		conn, err := t.dialer.DialTask(run.ctx, run.chatID, "")
		if err != nil {
			t.logger.Debug("Task channel redial failed", "chat_id", run.chatID, "attempt", attempt, "error", err)
			continue
		}
		if err := conn.Send(run.ctx, agent.ControlFrame{Action: agent.ActionResumeTask, LastSeq: run.lastSeq}); err != nil {
			_ = conn.Close()
			continue
		}
		run.swap(conn)
		run.starting = false
		t.logger.Info("Task channel resumed", "chat_id", run.chatID, "last_seq", run.lastSeq)
		return true
	}
	return false
}

// finish applies a task's terminal event and releases everything the tab
// held for it.
func (t *Tab) finish(run *taskRun, final agent.TaskEvent) {
	t.state.ApplyTaskEvent(run.chatID, final)
	if err := t.pending.Delete(run.chatID); err != nil {
		t.logger.Warn("Failed to clear pending record", "chat_id", run.chatID, "error", err)
	}
	t.release(run)

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := t.api.NotifyTaskEnded(ctx, run.chatID); err != nil {
		t.logger.Warn("Failed to notify task ended", "chat_id", run.chatID, "error", err)
	}
	t.logger.Debug("Task finished", "chat_id", run.chatID, "event", final.Type())
}
