package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	defaultEventBuffer = 512
	subscriberBuffer   = 256
)

// BindingOptions configures a Binding.
type BindingOptions struct {
	// BufferSize bounds the replay log of the current task.
	BufferSize int
	Logger     *slog.Logger
	// OnEvent sees every non-terminal event before it is published and may
	// replace it. It runs on the task goroutine.
	OnEvent func(ctx context.Context, ev TaskEvent) TaskEvent
	// OnFinish runs after the terminal event has been published.
	OnFinish func(terminal TaskEvent)
}

// Binding runs tasks for one agent and fans their events out to
// subscribers. A task keeps running while no subscriber is attached; a
// subscriber that reattaches catches up from the replay log.
type Binding struct {
	chatID string
	agent  Agent
	opts   BindingOptions
	logger *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	closeAgent sync.Once

	mu           sync.Mutex
	running      bool
	closed       bool
	cancelTask   context.CancelFunc
	cancelReason string
	runDone      chan struct{}
	seq          int64
	replay       []Envelope
	subs         map[int64]chan Envelope
	nextSub      int64
}

// NewBinding wraps an agent.
func NewBinding(chatID string, agent Agent, opts BindingOptions) *Binding {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Binding{
		chatID: chatID,
		agent:  agent,
		opts:   opts,
		logger: opts.Logger.With("chat_id", chatID),
		ctx:    ctx,
		stop:   stop,
		subs:   make(map[int64]chan Envelope),
	}
}

// Start begins a task in the background. It fails with ErrTaskRunning while
// another task is in flight.
func (b *Binding) Start(req TaskRequest) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrAgentClosed
	}
	if b.running {
		b.mu.Unlock()
		return ErrTaskRunning
	}
	ctx, cancel := context.WithCancel(b.ctx)
	done := make(chan struct{})
	b.running = true
	b.cancelTask = cancel
	b.cancelReason = ""
	b.runDone = done
	b.replay = b.replay[:0]
	b.mu.Unlock()

	b.logger.Info("Task started", "message_id", req.MessageID)
	go b.run(ctx, req, done)
	return nil
}

// Cancel asks the running task to stop. It reports whether a task was running.
func (b *Binding) Cancel(reason string) bool {
	b.mu.Lock()
	if !b.running || b.cancelTask == nil {
		b.mu.Unlock()
		return false
	}
	if b.cancelReason == "" {
		b.cancelReason = reason
	}
	cancel := b.cancelTask
	b.mu.Unlock()

	b.logger.Info("Task cancel requested", "reason", reason)
	cancel()
	return true
}

// Approve forwards a tool approval decision to the running task.
func (b *Binding) Approve(toolID string, approved bool) error {
	if !b.Running() {
		return ErrNoTask
	}
	return b.agent.Approve(toolID, approved)
}

// Attach subscribes to task events. It returns the buffered events with a
// sequence number greater than afterSeq, a channel of subsequent events, and
// a detach func. The channel is closed on detach, on Close, or when the
// subscriber falls too far behind.
func (b *Binding) Attach(afterSeq int64) ([]Envelope, <-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachLocked(afterSeq)
}

func (b *Binding) attachLocked(afterSeq int64) ([]Envelope, <-chan Envelope, func()) {
	var missed []Envelope
	for _, env := range b.replay {
		if env.Seq > afterSeq {
			missed = append(missed, env)
		}
	}

	ch := make(chan Envelope, subscriberBuffer)
	if b.closed {
		close(ch)
		return missed, ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	var once sync.Once
	detach := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return missed, ch, detach
}

// Resume attaches like Attach and reports whether a task is running. When
// no task is running and the replay holds no terminal event after afterSeq,
// a Completed envelope numbered past both afterSeq and LastSeq is appended
// to the missed events.
func (b *Binding) Resume(afterSeq int64) ([]Envelope, <-chan Envelope, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	missed, events, detach := b.attachLocked(afterSeq)
	if b.running {
		return missed, events, detach, true
	}
	for _, env := range missed {
		if IsTerminal(env.Event) {
			return missed, events, detach, false
		}
	}
	b.seq = max(b.seq, afterSeq) + 1
	missed = append(missed, Envelope{Seq: b.seq, Event: Completed{}})
	b.logger.Debug("Resume found no task", "after_seq", afterSeq, "seq", b.seq)
	return missed, events, detach, false
}

// Running reports whether a task is in flight.
func (b *Binding) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// LastSeq is the sequence number of the most recent event.
func (b *Binding) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Done returns a channel closed when the current task finishes, or nil if no
// task was ever started.
func (b *Binding) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runDone
}

// Close cancels any running task, detaches all subscribers, and releases
// the agent once the task has unwound.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	running := b.running
	if running && b.cancelReason == "" {
		b.cancelReason = "agent destroyed"
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	b.stop()
	if !running {
		b.releaseAgent()
	}
}

func (b *Binding) releaseAgent() {
	b.closeAgent.Do(func() {
		if err := b.agent.Close(); err != nil {
			b.logger.Warn("Failed to close agent", "error", err)
		}
	})
}

func (b *Binding) run(ctx context.Context, req TaskRequest, done chan struct{}) {
	defer close(done)

	terminal := b.drive(ctx, req)

	b.mu.Lock()
	b.publishLocked(terminal)
	b.running = false
	cancel := b.cancelTask
	b.cancelTask = nil
	closed := b.closed
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	switch ev := terminal.(type) {
	case Completed:
		b.logger.Info("Task completed")
	case Cancelled:
		b.logger.Info("Task cancelled", "reason", ev.Reason)
	case TaskError:
		b.logger.Warn("Task failed", "error", ev.Message)
	}

	if b.opts.OnFinish != nil {
		b.opts.OnFinish(terminal)
	}
	if closed {
		b.releaseAgent()
	}
}

// drive consumes the agent's event stream and returns the terminal event.
func (b *Binding) drive(ctx context.Context, req TaskRequest) (terminal TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Task panicked", "panic", r)
			terminal = TaskError{Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	for ev, err := range b.agent.Run(ctx, req) {
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return Cancelled{Reason: b.reason("")}
			}
			return TaskError{Message: err.Error()}
		}
		if ev == nil {
			continue
		}
		if IsTerminal(ev) {
			if c, ok := ev.(Cancelled); ok {
				return Cancelled{Reason: b.reason(c.Reason)}
			}
			return ev
		}
		if b.opts.OnEvent != nil {
			ev = b.opts.OnEvent(ctx, ev)
		}
		b.mu.Lock()
		b.publishLocked(ev)
		b.mu.Unlock()
	}

	if ctx.Err() != nil {
		return Cancelled{Reason: b.reason("")}
	}
	return TaskError{Message: "task stream ended unexpectedly"}
}

// reason prefers the reason given to Cancel over the engine's.
func (b *Binding) reason(reported string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.cancelReason != "":
		return b.cancelReason
	case reported != "":
		return reported
	default:
		return "cancelled"
	}
}

// publishLocked sequences ev and fans it out. Heartbeats are not replayed.
func (b *Binding) publishLocked(ev TaskEvent) {
	b.seq++
	env := Envelope{Seq: b.seq, Event: ev}

	if _, ok := ev.(Heartbeat); !ok {
		b.replay = append(b.replay, env)
		if over := len(b.replay) - b.opts.BufferSize; over > 0 {
			b.replay = append(b.replay[:0], b.replay[over:]...)
		}
	}

	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Warn("Dropping lagging task subscriber", "seq", env.Seq)
			delete(b.subs, id)
			close(ch)
		}
	}
}
